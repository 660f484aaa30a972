package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/invoice-scraper/logger"
	"github.com/invoice-scraper/session"
)

// ChromeOptions configures the Chrome processes started by ChromeLauncher
type ChromeOptions struct {
	ExecPath     string
	UserAgent    string
	WindowWidth  int
	WindowHeight int
	// Visible shows every window, including the ones asked to be headless
	Visible bool
}

// ChromeLauncher starts chromedp-controlled Chrome instances
type ChromeLauncher struct {
	Options ChromeOptions
	Logger  *zap.SugaredLogger
}

func NewChromeLauncher(opts ChromeOptions, log *zap.SugaredLogger) *ChromeLauncher {
	if opts.ExecPath == "" {
		opts.ExecPath = FindChrome()
	}
	if opts.WindowWidth <= 0 || opts.WindowHeight <= 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	return &ChromeLauncher{Options: opts, Logger: logger.OrNop(log)}
}

// Launch starts a browser and opens its main tab. The browser outlives ctx;
// it stays up until Close.
func (l *ChromeLauncher) Launch(ctx context.Context, headless bool) (Session, error) {
	if l.Options.Visible {
		headless = false
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(l.Options.WindowWidth, l.Options.WindowHeight),
	)
	if l.Options.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.Options.ExecPath))
	}
	if l.Options.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.Options.UserAgent))
	}

	if headless {
		l.Logger.Infof("Launching browser in HEADLESS mode")
	} else {
		l.Logger.Infof("Launching browser in VISIBLE mode")
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(l.Logger.Debugf))

	s := &chromeSession{ctx: tabCtx, cancel: cancel, allocCancel: allocCancel, logger: l.Logger}

	// an empty Run starts the process and attaches to the first tab
	if err := s.run(ctx, 0); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			l.Logger.Infof("Dialog: %s", e.Message)
			go chromedp.Run(tabCtx, page.HandleJavaScriptDialog(true))
		}
	})

	return s, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.SugaredLogger
}

// DefaultActionTimeout bounds browser calls made without an explicit timeout
const DefaultActionTimeout = time.Minute

// run executes actions on the main tab, bounded by both ctx and timeout
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	return runOn(ctx, s.ctx, timeout, actions...)
}

func runOn(ctx, tabCtx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, 0, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (s *chromeSession) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, 0, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

func (s *chromeSession) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, 0, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read title: %w", err)
	}
	return title, nil
}

func (s *chromeSession) WaitReady(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("timed out waiting for %s: %w", selector, err)
	}
	return nil
}

func (s *chromeSession) Count(ctx context.Context, selector string, timeout time.Duration) (int, error) {
	err := s.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query %s: %w", selector, err)
	}

	var nodes []*cdp.Node
	if err := s.run(ctx, timeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", selector, err)
	}
	return len(nodes), nil
}

func (s *chromeSession) OpenLink(ctx context.Context, selector string, index int, timeout time.Duration) (Tab, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, timeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll)); err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", selector, err)
	}
	if index < 0 || index >= len(nodes) {
		return nil, fmt.Errorf("%w: %s[%d] of %d", ErrNoSuchElement, selector, index, len(nodes))
	}
	node := []cdp.NodeID{nodes[index].NodeID}

	if err := s.run(ctx, timeout, chromedp.WaitVisible(node, chromedp.ByNodeID)); err != nil {
		return nil, fmt.Errorf("link %d not visible: %w", index+1, err)
	}

	newTab := chromedp.WaitNewTarget(s.ctx, func(info *target.Info) bool {
		return info.Type == "page"
	})

	// force a new tab so the main tab keeps the reservation page
	if err := s.run(ctx, timeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return dom.SetAttributeValue(node[0], "target", "_blank").Do(ctx)
		}),
		chromedp.Click(node, chromedp.ByNodeID),
	); err != nil {
		return nil, fmt.Errorf("failed to click link %d: %w", index+1, err)
	}

	var id target.ID
	select {
	case id = <-newTab:
	case <-time.After(timeout):
		return nil, fmt.Errorf("link %d did not open a tab within %s", index+1, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tabCtx, cancel := chromedp.NewContext(s.ctx, chromedp.WithTargetID(id))
	if err := runOn(ctx, tabCtx, timeout); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to new tab: %w", err)
	}
	return &chromeTab{ctx: tabCtx, cancel: cancel, parent: s}, nil
}

func (s *chromeSession) Cookies(ctx context.Context) (session.CredentialSet, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	set := make(session.CredentialSet, 0, len(cookies))
	for _, c := range cookies {
		set = append(set, fromCookie(c))
	}
	return set, nil
}

func (s *chromeSession) SetCookie(ctx context.Context, c session.Credential) error {
	return s.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		p := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly)
		if c.SameSite != "" {
			p = p.WithSameSite(network.CookieSameSite(c.SameSite))
		}
		if c.Expiry != nil {
			exp := cdp.TimeSinceEpoch(*c.Expiry)
			p = p.WithExpires(&exp)
		}
		if err := p.Do(ctx); err != nil {
			return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
		}
		return nil
	}))
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, 10*time.Second, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

func (s *chromeSession) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	return nil
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
	parent *chromeSession
}

func (t *chromeTab) WaitLoaded(ctx context.Context, timeout time.Duration) error {
	err := runOn(ctx, t.ctx, timeout,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Poll(`document.readyState === "complete"`, nil),
	)
	if err != nil {
		return fmt.Errorf("tab did not finish loading: %w", err)
	}
	return nil
}

func (t *chromeTab) PrintPDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	var buf []byte
	err := runOn(ctx, t.ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, _, err = page.PrintToPDF().
			WithPrintBackground(opts.PrintBackground).
			WithPageRanges(opts.PageRanges).
			WithPaperWidth(opts.PaperWidth).
			WithPaperHeight(opts.PaperHeight).
			WithMarginTop(0).
			WithMarginBottom(0).
			WithMarginLeft(0).
			WithMarginRight(0).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to print pdf: %w", err)
	}
	return buf, nil
}

func (t *chromeTab) Close() error {
	closeErr := runOn(context.Background(), t.ctx, 5*time.Second, page.Close())
	t.cancel()

	err := t.parent.run(context.Background(), 5*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.ActivateTarget(chromedp.FromContext(ctx).Target.TargetID).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to reactivate main tab: %w", err)
	}
	if closeErr != nil {
		t.parent.logger.Debugf("Closing tab: %v", closeErr)
	}
	return nil
}

func fromCookie(c *network.Cookie) session.Credential {
	cred := session.Credential{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: string(c.SameSite),
	}
	if !c.Session && c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		exp := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		cred.Expiry = &exp
	}
	return cred
}
