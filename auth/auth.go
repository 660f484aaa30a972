package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/invoice-scraper/browser"
	"github.com/invoice-scraper/logger"
	"github.com/invoice-scraper/progress"
	"github.com/invoice-scraper/session"
)

var (
	ErrTimeout              = errors.New("interactive login not completed in time")
	ErrBrowserStart         = errors.New("browser failed to start")
	ErrTransplantIncomplete = errors.New("some credentials could not be transplanted")
)

// Error carries the failing step with its cause. Kind is one of the
// package sentinels and is what errors.Is matches.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "auth: " + e.Kind.Error()
	}
	return fmt.Sprintf("auth: %v: %v", e.Kind, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds the pages and bounds used for authentication
type Config struct {
	CheckURL     string // only reachable with a valid session
	LoginURL     string
	LoginTimeout time.Duration
	PollInterval time.Duration
	// CheckTimeout bounds each browser call outside the interactive wait
	CheckTimeout time.Duration
}

// Authenticated is a headless session that is logged in
type Authenticated struct {
	Session browser.Session
	// Interactive is true when a human had to log in
	Interactive bool
	// Skipped counts credentials the headless browser refused
	Skipped int
}

// Authenticator produces logged-in headless sessions, reusing stored
// credentials and falling back to a visible browser for manual login.
type Authenticator struct {
	launcher browser.Launcher
	store    *session.Store
	cfg      Config
	logger   *zap.SugaredLogger
}

func New(launcher browser.Launcher, store *session.Store, cfg Config, log *zap.SugaredLogger) *Authenticator {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	return &Authenticator{launcher: launcher, store: store, cfg: cfg, logger: logger.OrNop(log)}
}

// Ensure returns a logged-in headless session. The caller owns and must
// close the returned session.
func (a *Authenticator) Ensure(ctx context.Context, rep progress.Reporter) (*Authenticated, error) {
	if rep == nil {
		rep = progress.Handle{}
	}
	rep.Stage(progress.StageSessionCheck, "Checking saved session...")

	headless, err := a.launcher.Launch(ctx, true)
	if err != nil {
		return nil, &Error{Kind: ErrBrowserStart, Err: err}
	}

	valid, err := a.tryStoredSession(ctx, headless)
	if err != nil {
		headless.Close()
		return nil, err
	}
	if valid {
		a.logger.Infof("Saved session is valid")
		return &Authenticated{Session: headless}, nil
	}
	headless.Close()

	rep.Stage(progress.StageMFA, "Waiting for login in the browser window (MFA)...")
	a.logger.Infof("Saved session invalid, opening browser for manual login")

	creds, err := a.interactiveLogin(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.store.Save(creds); err != nil {
		a.logger.Errorf("Failed to save session: %v", err)
	} else {
		a.logger.Infof("Saved %d credentials to %s", len(creds), a.store.Path())
	}

	fresh, err := a.launcher.Launch(ctx, true)
	if err != nil {
		return nil, &Error{Kind: ErrBrowserStart, Err: err}
	}
	skipped, err := a.transplant(ctx, fresh, creds)
	if err != nil {
		fresh.Close()
		return nil, err
	}
	if skipped > 0 {
		a.logger.Warnf("%v", &Error{Kind: ErrTransplantIncomplete, Err: fmt.Errorf("%d of %d skipped", skipped, len(creds))})
	}

	return &Authenticated{Session: fresh, Interactive: true, Skipped: skipped}, nil
}

// tryStoredSession loads saved credentials into sess and checks whether the
// protected page stays reachable.
func (a *Authenticator) tryStoredSession(ctx context.Context, sess browser.Session) (bool, error) {
	creds, err := a.store.Load()
	switch {
	case errors.Is(err, session.ErrNotFound):
		a.logger.Infof("No saved session found")
	case err != nil:
		a.logger.Warnf("Ignoring saved session: %v", err)
	default:
		if _, err := a.transplant(ctx, sess, creds); err != nil {
			return false, err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CheckTimeout)
	defer cancel()

	if err := sess.Navigate(cctx, a.cfg.CheckURL); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		a.logger.Warnf("Session check navigation failed: %v", err)
		return false, nil
	}
	loc, err := sess.Location(cctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		a.logger.Warnf("Session check failed: %v", err)
		return false, nil
	}
	return !a.onLoginPage(loc), nil
}

// interactiveLogin opens a visible browser on the login page and waits for
// the user to leave it. The browser is always closed before returning.
func (a *Authenticator) interactiveLogin(ctx context.Context) (session.CredentialSet, error) {
	visible, err := a.launcher.Launch(ctx, false)
	if err != nil {
		return nil, &Error{Kind: ErrBrowserStart, Err: err}
	}
	defer visible.Close()

	// the whole wait, page load included, shares one deadline
	lctx, cancel := context.WithTimeout(ctx, a.cfg.LoginTimeout)
	defer cancel()
	expired := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: ErrTimeout, Err: fmt.Errorf("waited %s", a.cfg.LoginTimeout)}
	}

	if err := visible.Navigate(lctx, a.cfg.LoginURL); err != nil {
		if lctx.Err() != nil {
			return nil, expired()
		}
		return nil, fmt.Errorf("failed to open login page: %w", err)
	}

	a.logger.Infof("Please log in (including MFA) in the opened browser window within %s", a.cfg.LoginTimeout)

	tick := time.NewTicker(a.cfg.PollInterval)
	defer tick.Stop()

	for {
		loc, err := visible.Location(lctx)
		if err == nil && !a.onLoginPage(loc) {
			a.logger.Infof("Login completed, now at %s", loc)
			break
		}
		if err != nil {
			a.logger.Debugf("Polling login page: %v", err)
		}

		select {
		case <-lctx.Done():
			return nil, expired()
		case <-tick.C:
		}
	}

	cctx, ccancel := context.WithTimeout(ctx, a.cfg.CheckTimeout)
	defer ccancel()
	creds, err := visible.Cookies(cctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return creds, nil
}

// transplant copies creds into sess one by one, logging and skipping any
// the browser refuses.
func (a *Authenticator) transplant(ctx context.Context, sess browser.Session, creds session.CredentialSet) (int, error) {
	skipped := 0
	for _, c := range creds {
		if err := a.setCookie(ctx, sess, c); err != nil {
			if ctx.Err() != nil {
				return skipped, ctx.Err()
			}
			skipped++
			a.logger.Warnf("Skipping credential %s (%s): %v", c.Name, c.Domain, err)
		}
	}
	a.logger.Debugf("Transplanted %d/%d credentials", len(creds)-skipped, len(creds))
	return skipped, nil
}

func (a *Authenticator) setCookie(ctx context.Context, sess browser.Session, c session.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CheckTimeout)
	defer cancel()
	return sess.SetCookie(ctx, c)
}

func (a *Authenticator) onLoginPage(loc string) bool {
	login, err := url.Parse(a.cfg.LoginURL)
	if err != nil || login.Path == "" {
		return strings.HasPrefix(loc, a.cfg.LoginURL)
	}
	cur, err := url.Parse(loc)
	if err != nil {
		return true
	}
	return strings.HasPrefix(cur.Path, login.Path)
}
