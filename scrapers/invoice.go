package scrapers

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/invoice-scraper/browser"
	"github.com/invoice-scraper/logger"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// InvoiceRetriever prints every invoice linked from a booking's reservation
// page to PDF.
type InvoiceRetriever struct {
	cfg     Config
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
	now     func() time.Time
}

func NewInvoiceRetriever(cfg Config, log *zap.SugaredLogger) *InvoiceRetriever {
	cfg.applyDefaults()
	limit := rate.Inf
	if cfg.Pacing > 0 {
		limit = rate.Every(cfg.Pacing)
	}
	return &InvoiceRetriever{
		cfg:     cfg,
		logger:  logger.OrNop(log),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// FileName is the PDF name for the n-th (1-based) invoice of a booking
func FileName(bookingID string, n int) string {
	return fmt.Sprintf("invoice_%s_%d.pdf", SanitizeID(bookingID), n)
}

// SanitizeID makes a booking identifier safe to embed in a file name.
// Identifiers that had to be rewritten get a hash of the original appended,
// so distinct identifiers never share a name.
func SanitizeID(bookingID string) string {
	if bookingID == "" {
		return "_"
	}
	s := unsafeChars.ReplaceAllString(bookingID, "_")
	if s == bookingID {
		return s
	}
	h := fnv.New32a()
	h.Write([]byte(bookingID))
	return fmt.Sprintf("%s_%08x", s, h.Sum32())
}

// Retrieve never returns an error or panics; failures are reported in the
// Result together with any files written before the failure. Navigation is
// bounded by PageTimeout and printing by TabTimeout.
func (r *InvoiceRetriever) Retrieve(ctx context.Context, sess browser.Session, bookingID, outputDir string) (res Result) {
	res = Result{BookingID: bookingID}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorf("Booking %s: panic: %v\n%s", bookingID, p, debug.Stack())
			res.Success = false
			res.Err = fmt.Errorf("panic: %v", p)
		}
	}()

	fail := func(err error) Result {
		res.Err = err
		r.logger.Errorf("Booking %s: %v", bookingID, err)
		r.diagnose(ctx, sess, bookingID)
		return res
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fail(fmt.Errorf("failed to create output directory: %w", err))
	}

	url := r.cfg.ReservationURL(bookingID)
	r.logger.Infof("Booking %s: opening %s", bookingID, url)
	if err := bounded(ctx, r.cfg.PageTimeout, func(ctx context.Context) error {
		return sess.Navigate(ctx, url)
	}); err != nil {
		return fail(timeoutErr(ctx, "navigation", r.cfg.PageTimeout, err))
	}
	if err := sess.WaitReady(ctx, "body", r.cfg.PageTimeout); err != nil {
		return fail(timeoutErr(ctx, "page load", r.cfg.PageTimeout, err))
	}

	count, err := sess.Count(ctx, r.cfg.LinkSelector, r.cfg.PageTimeout)
	if err != nil {
		return fail(err)
	}
	if count == 0 {
		r.logger.Infof("Booking %s: no invoice links found", bookingID)
		res.Success = true
		return res
	}
	r.logger.Infof("Booking %s: found %d invoice link(s)", bookingID, count)

	for i := 0; i < count; i++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fail(err)
		}

		path := filepath.Join(outputDir, FileName(bookingID, i+1))
		if err := r.printLink(ctx, sess, i, path); err != nil {
			return fail(fmt.Errorf("invoice %d: %w", i+1, err))
		}
		res.Files = append(res.Files, path)
		r.logger.Infof("Booking %s: saved %s", bookingID, filepath.Base(path))
	}

	res.Success = true
	return res
}

// bounded runs fn under ctx limited to d
func bounded(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(cctx)
}

// timeoutErr names the step that ran out of time. Cancellation of the
// job context is passed through unchanged.
func timeoutErr(ctx context.Context, step string, d time.Duration, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s: %w", step, d, err)
	}
	return err
}

func (r *InvoiceRetriever) printLink(ctx context.Context, sess browser.Session, index int, path string) error {
	tab, err := sess.OpenLink(ctx, r.cfg.LinkSelector, index, r.cfg.LinkTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := tab.Close(); err != nil {
			r.logger.Warnf("Closing invoice tab: %v", err)
		}
	}()

	if err := tab.WaitLoaded(ctx, r.cfg.TabTimeout); err != nil {
		return err
	}
	var pdf []byte
	if err := bounded(ctx, r.cfg.TabTimeout, func(ctx context.Context) (err error) {
		pdf, err = tab.PrintPDF(ctx, r.cfg.PDF)
		return err
	}); err != nil {
		return timeoutErr(ctx, "printing", r.cfg.TabTimeout, err)
	}
	if err := os.WriteFile(path, pdf, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// diagnose logs where the browser was when a booking failed and saves a
// screenshot. Errors here are only logged.
func (r *InvoiceRetriever) diagnose(ctx context.Context, sess browser.Session, bookingID string) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
	defer cancel()

	if loc, err := sess.Location(ctx); err == nil {
		r.logger.Infof("Booking %s: page at failure: %s", bookingID, loc)
	}
	if title, err := sess.Title(ctx); err == nil {
		r.logger.Infof("Booking %s: page title: %s", bookingID, title)
	}

	if r.cfg.DiagnosticsDir == "" {
		return
	}
	shot, err := sess.Screenshot(ctx)
	if err != nil {
		r.logger.Debugf("Booking %s: screenshot failed: %v", bookingID, err)
		return
	}
	if err := os.MkdirAll(r.cfg.DiagnosticsDir, 0755); err != nil {
		r.logger.Debugf("Booking %s: %v", bookingID, err)
		return
	}
	name := fmt.Sprintf("failure_%s_%s.png", SanitizeID(bookingID), r.now().Format("20060102_150405"))
	if err := os.WriteFile(filepath.Join(r.cfg.DiagnosticsDir, name), shot, 0644); err != nil {
		r.logger.Debugf("Booking %s: saving screenshot: %v", bookingID, err)
	}
}
