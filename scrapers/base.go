package scrapers

import (
	"context"
	"fmt"
	"time"

	"github.com/invoice-scraper/browser"
)

// Config holds the retrieval settings shared by all bookings
type Config struct {
	// ReservationURL maps a booking identifier to its reservation page
	ReservationURL func(bookingID string) string
	LinkSelector   string
	PageTimeout    time.Duration
	LinkTimeout    time.Duration
	TabTimeout     time.Duration
	Pacing         time.Duration
	PDF            browser.PDFOptions
	DiagnosticsDir string
}

func (c *Config) applyDefaults() {
	if c.PageTimeout <= 0 {
		c.PageTimeout = 20 * time.Second
	}
	if c.LinkTimeout <= 0 {
		c.LinkTimeout = 10 * time.Second
	}
	if c.TabTimeout <= 0 {
		c.TabTimeout = c.PageTimeout
	}
	if c.PDF == (browser.PDFOptions{}) {
		c.PDF = browser.A4()
	}
	if c.LinkSelector == "" {
		c.LinkSelector = `a[href*='/vat_invoices/']`
	}
}

// Result is the outcome of retrieving one booking. Files lists the PDFs
// written, also when Success is false.
type Result struct {
	BookingID string
	Success   bool
	Files     []string
	Err       error
}

func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("%s: %d invoice(s)", r.BookingID, len(r.Files))
	}
	return fmt.Sprintf("%s: failed after %d file(s): %v", r.BookingID, len(r.Files), r.Err)
}

// Source retrieves the invoices of one booking into outputDir
type Source interface {
	Retrieve(ctx context.Context, sess browser.Session, bookingID, outputDir string) Result
}
