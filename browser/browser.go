// Package browser drives a Chrome instance for the invoice workflow. The
// Session interface is all the rest of the service sees; ChromeLauncher backs
// it with chromedp.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/invoice-scraper/session"
)

// ErrNoSuchElement is returned when an indexed element is not on the page
var ErrNoSuchElement = errors.New("element not found")

// Session is one browser instance with a main tab
type Session interface {
	Navigate(ctx context.Context, url string) error
	// Location returns the URL of the main tab after any redirects
	Location(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// WaitReady blocks until selector matches a ready element or timeout
	WaitReady(ctx context.Context, selector string, timeout time.Duration) error
	// Count waits up to timeout for selector to match and returns the number
	// of matches. Zero matches after the wait is not an error.
	Count(ctx context.Context, selector string, timeout time.Duration) (int, error)
	// OpenLink clicks the index-th match of selector once it is visible and
	// returns the tab the click opened.
	OpenLink(ctx context.Context, selector string, index int, timeout time.Duration) (Tab, error)
	Cookies(ctx context.Context) (session.CredentialSet, error)
	SetCookie(ctx context.Context, c session.Credential) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Tab is a secondary tab opened from the main one
type Tab interface {
	WaitLoaded(ctx context.Context, timeout time.Duration) error
	PrintPDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	// Close closes the tab and brings the main tab back to the front
	Close() error
}

// Launcher starts browser sessions
type Launcher interface {
	Launch(ctx context.Context, headless bool) (Session, error)
}

// PDFOptions mirrors the print settings used for invoices
type PDFOptions struct {
	PrintBackground bool
	PageRanges      string
	PaperWidth      float64 // inches
	PaperHeight     float64 // inches
}

// A4 returns single page A4 output with backgrounds and no margins
func A4() PDFOptions {
	return PDFOptions{
		PrintBackground: true,
		PageRanges:      "1",
		PaperWidth:      8.27,
		PaperHeight:     11.69,
	}
}
