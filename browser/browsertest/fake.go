// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/invoice-scraper/browser"
	"github.com/invoice-scraper/session"
)

// DefaultPDF is the document returned by tabs without a configured PDF
var DefaultPDF = []byte("%PDF-1.4\n% fake invoice\n%%EOF\n")

var ErrNavigate = errors.New("navigation failed")

// Page describes what the fake shows for one URL
type Page struct {
	Title string
	// Links is the number of elements matching any selector
	Links int
	// FailNavigations makes the next n navigations to this page fail; -1
	// fails every navigation.
	FailNavigations int
	// FailLink is the 1-based link whose tab cannot be printed
	FailLink int
	PDF      []byte
}

// Session is a scriptable browser.Session. Zero value is usable.
type Session struct {
	mu sync.Mutex

	Headless bool
	Pages    map[string]*Page
	// Redirect rewrites where a navigation ends up
	Redirect func(s *Session, url string) string
	// LocationFunc overrides Location, e.g. for login polling
	LocationFunc func(call int) string
	Jar          session.CredentialSet
	RejectCookie func(c session.Credential) bool
	// Intercept runs before every call with the method name ("Navigate",
	// "Location", "Count", ...). A non-nil error is returned by the call.
	Intercept func(ctx context.Context, op string) error

	current       string
	locationCalls int
	navCount      map[string]int
	printed       []string
	closed        bool
	openTabs      int
}

func NewSession() *Session {
	return &Session{Pages: map[string]*Page{}}
}

func (s *Session) intercept(ctx context.Context, op string) error {
	if s.Intercept == nil {
		return nil
	}
	return s.Intercept(ctx, op)
}

// Block returns an Intercept that makes the named calls wait until their
// context ends
func Block(ops ...string) func(ctx context.Context, op string) error {
	return func(ctx context.Context, op string) error {
		for _, o := range ops {
			if o == op {
				<-ctx.Done()
				return ctx.Err()
			}
		}
		return nil
	}
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.intercept(ctx, "Navigate"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.navCount == nil {
		s.navCount = map[string]int{}
	}
	s.navCount[url]++

	if p := s.Pages[url]; p != nil && p.FailNavigations != 0 {
		if p.FailNavigations > 0 {
			p.FailNavigations--
		}
		return fmt.Errorf("%w: %s", ErrNavigate, url)
	}

	s.current = url
	if s.Redirect != nil {
		s.current = s.Redirect(s, url)
	}
	return nil
}

func (s *Session) Location(ctx context.Context) (string, error) {
	if err := s.intercept(ctx, "Location"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locationCalls++
	if s.LocationFunc != nil {
		return s.LocationFunc(s.locationCalls), nil
	}
	return s.current, nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	if err := s.intercept(ctx, "Title"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.Pages[s.current]; p != nil {
		return p.Title, nil
	}
	return "", nil
}

func (s *Session) WaitReady(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.intercept(ctx, "WaitReady"); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Session) Count(ctx context.Context, selector string, timeout time.Duration) (int, error) {
	if err := s.intercept(ctx, "Count"); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.Pages[s.current]; p != nil {
		return p.Links, nil
	}
	return 0, nil
}

func (s *Session) OpenLink(ctx context.Context, selector string, index int, timeout time.Duration) (browser.Tab, error) {
	if err := s.intercept(ctx, "OpenLink"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.Pages[s.current]
	if p == nil || index < 0 || index >= p.Links {
		return nil, fmt.Errorf("%w: %s[%d]", browser.ErrNoSuchElement, selector, index)
	}
	s.openTabs++
	return &Tab{parent: s, page: p, url: s.current, index: index}, nil
}

func (s *Session) Cookies(ctx context.Context) (session.CredentialSet, error) {
	if err := s.intercept(ctx, "Cookies"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(session.CredentialSet(nil), s.Jar...), nil
}

func (s *Session) SetCookie(ctx context.Context, c session.Credential) error {
	if err := s.intercept(ctx, "SetCookie"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RejectCookie != nil && s.RejectCookie(c) {
		return fmt.Errorf("cookie %s rejected", c.Name)
	}
	s.Jar = append(s.Jar, c)
	return nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.intercept(ctx, "Screenshot"); err != nil {
		return nil, err
	}
	return []byte("png"), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Navigations returns how many times url was navigated to
func (s *Session) Navigations(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navCount[url]
}

// OpenTabs returns the number of tabs opened and not yet closed
func (s *Session) OpenTabs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openTabs
}

// Printed lists "url#n" for every tab printed, in order
func (s *Session) Printed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.printed...)
}

// HasCookie reports whether the jar holds a cookie called name
func (s *Session) HasCookie(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Jar {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Tab is the fake tab returned by OpenLink
type Tab struct {
	parent *Session
	page   *Page
	url    string
	index  int
	closed bool
}

func (t *Tab) WaitLoaded(ctx context.Context, timeout time.Duration) error {
	if err := t.parent.intercept(ctx, "WaitLoaded"); err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Tab) PrintPDF(ctx context.Context, opts browser.PDFOptions) ([]byte, error) {
	if err := t.parent.intercept(ctx, "PrintPDF"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.page.FailLink == t.index+1 {
		return nil, fmt.Errorf("print failed for link %d", t.index+1)
	}
	t.parent.mu.Lock()
	t.parent.printed = append(t.parent.printed, fmt.Sprintf("%s#%d", t.url, t.index+1))
	t.parent.mu.Unlock()
	if t.page.PDF != nil {
		return t.page.PDF, nil
	}
	return DefaultPDF, nil
}

func (t *Tab) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.parent.mu.Lock()
	t.parent.openTabs--
	t.parent.mu.Unlock()
	return nil
}

// RequireCookie returns a Redirect that sends navigations to loginURL unless
// the session holds a cookie called name.
func RequireCookie(name, loginURL string) func(*Session, string) string {
	return func(s *Session, url string) string {
		for _, c := range s.Jar {
			if c.Name == name {
				return url
			}
		}
		return loginURL
	}
}

// Launcher hands out fake sessions and records launches
type Launcher struct {
	mu sync.Mutex

	// Configure is called on every new session before it is returned
	Configure func(s *Session)
	// Err, when set, fails every launch of the matching mode
	HeadlessErr error
	VisibleErr  error

	sessions []*Session
}

func (l *Launcher) Launch(ctx context.Context, headless bool) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if headless && l.HeadlessErr != nil {
		return nil, l.HeadlessErr
	}
	if !headless && l.VisibleErr != nil {
		return nil, l.VisibleErr
	}

	s := NewSession()
	s.Headless = headless
	if l.Configure != nil {
		l.Configure(s)
	}
	l.sessions = append(l.sessions, s)
	return s, nil
}

// Sessions returns all launched sessions in launch order
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Launches counts launches of the given mode
func (l *Launcher) Launches(headless bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sessions {
		if s.Headless == headless {
			n++
		}
	}
	return n
}
