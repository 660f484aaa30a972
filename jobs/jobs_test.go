package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoice-scraper/archive"
	"github.com/invoice-scraper/auth"
	"github.com/invoice-scraper/browser"
	"github.com/invoice-scraper/browser/browsertest"
	"github.com/invoice-scraper/history"
	"github.com/invoice-scraper/progress"
	"github.com/invoice-scraper/scrapers"
	"github.com/invoice-scraper/session"
)

type plan struct {
	failures int // failing attempts before success; -1 always fails
	invoices int
	partial  int // files written by a failing attempt
}

type scriptedSource struct {
	mu    sync.Mutex
	plans map[string]plan
	calls map[string]int
	block chan struct{}
}

func newSource(plans map[string]plan) *scriptedSource {
	return &scriptedSource{plans: plans, calls: map[string]int{}}
}

func (s *scriptedSource) Retrieve(ctx context.Context, sess browser.Session, id, dir string) scrapers.Result {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return scrapers.Result{BookingID: id, Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	s.calls[id]++
	n := s.calls[id]
	p := s.plans[id]
	s.mu.Unlock()

	_ = os.MkdirAll(dir, 0755)
	write := func(count int) []string {
		var files []string
		for i := 1; i <= count; i++ {
			path := filepath.Join(dir, scrapers.FileName(id, i))
			_ = os.WriteFile(path, []byte("%PDF "+id), 0644)
			files = append(files, path)
		}
		return files
	}

	if p.failures < 0 || n <= p.failures {
		return scrapers.Result{BookingID: id, Files: write(p.partial), Err: errors.New("page did not load")}
	}
	return scrapers.Result{BookingID: id, Success: true, Files: write(p.invoices)}
}

func (s *scriptedSource) Calls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type fakeAuth struct {
	err   error
	calls int
	sess  *browsertest.Session
}

func (f *fakeAuth) Ensure(ctx context.Context, rep progress.Reporter) (*auth.Authenticated, error) {
	f.calls++
	rep.Stage(progress.StageSessionCheck, "Checking saved session...")
	if f.err != nil {
		return nil, f.err
	}
	f.sess = browsertest.NewSession()
	return &auth.Authenticated{Session: f.sess}, nil
}

type recordingCleaner struct {
	mu    sync.Mutex
	paths []string
	dir   string
}

func (c *recordingCleaner) Schedule(paths []string, dir string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append([]string(nil), paths...)
	c.dir = dir
}

func runBatch(t *testing.T, a Authenticator, src scrapers.Source, ids []string) (Outcome, progress.Record, string) {
	t.Helper()
	workDir := t.TempDir()
	orch := NewOrchestrator(a, src, Options{WorkDir: workDir, MaxRetries: 5}, nil)

	tr := progress.NewTracker()
	tr.Create("client", len(ids))
	out := orch.Run(context.Background(), "client", ids, tr.Handle("client"))
	rec, ok := tr.Read("client")
	require.True(t, ok)
	return out, rec, workDir
}

func TestOrchestrator_LookalikeIDsKeepSeparateFiles(t *testing.T) {
	src := newSource(map[string]plan{"HM/1": {invoices: 1}, "HM_1": {invoices: 1}})
	out, _, _ := runBatch(t, &fakeAuth{}, src, []string{"HM/1", "HM_1"})

	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Report.SuccessfulDownloads)

	members, err := archive.Members(out.ZipPath)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.NotEqual(t, members[0], members[1])
	assert.Contains(t, members, "invoice_HM_1_1.pdf")
}

func TestOrchestrator_ScenarioA_AllSucceed(t *testing.T) {
	src := newSource(map[string]plan{"HM1": {invoices: 1}, "HM2": {invoices: 1}})
	out, rec, workDir := runBatch(t, &fakeAuth{}, src, []string{"HM1", "HM2"})

	require.NoError(t, out.Err)
	assert.Equal(t, Report{
		TotalBookings:        2,
		SuccessfulDownloads:  2,
		FailedDownloads:      0,
		FailedBookingNumbers: []string{},
	}, out.Report)

	members, err := archive.Members(out.ZipPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"invoice_HM1_1.pdf", "invoice_HM2_1.pdf"}, members)
	assert.Equal(t, filepath.Join(workDir, "invoices_client.zip"), out.ZipPath)

	assert.True(t, rec.Done)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 2, rec.Current)
	assert.Equal(t, 100, rec.StageProgress)
	assert.Equal(t, out.ZipPath, rec.ZipPath)
	require.NotNil(t, rec.Report)
}

func TestOrchestrator_ScenarioB_RetriesThenFails(t *testing.T) {
	src := newSource(map[string]plan{"HM1": {failures: -1}})
	out, rec, _ := runBatch(t, &fakeAuth{}, src, []string{"HM1"})

	assert.Equal(t, 6, src.Calls("HM1"), "1 attempt + 5 retries")
	require.NoError(t, out.Err)
	assert.Equal(t, Report{
		TotalBookings:        1,
		SuccessfulDownloads:  0,
		FailedDownloads:      1,
		FailedBookingNumbers: []string{"HM1"},
	}, out.Report)

	members, err := archive.Members(out.ZipPath)
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.True(t, rec.Done)
}

func TestOrchestrator_ScenarioB_WithRealRetriever(t *testing.T) {
	url := func(id string) string { return "https://host.test/r/" + id }
	sess := browsertest.NewSession()
	sess.Pages[url("HM1")] = &browsertest.Page{Links: 1, FailNavigations: -1}

	a := &staticAuth{sess: sess}
	retriever := scrapers.NewInvoiceRetriever(scrapers.Config{ReservationURL: url}, nil)
	_, rec, _ := runBatch(t, a, retriever, []string{"HM1"})

	assert.Equal(t, 6, sess.Navigations(url("HM1")))
	require.NotNil(t, rec.Report)
	assert.Equal(t, []string{"HM1"}, rec.Report.FailedBookingNumbers)
	assert.True(t, sess.Closed(), "batch closes its session")
}

type staticAuth struct {
	sess browser.Session
}

func (a *staticAuth) Ensure(ctx context.Context, rep progress.Reporter) (*auth.Authenticated, error) {
	return &auth.Authenticated{Session: a.sess}, nil
}

func TestOrchestrator_ScenarioC_LoginTimeout(t *testing.T) {
	launcher := &browsertest.Launcher{
		Configure: func(s *browsertest.Session) {
			if s.Headless {
				s.Redirect = browsertest.RequireCookie("_aat", "https://host.test/login")
				return
			}
			s.LocationFunc = func(int) string { return "https://host.test/login" }
		},
	}
	store := session.NewStore(filepath.Join(t.TempDir(), "cookies.json"))
	a := auth.New(launcher, store, auth.Config{
		CheckURL:     "https://host.test/hosting",
		LoginURL:     "https://host.test/login",
		LoginTimeout: 30 * time.Millisecond,
		PollInterval: time.Millisecond,
	}, nil)

	src := newSource(nil)
	out, rec, workDir := runBatch(t, a, src, []string{"HM1", "HM2"})

	assert.ErrorIs(t, out.Err, auth.ErrTimeout)
	assert.Equal(t, []string{"HM1", "HM2"}, out.Report.FailedBookingNumbers)
	assert.Equal(t, 0, src.Calls("HM1"))

	assert.True(t, rec.Done)
	assert.NotEmpty(t, rec.Error)
	assert.Empty(t, rec.ZipPath)
	assert.Nil(t, rec.Report)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no archive created")
}

func TestOrchestrator_PartialFilesNotArchivedButCleaned(t *testing.T) {
	src := newSource(map[string]plan{
		"OK":  {invoices: 2},
		"BAD": {failures: -1, partial: 1},
	})
	cleaner := &recordingCleaner{}
	workDir := t.TempDir()
	orch := NewOrchestrator(&fakeAuth{}, src, Options{WorkDir: workDir, MaxRetries: 1}, nil).WithCleaner(cleaner)

	tr := progress.NewTracker()
	tr.Create("c", 2)
	out := orch.Run(context.Background(), "c", []string{"OK", "BAD"}, tr.Handle("c"))

	members, err := archive.Members(out.ZipPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"invoice_OK_1.pdf", "invoice_OK_2.pdf"}, members)
	assert.Equal(t, 2, out.Report.SuccessfulDownloads)
	assert.Equal(t, 2, src.Calls("BAD"))

	assert.Len(t, cleaner.paths, 3)
	assert.Contains(t, cleaner.paths, filepath.Join(workDir, "c", "invoice_BAD_1.pdf"))
	assert.Equal(t, orch.JobDir("c"), cleaner.dir)
	assert.NotContains(t, cleaner.paths, out.ZipPath)
}

func TestOrchestrator_ArchiveFailureIsFatal(t *testing.T) {
	src := newSource(map[string]plan{"HM1": {invoices: 1}})
	cleaner := &recordingCleaner{}
	orch := NewOrchestrator(&fakeAuth{}, src, Options{WorkDir: t.TempDir()}, nil).WithCleaner(cleaner)
	orch.archive = func([]string, string, string) (string, error) { return "", errors.New("disk full") }

	tr := progress.NewTracker()
	tr.Create("c", 1)
	out := orch.Run(context.Background(), "c", []string{"HM1"}, tr.Handle("c"))

	assert.ErrorContains(t, out.Err, "disk full")
	rec, _ := tr.Read("c")
	assert.True(t, rec.Done)
	assert.Contains(t, rec.Error, "disk full")
	assert.Nil(t, cleaner.paths, "no cleanup scheduled")
}

type fakePublisher struct{ err error }

func (p fakePublisher) Publish(ctx context.Context, path string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "https://s3.test/" + filepath.Base(path), nil
}

func TestOrchestrator_Publish(t *testing.T) {
	src := newSource(map[string]plan{"HM1": {invoices: 1}})
	orch := NewOrchestrator(&fakeAuth{}, src, Options{WorkDir: t.TempDir()}, nil).WithPublisher(fakePublisher{})

	tr := progress.NewTracker()
	tr.Create("c", 1)
	out := orch.Run(context.Background(), "c", []string{"HM1"}, tr.Handle("c"))
	assert.Equal(t, "https://s3.test/invoices_c.zip", out.DownloadURL)

	rec, _ := tr.Read("c")
	assert.Equal(t, out.DownloadURL, rec.DownloadURL)
}

func TestOrchestrator_PublishFailureNotFatal(t *testing.T) {
	src := newSource(map[string]plan{"HM1": {invoices: 1}})
	orch := NewOrchestrator(&fakeAuth{}, src, Options{WorkDir: t.TempDir()}, nil).
		WithPublisher(fakePublisher{err: errors.New("no bucket")})

	tr := progress.NewTracker()
	tr.Create("c", 1)
	out := orch.Run(context.Background(), "c", []string{"HM1"}, tr.Handle("c"))
	require.NoError(t, out.Err)
	assert.Empty(t, out.DownloadURL)
	assert.NotEmpty(t, out.ZipPath)
}

func TestOrchestrator_ReportInvariant(t *testing.T) {
	for _, tc := range []struct {
		name  string
		plans map[string]plan
		ids   []string
	}{
		{"mixed", map[string]plan{"A": {invoices: 2}, "B": {failures: -1, partial: 1}, "C": {invoices: 0}}, []string{"A", "B", "C"}},
		{"duplicates", map[string]plan{"A": {failures: 2, invoices: 1}}, []string{"A", "A"}},
		{"empty", nil, []string{" ", ""}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, _, _ := runBatch(t, &fakeAuth{}, newSource(tc.plans), tc.ids)
			ids := NormalizeIDs(tc.ids)
			assert.Equal(t, len(ids), out.Report.TotalBookings)

			contributed := 0
			for _, id := range ids {
				if tc.plans[id].invoices > 0 && tc.plans[id].failures >= 0 {
					contributed++
				}
			}
			assert.LessOrEqual(t, out.Report.FailedDownloads+contributed, out.Report.TotalBookings)
		})
	}
}

func TestOrchestrator_CancelMarksRemainingFailed(t *testing.T) {
	src := newSource(map[string]plan{"A": {invoices: 1}, "B": {invoices: 1}})
	src.block = make(chan struct{})
	orch := NewOrchestrator(&fakeAuth{}, src, Options{WorkDir: t.TempDir()}, nil)

	tr := progress.NewTracker()
	tr.Create("c", 2)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out := orch.Run(ctx, "c", []string{"A", "B"}, tr.Handle("c"))

	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, []string{"A", "B"}, out.Report.FailedBookingNumbers)
	rec, _ := tr.Read("c")
	assert.True(t, rec.Done)
	assert.Contains(t, rec.Error, "cancelled")
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"HM1", "HM2", "HM1"}, SplitIDs(" HM1, ,HM2,HM1,"))
	assert.Empty(t, SplitIDs(""))
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func ExampleSplitIDs() {
	fmt.Println(SplitIDs("HM1,HM2"))
	// Output: [HM1 HM2]
}

var _ HistoryStore = (*history.SQLiteStore)(nil)
