package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invoice-scraper/history"
	"github.com/invoice-scraper/logger"
	"github.com/invoice-scraper/progress"
	"github.com/invoice-scraper/scrapers"
)

var (
	ErrNotFound    = errors.New("archive not found")
	ErrInvalidName = errors.New("invalid archive name")
)

// Runner executes one batch; *Orchestrator is the production Runner
type Runner interface {
	Run(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome
}

// HistoryStore persists finished job results
type HistoryStore interface {
	Save(ctx context.Context, e history.Entry) error
	Get(ctx context.Context, clientID string) (history.Entry, error)
}

// Result is what a client needs to decide whether to fetch the archive
type Result struct {
	Done        bool    `json:"done"`
	ZipPath     string  `json:"zip_path,omitempty"`
	DownloadURL string  `json:"download_url,omitempty"`
	Report      *Report `json:"report,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// ResultFromRecord projects a progress record onto a Result
func ResultFromRecord(r progress.Record) Result {
	res := Result{Done: r.Done, Error: r.Error}
	if r.Done && r.Error == "" {
		res.ZipPath = r.ZipPath
		res.DownloadURL = r.DownloadURL
		res.Report = r.Report
	}
	return res
}

// Manager starts batch jobs in the background and answers progress and
// result queries. Only one batch runs at a time; later ones queue.
type Manager struct {
	tracker *progress.Tracker
	runner  Runner
	history HistoryStore
	workDir string
	logger  *zap.SugaredLogger

	slot    chan struct{}
	mu      sync.Mutex
	running map[string]int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	newID   func() string
}

func NewManager(tracker *progress.Tracker, runner Runner, hist HistoryStore, workDir string, log *zap.SugaredLogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tracker: tracker,
		runner:  runner,
		history: hist,
		workDir: workDir,
		logger:  logger.OrNop(log),
		slot:    make(chan struct{}, 1),
		running: make(map[string]int),
		ctx:     ctx,
		cancel:  cancel,
		newID:   uuid.NewString,
	}
}

func (m *Manager) Tracker() *progress.Tracker {
	return m.tracker
}

// Start launches a batch for clientID, generating an id when empty. A job
// that is still running for the id is kept and created is false.
func (m *Manager) Start(clientID string, ids []string) (id string, created bool) {
	ids = NormalizeIDs(ids)
	id = strings.TrimSpace(clientID)
	if id == "" {
		id = m.newID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		m.tracker.Replace(id, len(ids))
		m.tracker.Handle(id).Fail(errors.New("service is shutting down"))
		return id, true
	}
	if rec, ok := m.tracker.Read(id); ok && !rec.Done {
		m.logger.Infof("Job %s already running, not starting another", id)
		return id, false
	}

	m.tracker.Replace(id, len(ids))
	m.running[id]++
	m.wg.Add(1)
	go m.run(id, ids)

	m.logger.Infof("Job %s queued with %d booking(s)", id, len(ids))
	return id, true
}

func (m *Manager) run(id string, ids []string) {
	h := m.tracker.Handle(id)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Job %s panic: %v\n%s", id, r, debug.Stack())
			h.Fail(fmt.Errorf("internal error: %v", r))
		}
		m.saveHistory(id)

		m.mu.Lock()
		if m.running[id]--; m.running[id] <= 0 {
			delete(m.running, id)
		}
		m.mu.Unlock()
		m.wg.Done()
	}()

	select {
	case m.slot <- struct{}{}:
	default:
		h.Update(func(r *progress.Record) { r.Status = "Waiting for another job to finish..." })
		select {
		case m.slot <- struct{}{}:
		case <-m.ctx.Done():
			h.Fail(fmt.Errorf("job cancelled: %w", m.ctx.Err()))
			return
		}
	}
	defer func() { <-m.slot }()

	out := m.runner.Run(m.ctx, id, ids, h)
	if out.Err != nil {
		m.logger.Errorf("Job %s finished with error: %v", id, out.Err)
		return
	}
	m.logger.Infof("Job %s finished: %d of %d booking(s) ok, archive %s",
		id, out.Report.TotalBookings-out.Report.FailedDownloads, out.Report.TotalBookings, out.ZipPath)
}

func (m *Manager) saveHistory(id string) {
	if m.history == nil {
		return
	}
	rec, ok := m.tracker.Read(id)
	if !ok || !rec.Done {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.history.Save(ctx, history.FromRecord(id, rec, time.Now())); err != nil {
		m.logger.Warnf("Job %s: saving history failed: %v", id, err)
	}
}

// Busy reports whether a job directory name belongs to a running job
func (m *Manager) Busy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.running {
		if scrapers.SanitizeID(id) == name {
			return true
		}
	}
	return false
}

// Progress returns the record of id, or a not-started record when unknown
func (m *Manager) Progress(ctx context.Context, id string) progress.Record {
	if rec, ok := m.tracker.Read(id); ok {
		return rec
	}
	if m.history != nil && id != "" {
		if e, err := m.history.Get(ctx, id); err == nil {
			return e.Record()
		}
	}
	return progress.Default(0)
}

// Result returns the completion state of id
func (m *Manager) Result(ctx context.Context, id string) Result {
	return ResultFromRecord(m.Progress(ctx, id))
}

// FetchArchive opens the archive called name inside the work directory.
// The caller closes the file.
func (m *Manager) FetchArchive(name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) ||
		name == "." || name == ".." || !strings.EqualFold(filepath.Ext(name), ".zip") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	root, err := filepath.Abs(m.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work dir: %w", err)
	}
	full := filepath.Join(root, name)
	if rel, err := filepath.Rel(root, full); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, nil
}

// Shutdown cancels running jobs and waits for them to record their state
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
