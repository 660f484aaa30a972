package archive

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/invoice-scraper/logger"
)

// Janitor removes job output after the client had time to download it
type Janitor struct {
	workDir   string
	grace     time.Duration
	retention time.Duration
	logger    *zap.SugaredLogger

	// Busy reports whether a job directory belongs to a running job; Sweep
	// leaves those alone.
	Busy func(name string) bool
	// AfterSweep runs at the end of every Sweep
	AfterSweep func(now time.Time)

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	cron   *cron.Cron
	now    func() time.Time
}

// SweepStats counts what a Sweep removed
type SweepStats struct {
	Files    int
	Archives int
	Dirs     int
}

func NewJanitor(workDir string, grace, retention time.Duration, log *zap.SugaredLogger) *Janitor {
	return &Janitor{
		workDir:   workDir,
		grace:     grace,
		retention: retention,
		logger:    logger.OrNop(log),
		timers:    make(map[*time.Timer]struct{}),
		now:       time.Now,
	}
}

// Schedule deletes paths (PDFs inside dir) at the given time, then dir if
// it is left empty.
func (j *Janitor) Schedule(paths []string, dir string, at time.Time) {
	paths = append([]string(nil), paths...)
	delay := at.Sub(j.now())
	if delay < 0 {
		delay = 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		j.mu.Lock()
		delete(j.timers, t)
		j.mu.Unlock()
		j.Cleanup(paths, dir)
	})
	j.timers[t] = struct{}{}
	j.logger.Infof("Cleanup of %d file(s) in %s scheduled for %s", len(paths), dir, at.Format(time.RFC3339))
}

// Pending returns the number of scheduled cleanups that have not fired
func (j *Janitor) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.timers)
}

// Cleanup deletes the listed PDFs that live inside dir and removes dir when
// empty. Archives are never touched. Errors are logged.
func (j *Janitor) Cleanup(paths []string, dir string) {
	removed := 0
	for _, p := range paths {
		if !strings.EqualFold(filepath.Ext(p), ".pdf") || !within(dir, p) {
			j.logger.Warnf("Cleanup skipping %s", p)
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			j.logger.Errorf("Failed to remove %s: %v", p, err)
			continue
		}
		removed++
	}

	if err := os.Remove(dir); err == nil {
		j.logger.Infof("Removed directory %s", dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		j.logger.Debugf("Keeping directory %s: %v", dir, err)
	}
	j.logger.Infof("Cleanup removed %d file(s) from %s", removed, dir)
}

// Sweep removes leftovers of earlier runs: job files older than the grace
// period, archives older than the retention period and empty job
// directories.
func (j *Janitor) Sweep(now time.Time) SweepStats {
	var stats SweepStats

	entries, err := os.ReadDir(j.workDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			j.logger.Errorf("Sweep failed to read %s: %v", j.workDir, err)
		}
		if j.AfterSweep != nil {
			j.AfterSweep(now)
		}
		return stats
	}

	for _, e := range entries {
		path := filepath.Join(j.workDir, e.Name())
		if e.IsDir() {
			if j.Busy != nil && j.Busy(e.Name()) {
				continue
			}
			stats.Files += j.sweepDir(path, now)
			if err := os.Remove(path); err == nil {
				stats.Dirs++
			}
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".zip") && j.expired(e, now, j.retention) {
			if err := os.Remove(path); err != nil {
				j.logger.Errorf("Failed to remove archive %s: %v", path, err)
				continue
			}
			stats.Archives++
		}
	}

	if stats != (SweepStats{}) {
		j.logger.Infof("Sweep removed %d file(s), %d archive(s), %d dir(s)", stats.Files, stats.Archives, stats.Dirs)
	}
	if j.AfterSweep != nil {
		j.AfterSweep(now)
	}
	return stats
}

func (j *Janitor) sweepDir(dir string, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		j.logger.Errorf("Sweep failed to read %s: %v", dir, err)
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !j.expired(e, now, j.grace) {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pdf", ".png":
		default:
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			j.logger.Errorf("Failed to remove %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed
}

func (j *Janitor) expired(e os.DirEntry, now time.Time, age time.Duration) bool {
	info, err := e.Info()
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > age
}

// Start sweeps once and then on schedule (robfig/cron syntax)
func (j *Janitor) Start(schedule string) error {
	j.Sweep(j.now())
	if schedule == "" {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() { j.Sweep(time.Now()) }); err != nil {
		return err
	}
	c.Start()

	j.mu.Lock()
	j.cron = c
	j.mu.Unlock()
	return nil
}

// Stop halts the sweep schedule and drops pending cleanups; the next
// startup sweep picks up their files.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		j.cron.Stop()
		j.cron = nil
	}
	for t := range j.timers {
		t.Stop()
		delete(j.timers, t)
	}
}

func within(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
