package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/invoice-scraper/archive"
	"github.com/invoice-scraper/auth"
	"github.com/invoice-scraper/browser"
	"github.com/invoice-scraper/logger"
	"github.com/invoice-scraper/progress"
	"github.com/invoice-scraper/scrapers"
)

// Report summarises a finished batch
type Report = progress.Report

// Authenticator yields a logged-in browser session
type Authenticator interface {
	Ensure(ctx context.Context, rep progress.Reporter) (*auth.Authenticated, error)
}

// Publisher makes a finished archive downloadable elsewhere
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Cleaner deletes job files some time after the job finished
type Cleaner interface {
	Schedule(paths []string, dir string, at time.Time)
}

// Options tunes the batch loop
type Options struct {
	WorkDir      string
	MaxRetries   int
	Pacing       time.Duration // between bookings
	CleanupDelay time.Duration
}

// Outcome is what one batch produced
type Outcome struct {
	ZipPath     string
	DownloadURL string
	Report      Report
	Files       []string
	Err         error
}

// Orchestrator runs one batch: authenticate once, retrieve every booking
// with retries, archive the successes and schedule cleanup.
type Orchestrator struct {
	auth      Authenticator
	source    scrapers.Source
	publisher Publisher
	cleaner   Cleaner
	opts      Options
	logger    *zap.SugaredLogger

	archive func(paths []string, dir, name string) (string, error)
	now     func() time.Time
}

func NewOrchestrator(a Authenticator, source scrapers.Source, opts Options, log *zap.SugaredLogger) *Orchestrator {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Orchestrator{
		auth:    a,
		source:  source,
		opts:    opts,
		logger:  logger.OrNop(log),
		archive: archive.Archive,
		now:     time.Now,
	}
}

// WithPublisher enables publishing finished archives
func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithCleaner enables deferred cleanup of job files
func (o *Orchestrator) WithCleaner(c Cleaner) *Orchestrator {
	o.cleaner = c
	return o
}

// JobDir is where the PDFs of a job are written
func (o *Orchestrator) JobDir(jobID string) string {
	return filepath.Join(o.opts.WorkDir, scrapers.SanitizeID(jobID))
}

// Run processes ids in order and leaves the job's record done, with either
// an archive and report or an error.
func (o *Orchestrator) Run(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome {
	ids = NormalizeIDs(ids)
	failed := make([]string, 0)
	report := func(archived int) Report {
		return Report{
			TotalBookings:        len(ids),
			SuccessfulDownloads:  archived,
			FailedDownloads:      len(failed),
			FailedBookingNumbers: failed,
		}
	}

	o.logger.Infof("Job %s: starting batch of %d booking(s)", jobID, len(ids))

	authed, err := o.auth.Ensure(ctx, h)
	if err != nil {
		failed = append(failed, ids...)
		o.logger.Errorf("Job %s: authentication failed: %v", jobID, err)
		h.Fail(err)
		return Outcome{Report: report(0), Err: err}
	}
	sess := authed.Session
	defer sess.Close()

	h.Stage(progress.StageDownloading, "Downloading invoices...")

	dir := o.JobDir(jobID)
	var archived, written []string

	for i, id := range ids {
		if ctx.Err() != nil {
			failed = append(failed, ids[i:]...)
			break
		}
		o.logger.Infof("Job %s: booking %s (%d of %d)", jobID, id, i+1, len(ids))

		res, files := o.retrieve(ctx, sess, id, dir)
		written = append(written, files...)
		if res.Success {
			archived = append(archived, res.Files...)
		} else {
			failed = append(failed, id)
		}
		h.Item(fmt.Sprintf("Processed %d of %d bookings", i+1, len(ids)))

		if i < len(ids)-1 {
			if err := sleepCtx(ctx, o.opts.Pacing); err != nil {
				failed = append(failed, ids[i+1:]...)
				break
			}
		}
	}

	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("job cancelled: %w", err)
		o.logger.Warnf("Job %s: %v", jobID, err)
		h.Fail(err)
		return Outcome{Report: report(len(archived)), Files: written, Err: err}
	}

	h.Stage(progress.StageFinalizing, "Creating archive...")

	zipPath, err := o.archive(archived, o.opts.WorkDir, archive.Name(scrapers.SanitizeID(jobID)))
	if err != nil {
		err = fmt.Errorf("failed to create archive: %w", err)
		o.logger.Errorf("Job %s: %v", jobID, err)
		h.Fail(err)
		return Outcome{Report: report(len(archived)), Files: written, Err: err}
	}

	var url string
	if o.publisher != nil {
		if url, err = o.publisher.Publish(ctx, zipPath); err != nil {
			o.logger.Warnf("Job %s: publishing archive failed: %v", jobID, err)
			url = ""
		}
	}

	rep := report(len(archived))
	h.Finish(zipPath, url, rep)

	if len(failed) > 0 {
		o.logger.Infof("Job %s: failed bookings: %s", jobID, strings.Join(failed, ", "))
	} else {
		o.logger.Infof("Job %s: all invoices downloaded successfully", jobID)
	}

	if o.cleaner != nil {
		o.cleaner.Schedule(written, dir, o.now().Add(o.opts.CleanupDelay))
	}

	return Outcome{ZipPath: zipPath, DownloadURL: url, Report: rep, Files: written}
}

// retrieve tries a booking up to 1+MaxRetries times. It returns the last
// attempt's result and every file any attempt wrote.
func (o *Orchestrator) retrieve(ctx context.Context, sess browser.Session, id, dir string) (scrapers.Result, []string) {
	var (
		res   scrapers.Result
		files []string
		seen  = map[string]bool{}
	)
	attempts := 1 + o.opts.MaxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		res = o.source.Retrieve(ctx, sess, id, dir)
		for _, f := range res.Files {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
		if res.Success {
			return res, files
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			o.logger.Infof("Retrying booking %s (attempt %d of %d)", id, attempt+1, attempts)
		}
	}
	o.logger.Errorf("Failed to download invoices for booking %s after %d attempts", id, attempts)
	return res, files
}

// NormalizeIDs trims identifiers and drops empty ones. Order and duplicates
// are kept.
func NormalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// SplitIDs parses a comma separated list of identifiers
func SplitIDs(s string) []string {
	return NormalizeIDs(strings.Split(s, ","))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
