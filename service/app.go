package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/invoice-scraper/archive"
	"github.com/invoice-scraper/auth"
	"github.com/invoice-scraper/browser"
	"github.com/invoice-scraper/config"
	"github.com/invoice-scraper/history"
	"github.com/invoice-scraper/httpapi"
	"github.com/invoice-scraper/jobs"
	"github.com/invoice-scraper/progress"
	"github.com/invoice-scraper/scrapers"
	"github.com/invoice-scraper/server"
	"github.com/invoice-scraper/session"
)

// App is the assembled scraper: browser, authenticator, retriever, job
// manager and the stores behind them
type App struct {
	Config       *config.Config
	Logger       *zap.SugaredLogger
	Store        *session.Store
	Auth         *auth.Authenticator
	Orchestrator *jobs.Orchestrator
	Manager      *jobs.Manager
	Janitor      *archive.Janitor
	History      *history.SQLiteStore
	Version      string
}

// NewApp wires every component from cfg. Close releases what it opened.
func NewApp(ctx context.Context, cfg *config.Config, version string, log *zap.SugaredLogger) (*App, error) {
	if err := os.MkdirAll(cfg.Storage.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	a := &App{Config: cfg, Logger: log, Version: version}

	launcher := browser.NewChromeLauncher(browser.ChromeOptions{
		ExecPath:     cfg.Browser.ChromePath,
		UserAgent:    cfg.Browser.UserAgent,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
		Visible:      !cfg.Browser.Headless,
	}, log)

	a.Store = session.NewStore(cfg.Auth.SessionFile)
	a.Auth = auth.New(launcher, a.Store, auth.Config{
		CheckURL:     cfg.Site.URL(cfg.Site.CheckPath),
		LoginURL:     cfg.Site.URL(cfg.Site.LoginPath),
		LoginTimeout: cfg.Auth.LoginTimeout,
		PollInterval: cfg.Auth.PollInterval,
		CheckTimeout: cfg.Retrieval.PageTimeout,
	}, log)

	retriever := scrapers.NewInvoiceRetriever(scrapers.Config{
		ReservationURL: cfg.Site.ReservationURL,
		LinkSelector:   cfg.Site.InvoiceLinkSelector,
		PageTimeout:    cfg.Retrieval.PageTimeout,
		LinkTimeout:    cfg.Retrieval.LinkTimeout,
		TabTimeout:     cfg.Retrieval.TabTimeout,
		Pacing:         cfg.Retrieval.Pacing,
		PDF: browser.PDFOptions{
			PrintBackground: true,
			PaperWidth:      cfg.Retrieval.PaperWidth,
			PaperHeight:     cfg.Retrieval.PaperHeight,
			PageRanges:      cfg.Retrieval.PageRanges,
		},
		DiagnosticsDir: cfg.Retrieval.DiagnosticsDir,
	}, log)

	a.Janitor = archive.NewJanitor(cfg.Storage.WorkDir, cfg.Storage.CleanupDelay, cfg.Storage.ArchiveRetention, log)

	a.Orchestrator = jobs.NewOrchestrator(a.Auth, retriever, jobs.Options{
		WorkDir:      cfg.Storage.WorkDir,
		MaxRetries:   cfg.Retrieval.MaxRetries,
		Pacing:       cfg.Retrieval.Pacing,
		CleanupDelay: cfg.Storage.CleanupDelay,
	}, log).WithCleaner(a.Janitor)

	if cfg.Publish.S3Bucket != "" {
		pub, err := archive.NewS3Publisher(ctx, cfg.Publish.S3Bucket, cfg.Publish.S3Prefix, cfg.Publish.PresignExpiry, log)
		if err != nil {
			return nil, err
		}
		a.Orchestrator.WithPublisher(pub)
		log.Infof("Publishing archives to s3://%s/%s", cfg.Publish.S3Bucket, cfg.Publish.S3Prefix)
	}

	var hist jobs.HistoryStore
	if cfg.Storage.HistoryDB != "" {
		store, err := history.NewSQLiteStore(cfg.Storage.HistoryDB)
		if err != nil {
			return nil, err
		}
		a.History = store
		hist = store
		a.Janitor.AfterSweep = a.pruneHistory
	}

	a.Manager = jobs.NewManager(progress.NewTracker(), a.Orchestrator, hist, cfg.Storage.WorkDir, log)
	a.Janitor.Busy = a.Manager.Busy
	return a, nil
}

func (a *App) pruneHistory(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := a.History.DeleteBefore(ctx, now.Add(-a.Config.Storage.ArchiveRetention))
	if err != nil {
		a.Logger.Warnf("Failed to prune job history: %v", err)
		return
	}
	if n > 0 {
		a.Logger.Infof("Pruned %d job history record(s)", n)
	}
}

// Serve runs the gRPC and HTTP front ends and the sweep schedule until ctx
// is cancelled or one of them fails
func (a *App) Serve(ctx context.Context) error {
	if err := a.Janitor.Start(a.Config.Storage.SweepSchedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", a.Config.Storage.SweepSchedule, err)
	}
	defer a.Janitor.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if port := a.Config.Server.GRPCPort; port != "" {
		impl := server.NewGRPCServer(server.FromManager(a.Manager), a.Logger)
		impl.Version = a.Version
		g.Go(func() error {
			return server.RunGRPCServer(ctx, port, impl)
		})
	}

	if addr := a.Config.Server.HTTPAddr; addr != "" {
		api := httpapi.New(a.Manager, httpapi.Options{
			AllowOrigins: a.Config.Server.AllowOrigins,
			Version:      a.Version,
		}, a.Logger)
		g.Go(func() error {
			return api.Run(ctx, addr)
		})
	}

	a.Logger.Infof("Work dir: %s", a.Config.Storage.WorkDir)
	a.Logger.Infof("Headless mode: %v", a.Config.Browser.Headless)
	a.Logger.Infof("Version: %s", a.Version)
	return g.Wait()
}

// Close stops running jobs and releases the stores
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Manager != nil {
		if err := a.Manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("jobs did not stop: %w", err))
		}
	}
	if a.Janitor != nil {
		a.Janitor.Stop()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
