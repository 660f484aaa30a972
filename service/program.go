package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"

	"github.com/invoice-scraper/config"
	"github.com/invoice-scraper/logger"
	"github.com/invoice-scraper/updater"
)

const stopTimeout = 30 * time.Second

// Program implements service.Interface and also runs in the foreground
type Program struct {
	Config  *config.Config
	Logger  *zap.SugaredLogger
	Version string

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	updater *updater.Updater
}

// Start is called when the service starts
func (p *Program) Start(s service.Service) error {
	if svcLogger, err := s.Logger(nil); err == nil {
		svcLogger.Info("Service starting...")
	}
	p.Logger = logger.OrNop(p.Logger)
	p.Logger.Infof("Service Start() called, version %s", p.Version)

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.Run(p.ctx); err != nil {
			p.Logger.Errorf("Service stopped with error: %v", err)
		}
	}()
	return nil
}

// Stop is called when the service stops
func (p *Program) Stop(s service.Service) error {
	p.Logger.Info("Service stopping...")
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		select {
		case <-p.done:
		case <-time.After(stopTimeout):
			p.Logger.Warnf("Service did not stop within %s", stopTimeout)
		}
	}
	p.Logger.Info("Service stopped")
	_ = p.Logger.Sync()
	return nil
}

// Run serves until ctx is cancelled. Panics are logged and returned as
// errors so the service process stays up for the SCM.
func (p *Program) Run(ctx context.Context) (err error) {
	p.Logger = logger.OrNop(p.Logger)
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Errorf("run() panic recovered: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	app, err := NewApp(ctx, p.Config, p.Version, p.Logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			p.Logger.Warnf("Shutdown: %v", cerr)
		}
	}()

	if p.Config.Update.AutoUpdate {
		p.startAutoUpdate(ctx)
	}
	return app.Serve(ctx)
}

// startAutoUpdate checks once at startup and then periodically, restarting
// after an update is applied
func (p *Program) startAutoUpdate(ctx context.Context) {
	cfg := updater.DefaultConfig(p.Version)
	if p.Config.Update.Interval > 0 {
		cfg.CheckInterval = p.Config.Update.Interval
	}
	p.updater = updater.New(cfg, p.Logger)

	apply := func() {
		defer func() {
			if r := recover(); r != nil {
				p.Logger.Errorf("Auto-update panic recovered: %v", r)
			}
		}()
		updated, err := p.updater.CheckAndUpdate(ctx)
		if err != nil {
			p.Logger.Warnf("Update check failed: %v", err)
			return
		}
		if !updated {
			return
		}
		p.Logger.Info("Update applied, restarting...")
		p.restart()
	}

	go apply()
	p.updater.StartPeriodicCheck(ctx, apply)
}

func (p *Program) restart() {
	var err error
	if service.Interactive() {
		err = updater.RestartSelf(p.Logger)
	} else {
		err = updater.RestartService(ServiceName, p.Logger)
	}
	if err != nil {
		p.Logger.Errorf("Failed to restart: %v", err)
	}
}

// ResolvePaths makes the relative paths in cfg relative to base. A service
// starts in the system directory, so its paths are anchored at the
// executable instead.
func ResolvePaths(cfg *config.Config, base string) {
	for _, p := range []*string{
		&cfg.Storage.WorkDir,
		&cfg.Storage.HistoryDB,
		&cfg.Auth.SessionFile,
		&cfg.Log.File,
		&cfg.Retrieval.DiagnosticsDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// ExecutableDir is the directory holding the running binary
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return filepath.Dir(exe), nil
}
