package updater

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"go.uber.org/zap"

	"github.com/invoice-scraper/logger"
)

// Release is the subset of *selfupdate.Release the updater relies on
type Release interface {
	Version() string
	LessOrEqual(other string) bool
}

// Source finds and installs releases
type Source interface {
	DetectLatest(ctx context.Context, slug string) (Release, bool, error)
	UpdateTo(ctx context.Context, rel Release, exePath string) error
}

type githubSource struct{}

func (githubSource) updater() (*selfupdate.Updater, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub source: %w", err)
	}
	u, err := selfupdate.NewUpdater(selfupdate.Config{Source: source})
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}
	return u, nil
}

func (g githubSource) DetectLatest(ctx context.Context, slug string) (Release, bool, error) {
	u, err := g.updater()
	if err != nil {
		return nil, false, err
	}
	rel, found, err := u.DetectLatest(ctx, selfupdate.ParseSlug(slug))
	if err != nil || !found {
		return nil, found, err
	}
	return rel, true, nil
}

func (g githubSource) UpdateTo(ctx context.Context, rel Release, exePath string) error {
	r, ok := rel.(*selfupdate.Release)
	if !ok {
		return fmt.Errorf("unexpected release type %T", rel)
	}
	u, err := g.updater()
	if err != nil {
		return err
	}
	return u.UpdateTo(ctx, r, exePath)
}

// Updater checks GitHub releases and replaces the running executable
type Updater struct {
	config *Config
	source Source
	logger *zap.SugaredLogger
}

func New(config *Config, log *zap.SugaredLogger) *Updater {
	return &Updater{config: config, source: githubSource{}, logger: logger.OrNop(log)}
}

// WithSource replaces the GitHub release source
func (u *Updater) WithSource(s Source) *Updater {
	u.source = s
	return u
}

// normalizeVersion prefixes a bare version with v for comparison
func normalizeVersion(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// CheckForUpdate reports whether a newer release exists
func (u *Updater) CheckForUpdate(ctx context.Context) (Release, bool, error) {
	u.logger.Infof("Checking for updates... (current: %s)", u.config.CurrentVersion)

	latest, found, err := u.source.DetectLatest(ctx, u.config.Slug())
	if err != nil {
		return nil, false, fmt.Errorf("failed to detect latest version: %w", err)
	}
	if !found {
		u.logger.Infof("No release found for %s/%s", runtime.GOOS, runtime.GOARCH)
		return nil, false, nil
	}

	if latest.LessOrEqual(normalizeVersion(u.config.CurrentVersion)) {
		u.logger.Infof("Current version (%s) is up to date", u.config.CurrentVersion)
		return latest, false, nil
	}

	u.logger.Infof("New version available: %s (current: %s)", latest.Version(), u.config.CurrentVersion)
	return latest, true, nil
}

// Update downloads rel and replaces the running executable
func (u *Updater) Update(ctx context.Context, rel Release) error {
	u.logger.Infof("Downloading update %s...", rel.Version())

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if err := u.source.UpdateTo(ctx, rel, exe); err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}

	u.logger.Infof("Successfully updated to version %s", rel.Version())
	return nil
}

// CheckAndUpdate applies a newer release if there is one
func (u *Updater) CheckAndUpdate(ctx context.Context) (bool, error) {
	rel, needsUpdate, err := u.CheckForUpdate(ctx)
	if err != nil || !needsUpdate {
		return false, err
	}
	if err := u.Update(ctx, rel); err != nil {
		return false, err
	}
	return true, nil
}

// StartPeriodicCheck calls onUpdateAvailable whenever a check finds a newer
// release, until ctx is cancelled
func (u *Updater) StartPeriodicCheck(ctx context.Context, onUpdateAvailable func()) {
	go func() {
		select {
		case <-time.After(u.config.StartupDelay):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(u.config.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rel, needsUpdate, err := u.CheckForUpdate(ctx)
				if err != nil {
					u.logger.Warnf("Update check error: %v", err)
					continue
				}
				if needsUpdate {
					u.logger.Infof("Update available: %s", rel.Version())
					if onUpdateAvailable != nil {
						onUpdateAvailable()
					}
				}
			case <-ctx.Done():
				u.logger.Info("Periodic update check stopped")
				return
			}
		}
	}()
}

// LatestVersion returns the newest released version, or the current one
// when no release is found
func (u *Updater) LatestVersion(ctx context.Context) (string, error) {
	rel, _, err := u.CheckForUpdate(ctx)
	if err != nil {
		return "", err
	}
	if rel == nil {
		return u.config.CurrentVersion, nil
	}
	return rel.Version(), nil
}
