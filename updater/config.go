package updater

import "time"

const (
	RepoOwner = "invoice-scraper"
	RepoName  = "invoice-scraper"

	DefaultCheckInterval = 1 * time.Hour

	// StartupDelay lets the service settle before the first periodic check
	StartupDelay = 30 * time.Second
)

// Config holds the updater configuration
type Config struct {
	Owner          string
	Repo           string
	CheckInterval  time.Duration
	StartupDelay   time.Duration
	CurrentVersion string
}

func DefaultConfig(version string) *Config {
	return &Config{
		Owner:          RepoOwner,
		Repo:           RepoName,
		CheckInterval:  DefaultCheckInterval,
		StartupDelay:   StartupDelay,
		CurrentVersion: version,
	}
}

// Slug is the owner/repo form used by the release source
func (c *Config) Slug() string {
	return c.Owner + "/" + c.Repo
}
