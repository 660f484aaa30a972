package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidFormat = errors.New("invalid config format")
	ErrInvalidValue  = errors.New("invalid config value")
)

// Config is the full service configuration. Every section has defaults, so
// an absent config file yields a runnable setup.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Site      SiteConfig      `yaml:"site"`
	Auth      AuthConfig      `yaml:"auth"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Publish   PublishConfig   `yaml:"publish"`
	Log       LogConfig       `yaml:"log"`
	Update    UpdateConfig    `yaml:"update"`
}

type ServerConfig struct {
	HTTPAddr     string   `yaml:"http_addr"`
	GRPCPort     string   `yaml:"grpc_port"`
	AllowOrigins []string `yaml:"allow_origins"`
}

type BrowserConfig struct {
	Headless     bool   `yaml:"headless"`
	ChromePath   string `yaml:"chrome_path"`
	UserAgent    string `yaml:"user_agent"`
	WindowWidth  int    `yaml:"window_width"`
	WindowHeight int    `yaml:"window_height"`
}

// SiteConfig locates the pages of the hosting platform
type SiteConfig struct {
	BaseURL             string `yaml:"base_url"`
	LoginPath           string `yaml:"login_path"`
	CheckPath           string `yaml:"check_path"`
	ReservationPath     string `yaml:"reservation_path"` // %s is replaced by the booking identifier
	InvoiceLinkSelector string `yaml:"invoice_link_selector"`
}

type AuthConfig struct {
	SessionFile  string        `yaml:"session_file"`
	LoginTimeout time.Duration `yaml:"login_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RetrievalConfig struct {
	PageTimeout    time.Duration `yaml:"page_timeout"`
	LinkTimeout    time.Duration `yaml:"link_timeout"`
	TabTimeout     time.Duration `yaml:"tab_timeout"`
	Pacing         time.Duration `yaml:"pacing"`
	MaxRetries     int           `yaml:"max_retries"`
	PaperWidth     float64       `yaml:"paper_width"`
	PaperHeight    float64       `yaml:"paper_height"`
	PageRanges     string        `yaml:"page_ranges"`
	DiagnosticsDir string        `yaml:"diagnostics_dir"`
}

type StorageConfig struct {
	WorkDir          string        `yaml:"work_dir"`
	CleanupDelay     time.Duration `yaml:"cleanup_delay"`
	ArchiveRetention time.Duration `yaml:"archive_retention"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
	HistoryDB        string        `yaml:"history_db"`
}

// PublishConfig enables uploading finished archives to S3. Empty bucket
// disables publishing.
type PublishConfig struct {
	S3Bucket      string        `yaml:"s3_bucket"`
	S3Prefix      string        `yaml:"s3_prefix"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	Development bool   `yaml:"development"`
}

type UpdateConfig struct {
	AutoUpdate bool          `yaml:"auto_update"`
	Interval   time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCPort: "50051",
		},
		Browser: BrowserConfig{
			Headless:     true,
			WindowWidth:  1920,
			WindowHeight: 1080,
		},
		Site: SiteConfig{
			BaseURL:             "https://www.airbnb.com",
			LoginPath:           "/login",
			CheckPath:           "/hosting/reservations",
			ReservationPath:     "/hosting/reservations/all?confirmationCode=%s",
			InvoiceLinkSelector: `a[href*='/vat_invoices/']`,
		},
		Auth: AuthConfig{
			SessionFile:  "./session/cookies.json",
			LoginTimeout: 300 * time.Second,
			PollInterval: time.Second,
		},
		Retrieval: RetrievalConfig{
			PageTimeout: 20 * time.Second,
			LinkTimeout: 10 * time.Second,
			TabTimeout:  20 * time.Second,
			Pacing:      2 * time.Second,
			MaxRetries:  5,
			PaperWidth:  8.27,
			PaperHeight: 11.69,
			PageRanges:  "1",
		},
		Storage: StorageConfig{
			WorkDir:          "./invoice_downloads",
			CleanupDelay:     30 * time.Second,
			ArchiveRetention: 24 * time.Hour,
			SweepSchedule:    "@every 10m",
			HistoryDB:        "./data/history.db",
		},
		Publish: PublishConfig{
			PresignExpiry: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
			File:  "./logs/invoice-scraper.log",
		},
		Update: UpdateConfig{
			Interval: time.Hour,
		},
	}
}

// Load reads .env (if present), then the YAML file at path on top of the
// defaults, then INVOICE_* environment overrides. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFormat, path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := mergeEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating the parent directory
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config serialization failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Storage.WorkDir == "" {
		return fmt.Errorf("%w: storage.work_dir is required", ErrInvalidValue)
	}
	if c.Auth.SessionFile == "" {
		return fmt.Errorf("%w: auth.session_file is required", ErrInvalidValue)
	}
	if c.Retrieval.MaxRetries < 0 {
		return fmt.Errorf("%w: retrieval.max_retries must be >= 0", ErrInvalidValue)
	}
	if c.Auth.LoginTimeout <= 0 {
		return fmt.Errorf("%w: auth.login_timeout must be positive", ErrInvalidValue)
	}
	if !strings.Contains(c.Site.ReservationPath, "%s") {
		return fmt.Errorf("%w: site.reservation_path must contain %%s", ErrInvalidValue)
	}
	return nil
}

// URL joins a site path onto the base URL
func (s SiteConfig) URL(path string) string {
	return strings.TrimRight(s.BaseURL, "/") + path
}

// ReservationURL returns the reservation page for one booking. The
// identifier is escaped for the URL part the placeholder sits in.
func (s SiteConfig) ReservationURL(bookingID string) string {
	escaped := url.PathEscape(bookingID)
	if q := strings.Index(s.ReservationPath, "?"); q >= 0 && q < strings.Index(s.ReservationPath, "%s") {
		escaped = url.QueryEscape(bookingID)
	}
	return s.URL(fmt.Sprintf(s.ReservationPath, escaped))
}

func mergeEnv(cfg *Config) error {
	strs := map[string]*string{
		"INVOICE_HTTP_ADDR":       &cfg.Server.HTTPAddr,
		"INVOICE_GRPC_PORT":       &cfg.Server.GRPCPort,
		"INVOICE_CHROME_PATH":     &cfg.Browser.ChromePath,
		"INVOICE_BASE_URL":        &cfg.Site.BaseURL,
		"INVOICE_SESSION_FILE":    &cfg.Auth.SessionFile,
		"INVOICE_WORK_DIR":        &cfg.Storage.WorkDir,
		"INVOICE_HISTORY_DB":      &cfg.Storage.HistoryDB,
		"INVOICE_S3_BUCKET":       &cfg.Publish.S3Bucket,
		"INVOICE_S3_PREFIX":       &cfg.Publish.S3Prefix,
		"INVOICE_LOG_LEVEL":       &cfg.Log.Level,
		"INVOICE_LOG_FILE":        &cfg.Log.File,
		"INVOICE_DIAGNOSTICS_DIR": &cfg.Retrieval.DiagnosticsDir,
	}
	for key, ptr := range strs {
		if v := os.Getenv(key); v != "" {
			*ptr = v
		}
	}

	durations := map[string]*time.Duration{
		"INVOICE_LOGIN_TIMEOUT": &cfg.Auth.LoginTimeout,
		"INVOICE_CLEANUP_DELAY": &cfg.Storage.CleanupDelay,
	}
	for key, ptr := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, v, err)
			}
			*ptr = d
		}
	}

	if v := os.Getenv("INVOICE_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: INVOICE_HEADLESS=%q", ErrInvalidValue, v)
		}
		cfg.Browser.Headless = b
	}
	if v := os.Getenv("INVOICE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: INVOICE_MAX_RETRIES=%q", ErrInvalidValue, v)
		}
		cfg.Retrieval.MaxRetries = n
	}
	return nil
}
