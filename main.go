package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/invoice-scraper/config"
	"github.com/invoice-scraper/logger"
	svc "github.com/invoice-scraper/service"
)

// Version is set at build time
var Version = "1.0.0"

// global flags
var (
	configPath string
	logLevel   string
	headless   bool
	workDir    string
	grpcPort   string
	httpAddr   string
)

var rootCmd = &cobra.Command{
	Use:   "invoice-scraper",
	Short: "Download hosting invoices as PDF and bundle them into zip archives",
	Long: `invoice-scraper logs into the hosting site once (reusing a saved session,
or opening a browser window for manual login with MFA), prints every invoice
of the given bookings to PDF and packs them into one zip archive.

Examples:
  invoice-scraper login
  invoice-scraper run HMABC123 HMDEF456
  invoice-scraper serve --port 50051 --http :8080
  invoice-scraper service install --config /etc/invoice-scraper.yaml`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&headless, "headless", true, "Run work browsers headless (login always opens a window)")
	pf.StringVar(&workDir, "download", "", "Work directory for PDFs and archives")
	pf.StringVar(&grpcPort, "port", "", "gRPC server port")
	pf.StringVar(&httpAddr, "http", "", "HTTP listen address")

	rootCmd.AddCommand(serveCmd, runCmd, loginCmd, statusCmd, cleanupCmd, serviceCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags the user set.
// Under a service manager relative paths are taken from the executable's
// directory.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	var base string
	if !service.Interactive() {
		dir, err := svc.ExecutableDir()
		if err != nil {
			return nil, err
		}
		base = dir
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("headless") {
		cfg.Browser.Headless = headless
	}
	if flags.Changed("download") {
		cfg.Storage.WorkDir = workDir
	}
	if flags.Changed("port") {
		cfg.Server.GRPCPort = grpcPort
	}
	if flags.Changed("http") {
		cfg.Server.HTTPAddr = httpAddr
	}

	if base != "" {
		svc.ResolvePaths(cfg, base)
	}
	return cfg, nil
}

// newLogger builds the sugared process logger; the returned func flushes it
func newLogger(cfg *config.Config, noConsole bool) (*zap.SugaredLogger, func(), error) {
	l, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		Development: cfg.Log.Development,
		NoConsole:   noConsole,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	sugar := l.Sugar()
	return sugar, func() { _ = sugar.Sync() }, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "invoice-scraper version %s\n", Version)
	},
}
