package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/invoice-scraper/archive"
	"github.com/invoice-scraper/jobs"
	"github.com/invoice-scraper/progress"
	"github.com/invoice-scraper/progressui"
	"github.com/invoice-scraper/scrapers"
	"github.com/invoice-scraper/server"
	svc "github.com/invoice-scraper/service"
)

const shutdownTimeout = 30 * time.Second

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, flush, err := newLogger(cfg, false)
		if err != nil {
			return err
		}
		defer flush()

		ctx, stop := signalContext()
		defer stop()

		prg := &svc.Program{Config: cfg, Logger: log, Version: Version}
		return prg.Run(ctx)
	},
}

var (
	runIDs      string
	runClientID string
	runNoUI     bool
)

var runCmd = &cobra.Command{
	Use:   "run [booking-id...]",
	Short: "Download the invoices of the given bookings and archive them",
	Long: `Runs one batch in the foreground. Booking identifiers are taken from the
arguments and from --ids (comma separated). Empty entries are ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := append(jobs.NormalizeIDs(args), jobs.SplitIDs(runIDs)...)
		if len(ids) == 0 {
			return errors.New("no booking identifiers given")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ui := !runNoUI && isTerminal(os.Stdout)
		log, flush, err := newLogger(cfg, ui)
		if err != nil {
			return err
		}
		defer flush()

		ctx, stop := signalContext()
		defer stop()

		app, err := svc.NewApp(ctx, cfg, Version, log)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.Close(closeCtx); err != nil {
				log.Warnf("Shutdown: %v", err)
			}
		}()

		id := strings.TrimSpace(runClientID)
		if id == "" {
			id = "cli"
		}
		tracker := app.Manager.Tracker()
		updates, unsubscribe := tracker.Subscribe(id)
		defer unsubscribe()

		app.Manager.Start(id, ids)

		var rec progress.Record
		if ui {
			first, _ := tracker.Read(id)
			rec, err = progressui.Run(ctx, "Downloading invoices", first, updates)
			if errors.Is(err, progressui.ErrInterrupted) {
				stop()
				return err
			}
		} else {
			rec, err = waitRecord(ctx, tracker, id, updates)
		}
		if err != nil {
			return err
		}
		// the view may have stopped on a stale snapshot
		rec = app.Manager.Progress(ctx, id)
		return printOutcome(cmd.OutOrStdout(), rec)
	},
}

func init() {
	runCmd.Flags().StringVar(&runIDs, "ids", "", "Comma separated booking identifiers")
	runCmd.Flags().StringVar(&runClientID, "client-id", "cli", "Client id the batch runs under")
	runCmd.Flags().BoolVar(&runNoUI, "no-ui", false, "Log progress lines instead of the progress bar")
}

// waitRecord logs snapshots until the job is done
func waitRecord(ctx context.Context, tracker *progress.Tracker, id string, updates <-chan progress.Record) (progress.Record, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		rec, _ := tracker.Read(id)
		if rec.Done {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case r, ok := <-updates:
			if ok && !r.Done {
				fmt.Printf("[%3d%%] %s\n", r.StageProgress, r.Status)
			}
		case <-ticker.C:
		}
	}
}

func printOutcome(w io.Writer, rec progress.Record) error {
	if rec.Error != "" {
		return fmt.Errorf("batch failed: %s", rec.Error)
	}
	if rec.Report == nil {
		return errors.New("batch finished without a report")
	}
	r := rec.Report
	fmt.Fprintf(w, "Bookings:   %d\n", r.TotalBookings)
	fmt.Fprintf(w, "Invoices:   %d\n", r.SuccessfulDownloads)
	fmt.Fprintf(w, "Failed:     %d\n", r.FailedDownloads)
	if len(r.FailedBookingNumbers) > 0 {
		fmt.Fprintf(w, "Failed ids: %s\n", strings.Join(r.FailedBookingNumbers, ", "))
	}
	fmt.Fprintf(w, "Archive:    %s\n", rec.ZipPath)
	if rec.DownloadURL != "" {
		fmt.Fprintf(w, "Download:   %s\n", rec.DownloadURL)
	}
	return nil
}

// isTerminal reports whether f is a character device
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

var loginReset bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check the saved session, logging in through a browser window if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, flush, err := newLogger(cfg, false)
		if err != nil {
			return err
		}
		defer flush()

		ctx, stop := signalContext()
		defer stop()

		app, err := svc.NewApp(ctx, cfg, Version, log)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		if loginReset {
			if err := app.Store.Clear(); err != nil {
				return err
			}
			log.Infof("Removed saved session %s", app.Store.Path())
		}

		authed, err := app.Auth.Ensure(ctx, nil)
		if err != nil {
			return err
		}
		defer authed.Session.Close()

		switch {
		case authed.Interactive && authed.Skipped > 0:
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in; %d credential(s) could not be reused headless\n", authed.Skipped)
		case authed.Interactive:
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in; session saved to", app.Store.Path())
		default:
			fmt.Fprintln(cmd.OutOrStdout(), "Saved session is valid")
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginReset, "reset", false, "Forget the saved session first")
}

var (
	statusAddr     string
	statusClientID string
	statusFetch    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running server over gRPC",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c, err := server.Dial(statusAddr)
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		version, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Fprintf(out, "Server %s healthy, version %s\n", statusAddr, version)

		if statusClientID != "" {
			rec, err := c.Progress(ctx, statusClientID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Job %s: %s (%d%%, %d/%d)\n", statusClientID, rec.Status, rec.StageProgress, rec.Current, rec.Total)
			if rec.Done {
				res, err := c.Result(ctx, statusClientID)
				if err != nil {
					return err
				}
				if res.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", res.Error)
				} else if res.ZipPath != "" {
					fmt.Fprintf(out, "Archive: %s\n", res.ZipPath)
				}
			}
		}

		if statusFetch != "" {
			if statusClientID == "" {
				return errors.New("--fetch needs --client-id")
			}
			f, err := os.Create(statusFetch)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := c.FetchArchive(ctx, archive.Name(scrapers.SanitizeID(statusClientID)), f)
			if err != nil {
				return fmt.Errorf("fetch failed: %w", err)
			}
			fmt.Fprintf(out, "Saved %d bytes to %s\n", n, statusFetch)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "localhost:50051", "gRPC server address")
	statusCmd.Flags().StringVar(&statusClientID, "client-id", "", "Show the job of this client")
	statusCmd.Flags().StringVar(&statusFetch, "fetch", "", "Save the client's archive to this file")
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired PDFs, archives and job directories now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, flush, err := newLogger(cfg, false)
		if err != nil {
			return err
		}
		defer flush()

		j := archive.NewJanitor(cfg.Storage.WorkDir, cfg.Storage.CleanupDelay, cfg.Storage.ArchiveRetention, log)
		stats := j.Sweep(time.Now())
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d file(s), %d archive(s), %d dir(s)\n", stats.Files, stats.Archives, stats.Dirs)
		return nil
	},
}

var serviceCmd = &cobra.Command{
	Use:       "service <install|uninstall|start|stop|restart|status|run>",
	Short:     "Manage the OS service",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: svc.Commands,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, flush, err := newLogger(cfg, false)
		if err != nil {
			return err
		}
		defer flush()

		prg := &svc.Program{Config: cfg, Logger: log, Version: Version}
		return svc.RunServiceCommand(args[0], prg, configPath, log)
	},
}
