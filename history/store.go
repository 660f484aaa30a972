package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/invoice-scraper/progress"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var ErrNotFound = errors.New("job result not found")

// fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is the stored outcome of one finished job
type Entry struct {
	ClientID    string
	Total       int
	ZipPath     string
	DownloadURL string
	Report      *progress.Report
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// FromRecord builds an entry from a finished progress record
func FromRecord(clientID string, r progress.Record, finished time.Time) Entry {
	return Entry{
		ClientID:    clientID,
		Total:       r.Total,
		ZipPath:     r.ZipPath,
		DownloadURL: r.DownloadURL,
		Report:      r.Clone().Report,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		FinishedAt:  finished,
	}
}

// Record rebuilds the done progress record the entry was made from
func (e Entry) Record() progress.Record {
	r := progress.Record{
		Total:         e.Total,
		Current:       e.Total,
		Stage:         progress.StageFinalizing,
		StageProgress: 100,
		Status:        "Complete",
		Done:          true,
		Error:         e.Error,
		ZipPath:       e.ZipPath,
		DownloadURL:   e.DownloadURL,
		Report:        e.Report,
		StartedAt:     e.StartedAt,
		UpdatedAt:     e.FinishedAt,
	}
	if e.Error != "" {
		r.Status = "Failed"
	}
	return r
}

// SQLiteStore keeps job results across restarts
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		version := migrationVersion(entry.Name())
		if entry.IsDir() || version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer of a migration file name
func migrationVersion(name string) int {
	end := strings.IndexFunc(name, func(r rune) bool { return r < '0' || r > '9' })
	if end == 0 {
		return 0
	}
	if end < 0 {
		end = len(name)
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

// Save inserts or replaces the entry for e.ClientID
func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	reportJSON := ""
	if e.Report != nil {
		raw, err := json.Marshal(e.Report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		reportJSON = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_results (client_id, total, zip_path, download_url, report_json, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			total = excluded.total,
			zip_path = excluded.zip_path,
			download_url = excluded.download_url,
			report_json = excluded.report_json,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		e.ClientID, e.Total, e.ZipPath, e.DownloadURL, reportJSON, e.Error,
		formatTime(e.StartedAt), formatTime(e.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save job result %s: %w", e.ClientID, err)
	}
	return nil
}

// Get returns the entry for clientID or ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, clientID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, total, zip_path, download_url, report_json, error, started_at, finished_at
		FROM job_results WHERE client_id = ?`, clientID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Recent returns up to limit entries, newest first
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, total, zip_path, download_url, report_json, error, started_at, finished_at
		FROM job_results ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent results: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteBefore removes entries finished before cutoff
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_results WHERE finished_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old results: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                   Entry
		reportJSON          string
		startedAt, finished string
	)
	if err := sc.Scan(&e.ClientID, &e.Total, &e.ZipPath, &e.DownloadURL, &reportJSON, &e.Error, &startedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan job result: %w", err)
	}
	if reportJSON != "" {
		var rep progress.Report
		if err := json.Unmarshal([]byte(reportJSON), &rep); err != nil {
			return Entry{}, fmt.Errorf("decode report for %s: %w", e.ClientID, err)
		}
		e.Report = &rep
	}
	e.StartedAt = parseTime(startedAt)
	e.FinishedAt = parseTime(finished)
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
