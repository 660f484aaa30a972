package jobs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoice-scraper/history"
	"github.com/invoice-scraper/progress"
)

// runnerFunc adapts a function to Runner
type runnerFunc func(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome

func (f runnerFunc) Run(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome {
	return f(ctx, jobID, ids, h)
}

func finishing(zip string) runnerFunc {
	return func(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome {
		rep := Report{TotalBookings: len(ids), SuccessfulDownloads: len(ids), FailedBookingNumbers: []string{}}
		h.Finish(zip, "", rep)
		return Outcome{ZipPath: zip, Report: rep}
	}
}

func blocking(release <-chan struct{}) runnerFunc {
	return func(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome {
		select {
		case <-release:
		case <-ctx.Done():
			h.Fail(ctx.Err())
			return Outcome{Err: ctx.Err()}
		}
		h.Finish("/z.zip", "", Report{TotalBookings: len(ids)})
		return Outcome{}
	}
}

func waitDone(t *testing.T, m *Manager, id string) progress.Record {
	t.Helper()
	var rec progress.Record
	require.Eventually(t, func() bool {
		rec = m.Progress(context.Background(), id)
		return rec.Done
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestManager_StartRunsInBackground(t *testing.T) {
	m := NewManager(progress.NewTracker(), finishing("/w/invoices_a.zip"), nil, t.TempDir(), nil)

	id, created := m.Start("a", []string{"HM1", " ", "HM2"})
	assert.Equal(t, "a", id)
	assert.True(t, created)

	rec := waitDone(t, m, "a")
	assert.Equal(t, 2, rec.Total)

	res := m.Result(context.Background(), "a")
	assert.True(t, res.Done)
	assert.Equal(t, "/w/invoices_a.zip", res.ZipPath)
	require.NotNil(t, res.Report)
	assert.Equal(t, 2, res.Report.TotalBookings)
}

func TestManager_GeneratesClientID(t *testing.T) {
	m := NewManager(progress.NewTracker(), finishing("/z.zip"), nil, t.TempDir(), nil)
	m.newID = func() string { return "generated" }

	id, created := m.Start("", []string{"HM1"})
	assert.Equal(t, "generated", id)
	assert.True(t, created)
	waitDone(t, m, id)
}

func TestManager_StartIsIdempotentWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	inner := blocking(release)
	runner := runnerFunc(func(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome {
		runs.Add(1)
		return inner(ctx, jobID, ids, h)
	})
	m := NewManager(progress.NewTracker(), runner, nil, t.TempDir(), nil)

	_, created := m.Start("a", []string{"HM1"})
	require.True(t, created)
	_, created = m.Start("a", []string{"HM1", "HM2"})
	assert.False(t, created)

	close(release)
	rec := waitDone(t, m, "a")
	assert.Equal(t, 1, rec.Total)

	// a finished job is replaced by a new one
	_, created = m.Start("a", []string{"HM1", "HM2"})
	assert.True(t, created)
	rec = waitDone(t, m, "a")
	assert.Equal(t, 2, rec.Total)
	assert.Equal(t, int32(2), runs.Load())
}

func TestManager_OneJobAtATime(t *testing.T) {
	release := make(chan struct{})
	var active, peak atomic.Int32
	inner := blocking(release)
	runner := runnerFunc(func(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		defer active.Add(-1)
		return inner(ctx, jobID, ids, h)
	})
	m := NewManager(progress.NewTracker(), runner, nil, t.TempDir(), nil)

	m.Start("a", []string{"1"})
	m.Start("b", []string{"2"})

	require.Eventually(t, func() bool {
		rec := m.Progress(context.Background(), "b")
		return rec.Status == "Waiting for another job to finish..." || active.Load() == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	waitDone(t, m, "a")
	waitDone(t, m, "b")
	assert.Equal(t, int32(1), peak.Load())
}

func TestManager_UnknownIDDefaultRecord(t *testing.T) {
	m := NewManager(progress.NewTracker(), finishing(""), nil, t.TempDir(), nil)

	rec := m.Progress(context.Background(), "nobody")
	assert.Equal(t, progress.Default(0), rec)
	assert.False(t, rec.Done)

	res := m.Result(context.Background(), "nobody")
	assert.Equal(t, Result{}, res)
}

func TestManager_PanicBecomesError(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, jobID string, ids []string, h progress.Handle) Outcome {
		panic("boom")
	})
	m := NewManager(progress.NewTracker(), runner, nil, t.TempDir(), nil)
	m.Start("a", []string{"1"})

	rec := waitDone(t, m, "a")
	assert.Contains(t, rec.Error, "boom")

	// the slot was released
	m.runner = finishing("/z.zip")
	m.Start("b", []string{"1"})
	waitDone(t, m, "b")
}

func TestManager_HistoryFallback(t *testing.T) {
	hist, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	first := NewManager(progress.NewTracker(), finishing("/w/invoices_a.zip"), hist, t.TempDir(), nil)
	first.Start("a", []string{"HM1"})
	waitDone(t, first, "a")
	require.Eventually(t, func() bool {
		_, err := hist.Get(context.Background(), "a")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// a fresh manager, as after a restart
	second := NewManager(progress.NewTracker(), finishing(""), hist, t.TempDir(), nil)
	res := second.Result(context.Background(), "a")
	assert.True(t, res.Done)
	assert.Equal(t, "/w/invoices_a.zip", res.ZipPath)
}

func TestManager_ShutdownCancelsRunningJobs(t *testing.T) {
	m := NewManager(progress.NewTracker(), blocking(make(chan struct{})), nil, t.TempDir(), nil)
	m.Start("a", []string{"1"})
	m.Start("b", []string{"2"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	for _, id := range []string{"a", "b"} {
		rec := m.Progress(context.Background(), id)
		assert.True(t, rec.Done, id)
		assert.NotEmpty(t, rec.Error, id)
	}

	id, _ := m.Start("c", []string{"3"})
	rec := m.Progress(context.Background(), id)
	assert.True(t, rec.Done)
	assert.Contains(t, rec.Error, "shutting down")
}

func TestManager_FetchArchive(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "invoices_a.zip"), []byte("zipdata"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "dir.zip"), 0755))
	outside := filepath.Join(filepath.Dir(workDir), "secret.zip")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	defer os.Remove(outside)

	m := NewManager(progress.NewTracker(), finishing(""), nil, workDir, nil)

	f, err := m.FetchArchive("invoices_a.zip")
	require.NoError(t, err)
	data, _ := io.ReadAll(f)
	f.Close()
	assert.Equal(t, "zipdata", string(data))

	_, err = m.FetchArchive("missing.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.FetchArchive("dir.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, name := range []string{"../secret.zip", "..", "", "a/b.zip", `..\secret.zip`, "notes.txt"} {
		_, err = m.FetchArchive(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestManager_Busy(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(progress.NewTracker(), blocking(release), nil, t.TempDir(), nil)
	m.Start("job/1", []string{"1"})

	assert.True(t, m.Busy("job_1"))
	assert.False(t, m.Busy("other"))

	close(release)
	waitDone(t, m, "job/1")
	require.Eventually(t, func() bool { return !m.Busy("job_1") }, time.Second, 5*time.Millisecond)
}

func TestResultFromRecord_ErrorHidesResult(t *testing.T) {
	res := ResultFromRecord(progress.Record{Done: true, Error: "x", ZipPath: "/z.zip"})
	assert.Empty(t, res.ZipPath)
	assert.Nil(t, res.Report)
}
