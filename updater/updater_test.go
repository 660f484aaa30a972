package updater

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelease struct {
	version string
	newer   bool
}

func (r fakeRelease) Version() string { return r.version }

func (r fakeRelease) LessOrEqual(string) bool { return !r.newer }

type fakeSource struct {
	rel     Release
	found   bool
	err     error
	applied atomic.Int32
}

func (f *fakeSource) DetectLatest(ctx context.Context, slug string) (Release, bool, error) {
	return f.rel, f.found, f.err
}

func (f *fakeSource) UpdateTo(ctx context.Context, rel Release, exePath string) error {
	f.applied.Add(1)
	return nil
}

func TestCheckForUpdate(t *testing.T) {
	tests := []struct {
		name  string
		src   *fakeSource
		want  bool
		isErr bool
	}{
		{"newer", &fakeSource{rel: fakeRelease{"v2.0.0", true}, found: true}, true, false},
		{"current", &fakeSource{rel: fakeRelease{"v1.0.0", false}, found: true}, false, false},
		{"none", &fakeSource{}, false, false},
		{"error", &fakeSource{err: errors.New("rate limited")}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := New(DefaultConfig("1.0.0"), nil).WithSource(tt.src)
			_, needs, err := u.CheckForUpdate(context.Background())
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, needs)
		})
	}
}

func TestCheckAndUpdate_AppliesOnlyNewer(t *testing.T) {
	src := &fakeSource{rel: fakeRelease{"v1.0.0", false}, found: true}
	u := New(DefaultConfig("1.0.0"), nil).WithSource(src)

	updated, err := u.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Zero(t, src.applied.Load())

	src.rel = fakeRelease{"v1.1.0", true}
	updated, err = u.CheckAndUpdate(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, int32(1), src.applied.Load())
}

func TestLatestVersion_FallsBackToCurrent(t *testing.T) {
	u := New(DefaultConfig("1.0.0"), nil).WithSource(&fakeSource{})
	v, err := u.LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)
}

func TestStartPeriodicCheck(t *testing.T) {
	cfg := DefaultConfig("1.0.0")
	cfg.StartupDelay = time.Millisecond
	cfg.CheckInterval = 5 * time.Millisecond
	u := New(cfg, nil).WithSource(&fakeSource{rel: fakeRelease{"v9.0.0", true}, found: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	u.StartPeriodicCheck(ctx, func() { calls.Add(1) })
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", normalizeVersion("1.2.3"))
	assert.Equal(t, "v1.2.3", normalizeVersion("v1.2.3"))
	assert.Equal(t, "", normalizeVersion(""))
}

func TestRestartCommands(t *testing.T) {
	cmds, err := restartCommands("windows", "invoice-scraper")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"sc", "stop", "invoice-scraper"}, {"sc", "start", "invoice-scraper"}}, cmds)

	cmds, err = restartCommands("linux", "invoice-scraper")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"systemctl", "restart", "invoice-scraper"}}, cmds)

	_, err = restartCommands("plan9", "invoice-scraper")
	assert.Error(t, err)
}
