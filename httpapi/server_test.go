package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoice-scraper/jobs"
	"github.com/invoice-scraper/progress"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// gateRunner finishes a job once release is closed
type gateRunner struct {
	release chan struct{}
}

func (g gateRunner) Run(ctx context.Context, jobID string, ids []string, h progress.Handle) jobs.Outcome {
	h.Stage(progress.StageDownloading, "Downloading invoices...")
	for range ids {
		h.Item("working")
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			h.Fail(ctx.Err())
			return jobs.Outcome{Err: ctx.Err()}
		}
	}
	rep := jobs.Report{TotalBookings: len(ids), SuccessfulDownloads: len(ids), FailedBookingNumbers: []string{}}
	h.Finish("invoices_"+jobID+".zip", "", rep)
	return jobs.Outcome{Report: rep}
}

func newTestServer(t *testing.T, runner jobs.Runner) (*Server, *jobs.Manager, string) {
	t.Helper()
	workDir := t.TempDir()
	m := jobs.NewManager(progress.NewTracker(), runner, nil, workDir, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return New(m, Options{Version: "test", PollInterval: 20 * time.Millisecond}, nil), m, workDir
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func waitDone(t *testing.T, m *jobs.Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Progress(context.Background(), id).Done
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartJob_FormSetsCookie(t *testing.T) {
	s, m, _ := newTestServer(t, gateRunner{})

	form := url.Values{"booking_numbers": {"HM1, ,HM2,"}}
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := do(s, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var body struct {
		ClientID string `json:"client_id"`
		Created  bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.ClientID)
	assert.True(t, body.Created)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == clientCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, body.ClientID, cookie.Value)

	waitDone(t, m, body.ClientID)

	req = httptest.NewRequest(http.MethodGet, "/api/result", nil)
	req.AddCookie(cookie)
	w = do(s, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res jobs.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Done)
	require.NotNil(t, res.Report)
	assert.Equal(t, 2, res.Report.TotalBookings)
}

func TestStartJob_JSON(t *testing.T) {
	s, m, _ := newTestServer(t, gateRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"client_id":"c1","booking_ids":["HM1","HM2","HM3"]}`))
	req.Header.Set("Content-Type", "application/json")
	w := do(s, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitDone(t, m, "c1")

	w = do(s, httptest.NewRequest(http.MethodGet, "/api/progress?client_id=c1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rec progress.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, 3, rec.Total)
	assert.Equal(t, 3, rec.Current)
	assert.Equal(t, 100, rec.StageProgress)
	assert.True(t, rec.Done)
}

func TestStartJob_BadJSON(t *testing.T) {
	s, _, _ := newTestServer(t, gateRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"booking_ids":`))
	req.Header.Set("Content-Type", "application/json")
	w := do(s, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartJob_RunningJobNotRestarted(t *testing.T) {
	release := make(chan struct{})
	s, m, _ := newTestServer(t, gateRunner{release: release})

	body := `{"client_id":"c1","booking_ids":["HM1"]}`
	for i, want := range []int{http.StatusAccepted, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := do(s, req)
		assert.Equal(t, want, w.Code, "request %d", i)
	}
	close(release)
	waitDone(t, m, "c1")
}

func TestProgress_UnknownClient(t *testing.T) {
	s, _, _ := newTestServer(t, gateRunner{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rec progress.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.False(t, rec.Done)
	assert.Equal(t, "Not started", rec.Status)
}

func TestDownload(t *testing.T) {
	s, _, workDir := newTestServer(t, gateRunner{})
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "invoices_c1.zip"), []byte("PK-data"), 0644))

	w := do(s, httptest.NewRequest(http.MethodGet, "/download/invoices_c1.zip", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PK-data", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "invoices_c1.zip")

	w = do(s, httptest.NewRequest(http.MethodGet, "/download_zip/invoices_c1.zip", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, httptest.NewRequest(http.MethodGet, "/download/missing.zip", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, httptest.NewRequest(http.MethodGet, "/download/notes.txt", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, httptest.NewRequest(http.MethodGet, "/download/..%5Csecret.zip", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, gateRunner{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"healthy":true,"version":"test"}`, w.Body.String())
}

func TestCORS_Preflight(t *testing.T) {
	s, _, _ := newTestServer(t, gateRunner{})

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := do(s, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWatchProgress_StreamsUntilDone(t *testing.T) {
	release := make(chan struct{})
	s, _, _ := newTestServer(t, gateRunner{release: release})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"client_id":"c1","booking_ids":["HM1","HM2"]}`))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusAccepted, do(s, req).Code)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress?client_id=c1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	var first progress.Record
	require.NoError(t, conn.ReadJSON(&first))
	assert.False(t, first.Done)

	close(release)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var last progress.Record
	for {
		var rec progress.Record
		if err := conn.ReadJSON(&rec); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = rec
	}
	assert.True(t, last.Done)
	assert.Equal(t, 100, last.StageProgress)
}

func TestWatchProgress_RequiresClientID(t *testing.T) {
	s, _, _ := newTestServer(t, gateRunner{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/ws/progress", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	io.Copy(io.Discard, w.Body)
}
