package httpapi

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/invoice-scraper/jobs"
	"github.com/invoice-scraper/logger"
	"github.com/invoice-scraper/progress"
)

const clientCookie = "client_id"

// Jobs is what the HTTP layer needs from *jobs.Manager
type Jobs interface {
	Start(clientID string, ids []string) (string, bool)
	Progress(ctx context.Context, id string) progress.Record
	Result(ctx context.Context, id string) jobs.Result
	FetchArchive(name string) (*os.File, error)
	Tracker() *progress.Tracker
}

type Options struct {
	AllowOrigins []string
	Version      string
	// PollInterval bounds how stale a websocket client can get when
	// snapshots are dropped
	PollInterval time.Duration
}

type Server struct {
	jobs   Jobs
	opts   Options
	logger *zap.SugaredLogger
	engine *gin.Engine
}

func New(j Jobs, opts Options, log *zap.SugaredLogger) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	s := &Server{jobs: j, opts: opts, logger: logger.OrNop(log)}
	s.engine = s.routes()
	return s
}

// Handler returns the gin engine
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), ZapLogger(s.logger), Recovery(s.logger), s.cors())

	r.GET("/health", s.health)

	api := r.Group("/api")
	api.POST("/jobs", s.startJob)
	api.GET("/progress", s.progress)
	api.GET("/result", s.result)

	r.GET("/download/:filename", s.download)
	r.GET("/download_zip/:filename", s.download)
	r.GET("/ws/progress", s.watchProgress)
	return r
}

func (s *Server) cors() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.opts.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.opts.AllowOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	}
}

type startRequest struct {
	ClientID   string   `json:"client_id"`
	BookingIDs []string `json:"booking_ids"`
}

func (s *Server) startJob(c *gin.Context) {
	var req startRequest
	if isJSON(c.ContentType()) {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	} else {
		req.ClientID = c.PostForm("client_id")
		req.BookingIDs = jobs.SplitIDs(c.PostForm("booking_numbers"))
	}
	if req.ClientID == "" {
		req.ClientID = s.clientID(c)
	}

	id, created := s.jobs.Start(req.ClientID, req.BookingIDs)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(clientCookie, id, int((24 * time.Hour).Seconds()), "/", "", false, true)

	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"client_id": id, "created": created})
}

func (s *Server) progress(c *gin.Context) {
	c.JSON(http.StatusOK, s.jobs.Progress(c.Request.Context(), s.clientID(c)))
}

func (s *Server) result(c *gin.Context) {
	c.JSON(http.StatusOK, s.jobs.Result(c.Request.Context(), s.clientID(c)))
}

func (s *Server) download(c *gin.Context) {
	name := c.Param("filename")
	f, err := s.jobs.FetchArchive(name)
	switch {
	case errors.Is(err, jobs.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open archive"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open archive"})
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Header("Content-Type", "application/zip")
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), f)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true, "version": s.opts.Version})
}

// clientID takes the query parameter first, then the cookie
func (s *Server) clientID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("client_id")); id != "" {
		return id
	}
	if id, err := c.Cookie(clientCookie); err == nil {
		return strings.TrimSpace(id)
	}
	return ""
}

func isJSON(contentType string) bool {
	return contentType == "application/json" || strings.HasSuffix(contentType, "+json")
}
