package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/invoice-scraper/progress"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are checked by the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchProgress pushes record snapshots to the client until the job is done
func (s *Server) watchProgress(c *gin.Context) {
	id := s.clientID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("Websocket upgrade failed for %s: %v", id, err)
		return
	}
	defer conn.Close()

	updates, cancel := s.jobs.Tracker().Subscribe(id)
	defer cancel()

	// the client only closes; reading detects that
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	send := func(rec progress.Record) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(rec); err != nil {
			s.logger.Debugf("Websocket write for %s failed: %v", id, err)
			return false
		}
		return !rec.Done
	}

	if !send(s.jobs.Progress(ctx, id)) {
		s.closeNormal(conn)
		return
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		var rec progress.Record
		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case r, ok := <-updates:
			if !ok {
				return
			}
			rec = r
		case <-ticker.C:
			rec = s.jobs.Progress(ctx, id)
		}
		if !send(rec) {
			s.closeNormal(conn)
			return
		}
	}
}

func (s *Server) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
