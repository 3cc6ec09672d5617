package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"maestro/internal/observability"
)

// sseHeartbeatInterval keeps intermediaries from reaping quiet streams.
const sseHeartbeatInterval = 30 * time.Second

// handleStream serves GET /a2a/stream: the per-thread observer feed as
// Server-Sent Events. Subscribing replays the retained history first, then
// delivers live frames in engine order.
func (s *Server) handleStream(c *gin.Context) {
	threadID := c.Query("thread_id")
	if threadID == "" {
		c.String(http.StatusBadRequest, "thread_id required")
		return
	}
	if s.bus == nil {
		c.String(http.StatusServiceUnavailable, "event bus not available")
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := s.bus.Subscribe(threadID)
	defer cancel()

	s.logger.Info("sse stream opened for thread %s", threadID)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"threadID\":%q}\n\n", threadID); err != nil {
		return
	}
	w.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				// Bus drained during shutdown.
				return
			}
			data, err := env.Data()
			if err != nil {
				s.logger.Error("serialize event %s seq %d: %v", env.Kind, env.Seq, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Kind, observability.Redact(string(data))); err != nil {
				s.logger.Debug("sse write to thread %s failed: %v", threadID, err)
				return
			}
			w.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			w.Flush()

		case <-c.Request.Context().Done():
			s.logger.Info("sse stream closed for thread %s", threadID)
			return

		case <-s.ctx.Done():
			return
		}
	}
}
