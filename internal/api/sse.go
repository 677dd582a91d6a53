// internal/api/sse.go
package api

import (
	"fmt"
	"net/http"
	"time"

	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/metrics"

	"github.com/gin-gonic/gin"
)

// handleEvents streams change broadcasts as Server-Sent Events. Events carry
// no board data; clients invalidate and refetch.
func (s *Server) handleEvents(c *gin.Context) {
	if s.feed == nil {
		writeError(c, errors.NewExternalServiceError("change feed", fmt.Errorf("not configured")))
		return
	}

	ctx := c.Request.Context()
	msgs, err := s.feed.Subscribe(ctx)
	if err != nil {
		s.logger.Error("event stream subscribe failed", map[string]interface{}{"error": err})
		writeError(c, errors.NewExternalServiceError("redis", err))
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	w.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: {\"type\":%q}\n\n", msg, msg)
			w.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		}
	}
}
