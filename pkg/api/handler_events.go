package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/store"
)

// sseHeartbeatInterval keeps idle connections alive through proxies.
const sseHeartbeatInterval = 30 * time.Second

// handleTaskEventStream serves the task's live event stream over SSE.
// Recent events from the replay ring are flushed first so a reconnecting
// client does not miss what happened while it was away; older history is
// served by the REST catchup endpoint.
func (s *Server) handleTaskEventStream(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.tasks.Get(c.Request.Context(), callerOrgID(c), taskID); err != nil {
		writeError(c, err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	live := s.bus.Stream(ctx, "task."+taskID+".**")

	for _, evt := range s.bus.Replay(events.ReplayFilter{TaskID: taskID}, 0) {
		writeSSE(w, evt)
	}
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, open := <-live:
			if !open {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, evt *models.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
}

// handleTaskEventHistory serves durable catchup: events past the replay
// ring's horizon, keyed by sequence number.
func (s *Server) handleTaskEventHistory(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.tasks.Get(c.Request.Context(), callerOrgID(c), taskID); err != nil {
		writeError(c, err)
		return
	}

	var since int64
	if v := c.Query("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}
	limit := 500
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	history, err := s.store.EventHistory(c.Request.Context(), taskID, since, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if history == nil {
		history = []store.StoredEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"items": history})
}
