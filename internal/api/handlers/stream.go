package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"triform/internal/core"
)

// StreamHandler pushes live job progress to clients over Server-Sent
// Events. One goroutine per attached connection; the worker is never
// affected by a slow or vanished client.
type StreamHandler struct {
	store     *core.Store
	hub       *core.ProgressHub
	heartbeat time.Duration
}

func NewStreamHandler(store *core.Store, hub *core.ProgressHub) *StreamHandler {
	return &StreamHandler{
		store:     store,
		hub:       hub,
		heartbeat: time.Second,
	}
}

// Progress streams connection ack, progress events and heartbeats until the
// job reaches a terminal state, then emits the full record and closes.
// Terminal delivery wins over stale channel reads.
func (h *StreamHandler) Progress(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("X-Accel-Buffering", "no")

	id := c.Param("id")
	if _, err := h.store.Get(id); err != nil {
		h.send(c, gin.H{"error": "job not found"})
		return
	}

	// A terminal job may no longer have a live channel; a nil events
	// channel blocks forever and the terminal check below closes us out.
	events, detach, subscribed := h.hub.Subscribe(id)
	if subscribed {
		defer detach()
	}

	h.send(c, gin.H{"connected": true, "job_id": id})

	clientGone := c.Request.Context().Done()
	for {
		job, err := h.store.Get(id)
		if err != nil {
			// Deleted mid-stream.
			h.send(c, gin.H{"error": "job not found"})
			return
		}
		if job.Status.Terminal() {
			h.send(c, job)
			return
		}

		select {
		case <-clientGone:
			return
		case event := <-events:
			h.send(c, event)
		case <-time.After(h.heartbeat):
			h.send(c, gin.H{"heartbeat": true})
		}
	}
}

func (h *StreamHandler) send(c *gin.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func (h *StreamHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/progress/:id", h.Progress)
}
