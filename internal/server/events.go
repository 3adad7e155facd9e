package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleEvents streams view events as server-sent events until the client
// goes away. The current connection snapshot is sent first.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(ViewEventConnection, ViewEvent{
		Kind:      ViewEventConnection,
		Payload:   h.connection.Snapshot(),
		Source:    viewSourceSync,
		Timestamp: time.Now().UTC(),
	})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Kind, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(viewEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}
