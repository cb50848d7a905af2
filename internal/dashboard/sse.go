package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/bridge"
)

const (
	ssePollInterval      = time.Second
	sseHeartbeatInterval = 15 * time.Second
)

// handleSSE streams connection events to the client. The event history is
// polled rather than subscribed, so a slow client cannot back-pressure the
// bridge loop.
func handleSSE(b *bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Only deliver events recorded after the client attached.
		seen := len(b.Diagnostics().Events)

		ctx := c.Request.Context()
		poll := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer poll.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-poll.C:
				events := b.Diagnostics().Events
				if len(events) <= seen {
					// The history is bounded; a shrink means older entries
					// rolled off, not that time went backwards.
					if len(events) < seen {
						seen = len(events)
					}
					continue
				}
				for _, ev := range events[seen:] {
					writeSSE(c.Writer, "connection", ev)
				}
				seen = len(events)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
