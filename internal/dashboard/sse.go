package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/events"
)

// stream relays a session's events as server-sent events until the client
// goes away or the session stops.
func (h *handlers) stream(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	ch, cancel := s.Bus().Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", gin.H{"session_id": s.ID(), "status": s.Status()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(c.Writer, string(ev.Kind), ev)
			c.Writer.Flush()
			if ev.Kind == events.SessionStopped {
				return
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

// socket relays the same events as JSON frames. Client frames are
// discarded; the connection closes normally after session_stopped.
func (h *handlers) socket(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", zap.String("session_id", s.ID()), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ch, cancel := s.Bus().Subscribe()
	defer cancel()
	ctx := conn.CloseRead(c.Request.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := writeFrame(ctx, conn, ev); err != nil {
				h.log.Debug("websocket write failed", zap.String("session_id", s.ID()), zap.Error(err))
				return
			}
			if ev.Kind == events.SessionStopped {
				conn.Close(websocket.StatusNormalClosure, "session stopped")
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
