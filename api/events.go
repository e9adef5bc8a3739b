package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/coder/websocket"

	"github.com/sessiondeck/sessiondeck/events"
	"github.com/sessiondeck/sessiondeck/log"
)

// EventStream pushes bus events to the client over a WebSocket
func (h *Handlers) EventStream(c *gin.Context) {
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Event stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log.MarkHijacked(c)
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	ch, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	// Greet so clients can confirm the stream is live
	hello, _ := json.Marshal(events.Event{Type: events.EventConnected, Timestamp: time.Now().UnixMilli()})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}

	// Drain client messages to observe closure
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Msg("Event stream write failed")
				}
				return
			}
		}
	}
}
