package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"otto/internal/eventlog"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleStreamEvents upgrades to a websocket and pushes every event appended
// after the subscription, optionally narrowed by the same query filters as
// the tail endpoint. The connection closes when the client goes away or an
// event cannot be written in time.
func (s *Server) handleStreamEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := eventlog.Filter{
		Act:     c.Query("act"),
		TraceID: c.Query("trace_id"),
		ConvID:  c.Query("conv_id"),
	}
	events, cancel := s.opts.Events.Subscribe(256)
	defer cancel()

	// Reader goroutine: surfaces client disconnects, discards any payload.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !filter.Matches(event) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
