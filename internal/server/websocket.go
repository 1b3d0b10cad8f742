package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamSubjects are the bus patterns forwarded to websocket clients.
var streamSubjects = []string{"workspace.>", "script.>", "terminal.>"}

// handleEventStream upgrades the connection and forwards every lifecycle
// event published on the bus until the client disconnects.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.deps.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.log.Debug("event stream client connected",
		zap.String("remote_addr", c.Request.RemoteAddr))

	// Bus handlers run on bus goroutines; the write lock keeps frames
	// from interleaving.
	var writeMu sync.Mutex
	forward := func(_ context.Context, event *bus.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(event)
	}

	subs := make([]bus.Subscription, 0, len(streamSubjects))
	for _, subject := range streamSubjects {
		sub, err := s.deps.Events.Subscribe(subject, forward)
		if err != nil {
			s.log.Error("event stream subscribe failed",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	// Drain client frames so pings and close messages are processed; any
	// read error means the client is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.log.Debug("event stream client disconnected",
		zap.String("remote_addr", c.Request.RemoteAddr))
}
