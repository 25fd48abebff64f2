package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"autorx-ng/internal/telemetry"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
	streamSendBuffer = 32
)

type streamClient struct {
	conn *websocket.Conn
	send chan telemetry.Frame
}

// Stream pushes accepted frames to websocket clients as JSON. Slow clients
// lose frames rather than stall the publisher.
type Stream struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	dropped atomic.Uint64
}

func NewStream(log logrus.FieldLogger) *Stream {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stream{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
		},
		clients: make(map[*streamClient]struct{}),
	}
}

func (s *Stream) Publish(f telemetry.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- f:
		default:
			s.dropped.Add(1)
		}
	}
}

type StreamStats struct {
	Clients int    `json:"clients"`
	Dropped uint64 `json:"dropped"`
}

func (s *Stream) Stats() StreamStats {
	return StreamStats{Clients: s.Clients(), Dropped: s.Dropped()}
}

func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped counts frames not delivered to slow clients.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func (s *Stream) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		c := &streamClient{conn: conn, send: make(chan telemetry.Frame, streamSendBuffer)}

		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		go s.writePump(c)
		s.readPump(c)
	})
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

// readPump discards client messages and detects disconnects.
func (s *Stream) readPump(c *streamClient) {
	defer func() {
		s.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writePump(c *streamClient) {
	ping := time.NewTicker(streamPingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
