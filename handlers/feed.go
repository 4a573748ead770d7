// handlers/feed.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"ctf-scoring/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
	feedBuffer     = 32
)

// SolveFeed pushes every accepted solve to the connected websocket clients.
// A client that falls feedBuffer messages behind is disconnected.
type SolveFeed struct {
	l        *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	send chan []byte
}

// NewSolveFeed accepts connections from any origin in origins; an empty list
// accepts every origin.
func NewSolveFeed(l *zap.Logger, origins []string) *SolveFeed {
	if l == nil {
		l = zap.NewNop()
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &SolveFeed{
		l: l.Named("feed"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		clients: make(map[*feedClient]struct{}),
	}
}

// SolveAccepted implements submission.Notifier.
func (f *SolveFeed) SolveAccepted(_ context.Context, s models.Solve) {
	msg, err := json.Marshal(s)
	if err != nil {
		f.l.Error("failed to encode solve", zap.Error(err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
			f.l.Warn("dropping slow feed client")
			delete(f.clients, c)
			close(c.send)
		}
	}
}

// Clients returns the number of connected clients.
func (f *SolveFeed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *SolveFeed) register() *feedClient {
	c := &feedClient{send: make(chan []byte, feedBuffer)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	return c
}

func (f *SolveFeed) unregister(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (f *SolveFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *SolveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		f.l.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := f.register()
	go f.writePump(conn, c)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.unregister(c)
}

func (f *SolveFeed) writePump(conn *websocket.Conn, c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				f.unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.unregister(c)
				return
			}
		}
	}
}
