package player

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 16
)

// StatsFeed pushes stats snapshots to websocket clients. A slow client
// loses samples rather than delaying the others.
type StatsFeed struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	last    []byte
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewStatsFeed returns an empty feed.
func NewStatsFeed(log *slog.Logger) *StatsFeed {
	if log == nil {
		log = slog.Default()
	}
	return &StatsFeed{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*feedClient]struct{}),
	}
}

// Publish sends s to every connected client. It has the signature of an
// Aggregator subscriber.
func (f *StatsFeed) Publish(s StatsSnapshot) {
	msg, err := json.Marshal(s)
	if err != nil {
		f.log.Error("encode stats", slog.String("error", err.Error()))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = msg
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (f *StatsFeed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// ServeHTTP upgrades the request and streams snapshots until the client
// goes away. A new client first receives the latest snapshot.
func (f *StatsFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("stats feed upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &feedClient{conn: conn, send: make(chan []byte, clientBuffer)}

	f.mu.Lock()
	f.clients[c] = struct{}{}
	if f.last != nil {
		c.send <- f.last
	}
	f.mu.Unlock()
	f.log.Debug("stats client connected", slog.String("remote", r.RemoteAddr))

	go f.writePump(c)
	f.readPump(c)
}

func (f *StatsFeed) remove(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
}

// readPump discards client messages and detects disconnects.
func (f *StatsFeed) readPump(c *feedClient) {
	defer func() {
		f.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.Debug("stats client closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (f *StatsFeed) writePump(c *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
