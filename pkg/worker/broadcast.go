package worker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes worker snapshots to connected dashboard clients via WebSocket.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	n := len(b.clients)
	b.mu.Unlock()

	klog.Infof("📊 Dashboard client connected (%d total)", n)

	// Read loop (to detect disconnect)
	go func() {
		defer func() {
			if b.drop(conn) {
				klog.Infof("📊 Dashboard client disconnected (%d remain)", b.Clients())
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// drop closes and forgets conn. It reports whether conn was still known.
func (b *Broadcaster) drop(conn *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.clients[conn] {
		return false
	}
	delete(b.clients, conn)
	conn.Close()
	return true
}

// Broadcast sends v as JSON to all connected WebSocket clients. Clients
// that fail the write are dropped.
func (b *Broadcaster) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		klog.Warningf("⚠️  Encoding broadcast: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

// Run broadcasts snapshot() every interval until stop is closed.
func (b *Broadcaster) Run(interval time.Duration, snapshot func() any, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if b.Clients() > 0 {
				b.Broadcast(snapshot())
			}
		}
	}
}
