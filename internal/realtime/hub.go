package realtime

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 16
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
	maxReadBytes = 1024
)

// Hub fans status messages out to websocket watchers. Every watcher is bound
// to one device and only sees that device's messages.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	deviceID string
	conn     *websocket.Conn
	out      chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is not checked; the route requires a bearer token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		watchers: map[string]map[*watcher]struct{}{},
	}
}

// ServeDevice upgrades the request and streams deviceID's status messages
// until the peer disconnects. A non-empty initial message is queued first so
// the client renders the last known state right away.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string, initial []byte) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	wt := &watcher{deviceID: deviceID, conn: conn, out: make(chan []byte, sendBuffer)}
	if len(initial) > 0 {
		wt.out <- initial
	}
	h.register(wt)

	go wt.writeLoop()
	wt.readLoop()
	h.unregister(wt)
}

// Broadcast queues payload, unchanged, for every watcher of deviceID. A
// watcher whose queue is full is disconnected.
func (h *Hub) Broadcast(deviceID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for wt := range h.watchers[deviceID] {
		select {
		case wt.out <- payload:
		default:
			slog.Info("dropping slow status watcher", "device_id", deviceID)
			h.closeLocked(wt)
		}
	}
}

func (h *Hub) ClientCount(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[deviceID])
}

func (h *Hub) register(wt *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[wt.deviceID] == nil {
		h.watchers[wt.deviceID] = map[*watcher]struct{}{}
	}
	h.watchers[wt.deviceID][wt] = struct{}{}
}

func (h *Hub) unregister(wt *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(wt)
}

// closeLocked is idempotent; Broadcast and unregister may both reach it.
func (h *Hub) closeLocked(wt *watcher) {
	set := h.watchers[wt.deviceID]
	if _, ok := set[wt]; !ok {
		return
	}
	delete(set, wt)
	if len(set) == 0 {
		delete(h.watchers, wt.deviceID)
	}
	close(wt.out)
	_ = wt.conn.Close()
}

// readLoop discards client frames; it exists to process pongs and notice
// the peer going away.
func (wt *watcher) readLoop() {
	wt.conn.SetReadLimit(maxReadBytes)
	_ = wt.conn.SetReadDeadline(time.Now().Add(pongWait))
	wt.conn.SetPongHandler(func(string) error {
		return wt.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := wt.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (wt *watcher) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-wt.out:
			if !ok {
				_ = wt.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wt.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := wt.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wt *watcher) write(kind int, data []byte) error {
	_ = wt.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wt.conn.WriteMessage(kind, data)
}
