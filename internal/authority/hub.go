package authority

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rpattn/traceforge/internal/domain"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
}

type subscriber struct {
	conn *websocket.Conn
	send chan domain.PeerCommit
}

// Hub fans applied commits out to every websocket subscriber of a version.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]map[*subscriber]struct{}
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: map[uuid.UUID]map[*subscriber]struct{}{},
		logger:      logger,
	}
}

// Broadcast queues pc for every subscriber of its version. A subscriber whose
// buffer is full is disconnected and must resynchronise.
func (h *Hub) Broadcast(pc domain.PeerCommit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers[pc.VersionID] {
		select {
		case sub.send <- pc:
		default:
			h.logger.Warn("dropping slow subscriber", "version", pc.VersionID)
			h.removeLocked(pc.VersionID, sub)
		}
	}
}

// Subscribers returns the number of live subscribers of a version.
func (h *Hub) Subscribers(versionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[versionID])
}

// Serve upgrades the request and streams peer commits until the client leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, versionID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	sub := &subscriber{conn: conn, send: make(chan domain.PeerCommit, subscriberBuffer)}

	h.mu.Lock()
	if h.subscribers[versionID] == nil {
		h.subscribers[versionID] = map[*subscriber]struct{}{}
	}
	h.subscribers[versionID][sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("subscriber connected", "version", versionID, "remote", r.RemoteAddr)

	go h.readLoop(versionID, sub)
	h.writeLoop(versionID, sub)
}

// readLoop drains client frames so close and pong control messages are seen.
func (h *Hub) readLoop(versionID uuid.UUID, sub *subscriber) {
	defer h.remove(versionID, sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.logger.Info("subscriber disconnected", "version", versionID, "error", err.Error())
			return
		}
	}
}

func (h *Hub) writeLoop(versionID uuid.UUID, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case pc, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteJSON(pc); err != nil {
				h.logger.Warn("failed to write peer commit", "version", versionID, "error", err)
				h.remove(versionID, sub)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(versionID, sub)
				return
			}
		}
	}
}

func (h *Hub) remove(versionID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(versionID, sub)
}

func (h *Hub) removeLocked(versionID uuid.UUID, sub *subscriber) {
	subs := h.subscribers[versionID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(h.subscribers, versionID)
	}
}
