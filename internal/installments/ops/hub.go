// Package ops pushes reconciliation issues and retry-run summaries to
// operators over websocket and to Rollbar.
package ops

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lmsBack/internal/installments/repo"
)

const (
	writeWait  = 20 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Logger defines minimal logging interface required by the hub.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Event is one message of the operator feed.
type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// IssuePayload is the feed representation of a reconciliation issue.
type IssuePayload struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"`
	ChargeRef    string `json:"charge_ref,omitempty"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	EntryID      string `json:"schedule_entry_id,omitempty"`
	Detail       string `json:"detail"`
}

// Hub keeps the connected operator consoles.
type Hub struct {
	logger   Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
	locks map[string]*sync.Mutex
}

// NewHub constructs the operator hub.
func NewHub(logger Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*websocket.Conn),
		locks: make(map[string]*sync.Mutex),
	}
}

// ServeWS upgrades an already authorised request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("ops ws upgrade failed: %v", err)
		return
	}
	id := uuid.NewString()

	h.mu.Lock()
	h.conns[id] = conn
	h.locks[id] = &sync.Mutex{}
	h.mu.Unlock()
	h.logger.Infof("ops console %s connected", id)

	go h.pingLoop(id, conn)
	go h.readLoop(id, conn)
}

// Connected returns the number of open consoles.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) pingLoop(id string, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		alive := h.conns[id] == conn
		h.mu.RUnlock()
		if !alive {
			return
		}
		h.safeWrite(id, func(c *websocket.Conn) error {
			return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		})
	}
}

func (h *Hub) readLoop(id string, conn *websocket.Conn) {
	defer h.closeConn(id, conn)

	conn.SetReadLimit(4 << 10)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(message)), "ping") {
			h.safeWrite(id, func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.TextMessage, []byte("pong"))
			})
		}
	}
}

func (h *Hub) closeConn(id string, conn *websocket.Conn) {
	_ = conn.Close()
	h.mu.Lock()
	if current, ok := h.conns[id]; ok && current == conn {
		delete(h.conns, id)
		delete(h.locks, id)
	}
	h.mu.Unlock()
}

func (h *Hub) safeWrite(id string, fn func(*websocket.Conn) error) {
	h.mu.RLock()
	conn := h.conns[id]
	mu := h.locks[id]
	h.mu.RUnlock()
	if conn == nil || mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := fn(conn); err != nil {
		h.logger.Errorf("ops console %s write failed: %v", id, err)
		h.closeConn(id, conn)
	}
}

// Broadcast sends an event to every console.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, At: time.Now().UTC(), Data: data})
	if err != nil {
		h.logger.Errorf("ops marshal %s failed: %v", eventType, err)
		return
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.safeWrite(id, func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, payload)
		})
	}
}

// PublishIssue forwards a committed reconciliation issue to the consoles.
func (h *Hub) PublishIssue(is repo.Issue) {
	h.Broadcast("reconciliation_issue", IssuePayloadOf(is))
}

// IssuePayloadOf converts a stored issue to its wire form.
func IssuePayloadOf(is repo.Issue) IssuePayload {
	return IssuePayload{
		ID:           is.ID,
		Kind:         is.Kind,
		EventID:      is.EventID,
		EventType:    is.EventType,
		ChargeRef:    is.ChargeRef,
		EnrollmentID: is.EnrollmentID,
		EntryID:      is.EntryID,
		Detail:       is.Detail,
	}
}
