// Package hub provides room and broadcast-class fan-out for realtime clients.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
)

// SendBufferSize is the per-connection outbound queue length.
const SendBufferSize = 256

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// guarded by Hub.mu
	role  domain.ClientRole
	rooms map[string]bool

	registered chan struct{}

	hub *Hub
	mu  sync.Mutex
}

// Hub manages all realtime connections. Room membership and broadcast
// classes are guarded by mu; deliveries are serialized through Run so events
// for one room leave in submission order.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// rooms maps session_id to the set of member connection IDs
	rooms map[string]map[string]bool

	// classes maps a broadcast class to its connection IDs
	classes map[domain.ClientRole]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *outbound
	done       chan struct{}

	logger  *slog.Logger
	metrics *telemetry.Metrics
	mu      sync.RWMutex
}

type outbound struct {
	room    string
	classes []domain.ClientRole
	data    []byte
}

// ErrNotRegistered is returned for operations on a connection the hub
// does not know.
var ErrNotRegistered = errors.New("connection not registered")

// ErrStopped is returned once the run loop has exited.
var ErrStopped = errors.New("hub stopped")

// NewHub creates a new Hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *telemetry.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]bool),
		classes:     make(map[domain.ClientRole]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *outbound, 256),
		done:        make(chan struct{}),
		logger:      logger,
		metrics:     metrics,
	}
}

// Run starts the hub's main loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				h.mu.Unlock()
				continue
			}
			h.connections[conn.ID] = conn
			h.updateGauges()
			h.mu.Unlock()
			close(conn.registered)
			h.logger.Debug("connection registered", "conn_id", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				for room := range conn.rooms {
					h.removeFromRoom(conn, room)
				}
				h.removeFromClass(conn)
				close(conn.Send)
				h.updateGauges()
			}
			h.mu.Unlock()
			h.logger.Debug("connection unregistered", "conn_id", conn.ID)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[string]bool)
	if msg.room != "" {
		for id := range h.rooms[msg.room] {
			targets[id] = true
		}
	}
	for _, class := range msg.classes {
		for id := range h.classes[class] {
			targets[id] = true
		}
	}

	for connID := range targets {
		conn, exists := h.connections[connID]
		if !exists {
			continue
		}
		select {
		case conn.Send <- msg.data:
		default:
			h.logger.Warn("connection buffer full, closing", "conn_id", connID)
			go h.Unregister(conn)
		}
	}
}

// NewConnection creates a new connection. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:         uuid.New().String(),
		Conn:       ws,
		Send:       make(chan []byte, SendBufferSize),
		rooms:      make(map[string]bool),
		registered: make(chan struct{}),
		hub:        h,
	}
}

// Register registers a connection with the hub and waits until the run
// loop has recorded it.
func (h *Hub) Register(conn *Connection) error {
	select {
	case h.register <- conn:
	case <-h.done:
		return ErrStopped
	}
	select {
	case <-conn.registered:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Unregister removes a connection from the hub and every room it joined.
// It is safe to call more than once.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// SetClass records the role a connection registered with. Agents and
// dashboards join the matching broadcast class; users belong to none.
func (h *Hub) SetClass(conn *Connection, role domain.ClientRole) error {
	if !role.Valid() {
		return domain.Validationf("unknown client type %q", role)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return ErrNotRegistered
	}
	h.removeFromClass(conn)
	conn.role = role
	if role == domain.ClientRoleUser {
		return nil
	}
	if h.classes[role] == nil {
		h.classes[role] = make(map[string]bool)
	}
	h.classes[role][conn.ID] = true
	return nil
}

// Role returns the role a connection registered with, if any.
func (h *Hub) Role(conn *Connection) domain.ClientRole {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.role
}

// Join adds a connection to a session room. Joining twice is a no-op.
func (h *Hub) Join(conn *Connection, sessionID string) error {
	if err := domain.ValidateID("sessionId", sessionID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return ErrNotRegistered
	}
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]bool)
	}
	h.rooms[sessionID][conn.ID] = true
	conn.rooms[sessionID] = true
	h.updateGauges()
	return nil
}

// Leave removes a connection from a session room.
func (h *Hub) Leave(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(conn, sessionID)
	h.updateGauges()
}

func (h *Hub) removeFromRoom(conn *Connection, sessionID string) {
	delete(conn.rooms, sessionID)
	if members := h.rooms[sessionID]; members != nil {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) removeFromClass(conn *Connection) {
	if conn.role == "" {
		return
	}
	if members := h.classes[conn.role]; members != nil {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(h.classes, conn.role)
		}
	}
}

func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	h.metrics.Connections.Set(float64(len(h.connections)))
	h.metrics.Rooms.Set(float64(len(h.rooms)))
}

func (h *Hub) enqueue(msg *outbound) error {
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// BroadcastRoom sends v as JSON to every member of a session room.
func (h *Hub) BroadcastRoom(sessionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.enqueue(&outbound{room: sessionID, data: data})
}

// BroadcastClass sends v as JSON to every connection in the given classes.
// A connection in several targets receives the event once.
func (h *Hub) BroadcastClass(v interface{}, classes ...domain.ClientRole) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.enqueue(&outbound{classes: classes, data: data})
}

// SendToConnection queues data for a single connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return ErrNotRegistered
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetRoomCount returns the number of rooms with at least one member.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomSize returns the number of connections in a session room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// ClassSize returns the number of connections in a broadcast class.
func (h *Hub) ClassSize(class domain.ClientRole) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.classes[class])
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
