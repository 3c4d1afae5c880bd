package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MessageTypeStatus   = "status"
	MessageTypePresence = "presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var ErrManagerClosed = errors.New("websocket manager closed")

// Message is the JSON frame exchanged with clients. Type carries the event
// name for server pushes ("new_request", "new_sms", ...).
type Message struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Channel   string                 `json:"channel,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Source    string                 `json:"source,omitempty"`
}

// Manager tracks authenticated sockets by user. A user may hold several
// sockets (tabs, devices); pushes go to all of them.
type Manager struct {
	mu         sync.RWMutex
	byUser     map[string]map[string]*Connection
	closed     bool
	upgrader   websocket.Upgrader
	restricted map[string]map[string]bool
	logger     *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRestrictedTopic limits subscriptions to topic to the listed users.
// Presence requests from anyone else leave the topic out.
func WithRestrictedTopic(topic string, userIDs []string) Option {
	return func(m *Manager) {
		allowed := make(map[string]bool, len(userIDs))
		for _, id := range userIDs {
			allowed[id] = true
		}
		m.restricted[topic] = allowed
	}
}

// Connection is one client socket.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	RemoteAddr  string

	conn   *websocket.Conn
	send   chan Message
	mu     sync.Mutex
	topics map[string]bool
	closed bool
}

// trySend queues msg without blocking. It reports false when the buffer is
// full or the connection is closed.
func (c *Connection) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Connection) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = make(map[string]bool, len(topics))
	for _, t := range topics {
		c.topics[t] = true
	}
}

func (c *Connection) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// NewManager creates a new WebSocket manager. An empty or "*" origin list
// accepts any origin.
func NewManager(logger *zap.Logger, allowedOrigins []string, opts ...Option) *Manager {
	m := &Manager{
		byUser:     make(map[string]map[string]*Connection),
		restricted: make(map[string]map[string]bool),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) mayJoin(userID, topic string) bool {
	allowed, ok := m.restricted[topic]
	return !ok || allowed[userID]
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleConnection upgrades the request and binds the socket to userID,
// which the caller has already authenticated.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) (*Connection, error) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
		conn:        ws,
		send:        make(chan Message, sendBuffer),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		return nil, ErrManagerClosed
	}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Connection)
	}
	m.byUser[userID][conn.ID] = conn
	m.mu.Unlock()

	m.logger.Debug("WebSocket connected", zap.String("user_id", userID), zap.String("connection_id", conn.ID))

	go m.readPump(conn)
	go m.writePump(conn)
	return conn, nil
}

func (m *Manager) remove(conn *Connection) {
	m.mu.Lock()
	if conns, ok := m.byUser[conn.UserID]; ok {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(m.byUser, conn.UserID)
		}
	}
	m.mu.Unlock()
	conn.close()
}

// readPump handles client frames until the socket fails or goes quiet past
// pongWait.
func (m *Manager) readPump(conn *Connection) {
	defer func() {
		m.remove(conn)
		conn.conn.Close()
	}()

	conn.conn.SetReadLimit(maxMessageSize)
	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("WebSocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		m.handleMessage(conn, &msg)
	}
}

// writePump is the only writer on the socket.
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) handleMessage(conn *Connection, msg *Message) {
	switch msg.Type {
	case MessageTypePresence:
		m.handlePresence(conn, msg)
	default:
		m.logger.Debug("Ignoring websocket message", zap.String("type", msg.Type))
	}
}

// handlePresence replaces the connection's topic subscriptions with
// data.topics and acknowledges with the topics actually joined.
func (m *Manager) handlePresence(conn *Connection, msg *Message) {
	topics := []string{}
	if raw, ok := msg.Data["topics"].([]interface{}); ok {
		for _, t := range raw {
			s, ok := t.(string)
			if !ok {
				continue
			}
			if !m.mayJoin(conn.UserID, s) {
				m.logger.Warn("Refused restricted topic",
					zap.String("user_id", conn.UserID),
					zap.String("connection_id", conn.ID),
					zap.String("topic", s))
				continue
			}
			topics = append(topics, s)
		}
	}
	conn.subscribe(topics)

	conn.trySend(Message{
		Type: MessageTypeStatus,
		Data: map[string]interface{}{
			"status":        "connected",
			"connection_id": conn.ID,
			"topics":        topics,
		},
		Timestamp: time.Now(),
		Channel:   "private",
		Target:    conn.UserID,
	})
}

// SendToUser delivers message to every open connection of userID.
func (m *Manager) SendToUser(userID string, message Message) error {
	message.Target = userID
	message.Channel = "private"
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sent := 0
	for _, conn := range m.byUser[userID] {
		if conn.trySend(message) {
			sent++
		}
	}
	if sent == 0 {
		return fmt.Errorf("user %s not connected", userID)
	}
	return nil
}

// SendToTopic delivers message to every connection subscribed to topic.
func (m *Manager) SendToTopic(topic string, message Message) error {
	message.Target = topic
	message.Channel = "topic"
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sent := 0
	for _, conns := range m.byUser {
		for _, conn := range conns {
			if conn.subscribed(topic) && conn.trySend(message) {
				sent++
			}
		}
	}
	if sent == 0 {
		return fmt.Errorf("no connections subscribed to %s", topic)
	}
	return nil
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.byUser {
		n += len(conns)
	}
	return n
}

// OnlineUsers returns the number of users with at least one connection.
func (m *Manager) OnlineUsers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

// Close drops every connection and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, conns := range m.byUser {
		for _, conn := range conns {
			conn.close()
		}
	}
	m.byUser = make(map[string]map[string]*Connection)
}
