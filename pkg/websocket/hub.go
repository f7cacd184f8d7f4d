package websocket

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gidigo",
		Subsystem: "websocket",
		Name:      "connected_clients",
		Help:      "Open websocket connections.",
	})
	droppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gidigo",
		Subsystem: "websocket",
		Name:      "dropped_messages_total",
		Help:      "Outbound messages dropped because the hub queue was full.",
	})
)

// MessageHandler handles one inbound message type.
type MessageHandler func(ctx context.Context, client *Client, msg *Message)

// ConnectionFunc observes a user's first connection or last disconnection.
type ConnectionFunc func(ctx context.Context, userID, role string)

type userMessage struct {
	userID string
	msg    *Message
}

// Hub tracks connected clients per user and fans messages out to them.
// Registration is synchronous; delivery to users runs on the Run loop so
// senders never wait on a slow socket.
type Hub struct {
	broadcast chan userMessage
	logger    *zap.Logger

	mu           sync.RWMutex
	ctx          context.Context
	clients      map[string]*Client
	users        map[string]map[string]*Client
	handlers     map[string]MessageHandler
	onConnect    ConnectionFunc
	onDisconnect ConnectionFunc
	fallback     MessageHandler
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcast: make(chan userMessage, 1024),
		logger:    logger.Named("websocket"),
		ctx:       context.Background(),
		clients:   make(map[string]*Client),
		users:     make(map[string]map[string]*Client),
		handlers:  make(map[string]MessageHandler),
	}
}

// Run delivers queued messages until ctx is done, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	h.logger.Info("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("websocket hub stopped")
			return
		case um := <-h.broadcast:
			h.deliver(um)
		}
	}
}

// OnConnect runs fn when a user opens their first connection.
func (h *Hub) OnConnect(fn ConnectionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

// OnDisconnect runs fn when a user's last connection closes.
func (h *Hub) OnDisconnect(fn ConnectionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// RegisterHandler registers a message handler for a specific type
func (h *Hub) RegisterHandler(msgType string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// HandleUnknown sets the handler for message types nobody registered.
func (h *Hub) HandleUnknown(handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback = handler
}

// Register adds client. The user's connect hook runs before Register returns.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	set, ok := h.users[client.UserID]
	if !ok {
		set = make(map[string]*Client)
		h.users[client.UserID] = set
	}
	set[client.ID] = client
	first := len(set) == 1
	hook, ctx := h.onConnect, h.ctx
	h.mu.Unlock()

	connectedClients.Inc()
	client.logger.Debug("client registered", zap.String("role", client.Role))
	if first && hook != nil {
		hook(ctx, client.UserID, client.Role)
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)
	last := false
	if set, ok := h.users[client.UserID]; ok {
		delete(set, client.ID)
		if len(set) == 0 {
			delete(h.users, client.UserID)
			last = true
		}
	}
	hook, ctx := h.onDisconnect, h.ctx
	h.mu.Unlock()

	client.close()
	connectedClients.Dec()
	client.logger.Debug("client unregistered")
	if last && hook != nil {
		hook(ctx, client.UserID, client.Role)
	}
}

// HandleMessage routes an inbound message to its handler.
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	handler, ok := h.handlers[msg.Type]
	if !ok {
		handler = h.fallback
	}
	ctx := h.ctx
	h.mu.RUnlock()

	if handler == nil {
		client.logger.Debug("no handler for message type", zap.String("type", msg.Type))
		return
	}
	handler(ctx, client, msg)
}

// SendToUser queues msg for every connection of userID. It never blocks; a
// full queue drops the message.
func (h *Hub) SendToUser(userID string, msg *Message) bool {
	select {
	case h.broadcast <- userMessage{userID: userID, msg: msg}:
		return true
	default:
		droppedMessages.Inc()
		h.logger.Warn("hub queue full, dropping message",
			zap.String("user_id", userID),
			zap.String("type", msg.Type),
		)
		return false
	}
}

// Connected reports whether userID has at least one open connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(um userMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[um.userID]))
	for _, c := range h.users[um.userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.SendMessage(um.msg)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
