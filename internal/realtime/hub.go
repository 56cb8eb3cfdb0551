package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mpro775/kleem/internal/chat"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var (
	ErrHubStopped   = errors.New("hub stopped")
	ErrMissingScope = errors.New("missing merchant scope")
)

// History is the durable store every accepted message is appended to
// before it is fanned out.
type History interface {
	CreateMessage(ctx context.Context, merchantID string, channel chat.Channel, msg chat.Message) (chat.Message, error)
}

// Inbound is one message offered to the hub, from a socket or from REST.
type Inbound struct {
	MerchantID string
	Channel    chat.Channel
	Message    chat.Message
}

type Config struct {
	// RatePerSecond and Burst bound inbound events per connection. A zero
	// RatePerSecond disables the limit.
	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger
}

// sessionKey addresses one customer session. Session ids are only unique
// within a merchant.
type sessionKey struct {
	merchantID string
	sessionID  string
}

func (k sessionKey) String() string {
	return k.merchantID + "\x00" + k.sessionID
}

type delivery struct {
	session     sessionKey
	admin       []byte
	sessionData []byte
}

type Stats struct {
	Customers int `json:"customers"`
	Agents    int `json:"agents"`
	Admins    int `json:"admins"`
}

// Hub routes messages between customer, agent and admin connections.
// Only the Run goroutine mutates the routing maps, so fan-out iteration
// never races with connect or disconnect.
type Hub struct {
	clients  map[*Client]bool
	sessions map[sessionKey]*Client
	admins   map[string]map[*Client]bool
	mu       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *delivery
	done       chan struct{}
	stopOnce   sync.Once

	history History
	locks   *sessionLocks
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
}

func NewHub(history History, cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[sessionKey]*Client),
		admins:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *delivery, 256),
		done:       make(chan struct{}),
		history:    history,
		locks:      newSessionLocks(),
		limit:      limit,
		burst:      burst,
		logger:     logger.With("component", "hub"),
	}
}

// Run owns the routing tables until ctx is cancelled, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			h.drop(client)
		}
	})
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	switch client.scope.Role {
	case RoleCustomer:
		// One live connection per session; a reconnect supersedes the old one.
		key := client.scope.sessionKey()
		if prev, ok := h.sessions[key]; ok && prev != client {
			h.drop(prev)
		}
		h.sessions[key] = client
	case RoleAdmin:
		set := h.admins[client.scope.MerchantID]
		if set == nil {
			set = make(map[*Client]bool)
			h.admins[client.scope.MerchantID] = set
		}
		set[client] = true
	}
	h.logger.Debug("client registered", "role", client.scope.Role, "merchant_id", client.scope.MerchantID, "session_id", client.scope.SessionID)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(client)
}

// drop detaches client from every table and closes its send queue.
// Callers hold h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	switch client.scope.Role {
	case RoleCustomer:
		if key := client.scope.sessionKey(); h.sessions[key] == client {
			delete(h.sessions, key)
		}
	case RoleAdmin:
		if set, ok := h.admins[client.scope.MerchantID]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.admins, client.scope.MerchantID)
			}
		}
	}
}

func (h *Hub) deliver(d *delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.admins[d.session.merchantID] {
		h.enqueue(client, d.admin)
	}
	// No backlog for disconnected customers: they catch up from history.
	if client, ok := h.sessions[d.session]; ok {
		h.enqueue(client, d.sessionData)
	}
}

func (h *Hub) enqueue(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client send queue full, disconnecting", "role", client.scope.Role, "merchant_id", client.scope.MerchantID, "session_id", client.scope.SessionID)
		h.drop(client)
	}
}

// Accept persists in.Message and fans it out: an admin_new_message to
// every admin of the merchant and a customer_message to the session's
// connection. Accepts for one session are serialized, so observers see
// them in acceptance order.
func (h *Hub) Accept(ctx context.Context, in Inbound) (chat.Message, error) {
	if in.MerchantID == "" {
		return chat.Message{}, ErrMissingScope
	}
	sessionID := in.Message.SessionID
	if sessionID == "" {
		return chat.Message{}, chat.ErrMissingSession
	}

	key := sessionKey{merchantID: in.MerchantID, sessionID: sessionID}
	h.locks.Lock(key.String())
	defer h.locks.Unlock(key.String())

	saved, err := h.history.CreateMessage(ctx, in.MerchantID, in.Channel, in.Message)
	if err != nil {
		return chat.Message{}, err
	}

	adminData, err := json.Marshal(OutgoingMessage{
		Event:   EventAdminNewMessage,
		Payload: chat.Notification{SessionID: sessionID, MerchantID: in.MerchantID, Message: saved},
	})
	if err != nil {
		return saved, errors.Wrap(err, "failed to encode admin notification")
	}
	sessionData, err := json.Marshal(OutgoingMessage{Event: EventCustomerMessage, Payload: saved})
	if err != nil {
		return saved, errors.Wrap(err, "failed to encode session message")
	}

	d := &delivery{session: key, admin: adminData, sessionData: sessionData}
	select {
	case <-h.done:
		return saved, ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- d:
	case <-h.done:
		return saved, ErrHubStopped
	case <-ctx.Done():
		// Persisted already; live delivery is best effort.
		h.logger.Warn("fan-out abandoned", "session_id", sessionID, "error", ctx.Err())
	}

	h.logger.Info("message accepted", "merchant_id", in.MerchantID, "session_id", sessionID, "role", saved.Role, "message_id", saved.ID)
	return saved, nil
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var s Stats
	for client := range h.clients {
		switch client.scope.Role {
		case RoleCustomer:
			s.Customers++
		case RoleAgent:
			s.Agents++
		case RoleAdmin:
			s.Admins++
		}
	}
	return s
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(h.limit, h.burst)
}
