package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mpro775/kleem/internal/chat"
	"github.com/mpro775/kleem/internal/realtime"
)

const (
	DefaultNotificationBuffer = 50
	RecentNotifications       = 10
)

// Cue is the audible alert played for each notification.
type Cue interface {
	Play() error
}

type CueFunc func() error

func (f CueFunc) Play() error {
	return f()
}

type AdminConfig struct {
	SocketURL  string
	Token      string
	Dialer     *websocket.Dialer
	NewBackOff func() backoff.BackOff
	Cue        Cue
	// BufferSize caps the notifications kept for Recent. Zero means
	// DefaultNotificationBuffer.
	BufferSize int
	Logger     *slog.Logger
}

// AdminChannel receives admin_new_message events for one merchant. Its
// buffer lives and dies with the subscription.
type AdminChannel struct {
	merchantID     string
	onNotification func(chat.Notification)
	cue            Cue
	logger         *slog.Logger

	mu       sync.Mutex
	buffer   []chat.Notification
	start    int
	size     int
	unread   int
	stopping bool

	conn      *Conn
	closeOnce sync.Once
}

// SubscribeAdmin opens the merchant-scoped admin connection. onNotification
// runs on the connection goroutine for every accepted event and must not
// call Unsubscribe.
func SubscribeAdmin(ctx context.Context, cfg AdminConfig, merchantID string, onNotification func(chat.Notification)) (*AdminChannel, error) {
	if merchantID == "" {
		return nil, realtime.ErrMissingScope
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultNotificationBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := newAdminChannel(merchantID, size, cfg.Cue, onNotification, logger)
	conn, err := Connect(ctx, ConnConfig{
		URL:        cfg.SocketURL,
		Scope:      realtime.Scope{Role: realtime.RoleAdmin, MerchantID: merchantID, Token: cfg.Token},
		Dialer:     cfg.Dialer,
		NewBackOff: cfg.NewBackOff,
		OnEvent:    a.handleEvent,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return a, nil
}

func newAdminChannel(merchantID string, size int, cue Cue, onNotification func(chat.Notification), logger *slog.Logger) *AdminChannel {
	return &AdminChannel{
		merchantID:     merchantID,
		onNotification: onNotification,
		cue:            cue,
		logger:         logger.With("merchant_id", merchantID),
		buffer:         make([]chat.Notification, size),
	}
}

func (a *AdminChannel) Status() Status {
	if a.conn == nil {
		return StatusClosed
	}
	return a.conn.Status()
}

func (a *AdminChannel) handleEvent(ev realtime.IncomingMessage) {
	if ev.Event != realtime.EventAdminNewMessage {
		return
	}

	var n chat.Notification
	if err := json.Unmarshal(ev.Payload, &n); err != nil {
		a.logger.Debug("dropping malformed notification", "error", err)
		return
	}
	if n.SessionID == "" || n.Message.Validate() != nil {
		a.logger.Debug("dropping incomplete notification", "session_id", n.SessionID)
		return
	}
	if n.MerchantID != "" && n.MerchantID != a.merchantID {
		return
	}

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.push(n)
	a.mu.Unlock()

	if a.onNotification != nil {
		a.onNotification(n)
	}
	a.playCue()
}

func (a *AdminChannel) playCue() {
	if a.cue == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("notification cue panicked", "error", fmt.Sprint(r))
		}
	}()
	if err := a.cue.Play(); err != nil {
		a.logger.Warn("notification cue failed", "error", err)
	}
}

// push appends to the ring, overwriting the oldest entry when full.
// Callers hold a.mu.
func (a *AdminChannel) push(n chat.Notification) {
	capacity := len(a.buffer)
	if a.size < capacity {
		a.buffer[(a.start+a.size)%capacity] = n
		a.size++
	} else {
		a.buffer[a.start] = n
		a.start = (a.start + 1) % capacity
	}
	a.unread++
}

// Recent returns up to limit notifications, newest first.
func (a *AdminChannel) Recent(limit int) []chat.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > a.size {
		limit = a.size
	}
	out := make([]chat.Notification, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.start + a.size - 1 - i) % len(a.buffer)
		n := a.buffer[idx]
		n.Message = n.Message.Clone()
		out = append(out, n)
	}
	return out
}

// Unread counts notifications received since the last MarkRead, including
// ones already evicted from the buffer.
func (a *AdminChannel) Unread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

func (a *AdminChannel) MarkRead() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unread = 0
}

// Unsubscribe closes the connection and discards the buffer. No
// onNotification call starts after it returns.
func (a *AdminChannel) Unsubscribe() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.stopping = true
		a.mu.Unlock()

		if a.conn != nil {
			a.conn.Close()
		}

		a.mu.Lock()
		a.buffer = nil
		a.start, a.size, a.unread = 0, 0, 0
		a.mu.Unlock()
	})
}
