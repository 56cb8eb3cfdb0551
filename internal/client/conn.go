package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mpro775/kleem/internal/realtime"
)

const (
	writeWait = 10 * time.Second

	// The hub pings every 54s; anything quieter than this is a dead link.
	readWait = 90 * time.Second

	maxMessageSize = 256 * 1024
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrClosed       = errors.New("channel closed")
)

type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

type ConnConfig struct {
	// URL is the hub endpoint, e.g. ws://host:8000/ws. The scope is added
	// as query parameters on every (re)connect.
	URL        string
	Scope      realtime.Scope
	Dialer     *websocket.Dialer
	NewBackOff func() backoff.BackOff
	// OnEvent and OnStatus run on the connection goroutine, one at a time.
	// They must not call Close.
	OnEvent  func(realtime.IncomingMessage)
	OnStatus func(Status)
	Logger   *slog.Logger
}

// Conn is a hub connection that redials with backoff until closed.
type Conn struct {
	cfg    ConnConfig
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	status atomic.Int32
	mu     sync.Mutex
	ws     *websocket.Conn

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func ScopeURL(base string, scope realtime.Scope) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	q.Set("role", string(scope.Role))
	q.Set("merchantId", scope.MerchantID)
	if scope.SessionID != "" {
		q.Set("sessionId", scope.SessionID)
	}
	if scope.Token != "" {
		q.Set("token", scope.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Connect starts the connection loop and returns without waiting for the
// first dial.
func Connect(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	target, err := ScopeURL(cfg.URL, cfg.Scope)
	if err != nil {
		return nil, err
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = DefaultBackOff
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		cfg:    cfg,
		url:    target,
		dialer: dialer,
		logger: logger.With("role", cfg.Scope.Role, "merchant_id", cfg.Scope.MerchantID, "session_id", cfg.Scope.SessionID),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *Conn) Status() Status {
	return Status(c.status.Load())
}

func (c *Conn) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.setStatus(StatusClosed)

	b := c.cfg.NewBackOff()
	for {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			c.logger.Error("hub refused connection", "error", permanent.Err)
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("giving up reconnecting", "error", err)
			return
		}
		c.logger.Warn("hub connection lost, reconnecting", "error", err, "backoff", wait)
		c.setStatus(StatusReconnecting)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it drops.
func (c *Conn) session(ctx context.Context, b backoff.BackOff) error {
	ws, res, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusForbidden) {
			return backoff.Permanent(err)
		}
		return err
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	b.Reset()
	c.setStatus(StatusConnected)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(readWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var ev realtime.IncomingMessage
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
			c.logger.Debug("dropping malformed hub event", "error", err)
			continue
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
	}
}

// Send writes one event on the live connection. Nothing is queued while
// disconnected.
func (c *Conn) Send(event string, payload any) error {
	data, err := json.Marshal(realtime.OutgoingMessage{Event: event, Payload: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close stops reconnecting, closes the socket and waits until no callback
// is running or will run again.
func (c *Conn) Close() {
	c.closeOnce.Do(c.cancel)
	<-c.done
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}
