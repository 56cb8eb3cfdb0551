package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mpro775/kleem/internal/chat"
	"github.com/mpro775/kleem/internal/realtime"
	"github.com/mpro775/kleem/internal/reconcile"
)

type LoadState int

const (
	LoadLoading LoadState = iota
	LoadReady
	LoadFailed
)

// SendState tracks the composer: composing -> pending -> confirmed or
// failed. A confirmed send does not put the message in the view; it shows
// up through the hub echo or the next history fetch.
type SendState int

const (
	SendComposing SendState = iota
	SendPending
	SendConfirmed
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendComposing:
		return "composing"
	case SendPending:
		return "pending"
	case SendConfirmed:
		return "confirmed"
	case SendFailed:
		return "failed"
	}
	return "unknown"
}

type Snapshot struct {
	Messages   []chat.Message
	Load       LoadState
	LoadErr    error
	Send       SendState
	SendErr    error
	Connection Status
}

type CustomerConfig struct {
	API        *API
	SocketURL  string
	MerchantID string
	Channel    chat.Channel
	Dialer     *websocket.Dialer
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
	// FetchTimeout bounds each history fetch. Zero means 30s.
	FetchTimeout time.Duration
}

// CustomerChannel is the widget side of one session: the reconciled view
// fed by history fetches and hub events, plus the composer state.
type CustomerChannel struct {
	cfg       CustomerConfig
	sessionID string
	logger    *slog.Logger

	mu       sync.Mutex
	view     *reconcile.View
	load     LoadState
	loadErr  error
	send     SendState
	sendErr  error
	inFlight int
	status   Status
	stopping bool

	updates   chan Snapshot
	conn      *Conn
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenCustomer subscribes to the hub for sessionID and starts the initial
// history fetch. The view is usable immediately and reports LoadLoading
// until the fetch lands.
func OpenCustomer(ctx context.Context, cfg CustomerConfig, sessionID string) (*CustomerChannel, error) {
	if sessionID == "" {
		return nil, chat.ErrMissingSession
	}
	if cfg.MerchantID == "" {
		return nil, realtime.ErrMissingScope
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &CustomerChannel{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger.With("merchant_id", cfg.MerchantID, "session_id", sessionID),
		view:      reconcile.NewView(),
		load:      LoadLoading,
		updates:   make(chan Snapshot, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	conn, err := Connect(ctx, ConnConfig{
		URL:        cfg.SocketURL,
		Scope:      realtime.Scope{Role: realtime.RoleCustomer, SessionID: sessionID, MerchantID: cfg.MerchantID},
		Dialer:     cfg.Dialer,
		NewBackOff: cfg.NewBackOff,
		OnEvent:    c.handleEvent,
		OnStatus:   c.handleStatus,
		Logger:     logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn

	c.spawn(c.refresh)
	return c, nil
}

// SessionIDs hands out the device's session identifier per merchant.
type SessionIDs interface {
	GetOrCreateSessionID(merchantID string) string
}

// ResumeCustomer opens the channel for the session this device already
// has with the merchant, or a new one.
func ResumeCustomer(ctx context.Context, cfg CustomerConfig, ids SessionIDs) (*CustomerChannel, error) {
	if cfg.MerchantID == "" {
		return nil, realtime.ErrMissingScope
	}
	return OpenCustomer(ctx, cfg, ids.GetOrCreateSessionID(cfg.MerchantID))
}

func (c *CustomerChannel) SessionID() string {
	return c.sessionID
}

// Updates delivers the latest snapshot after every change. Only the most
// recent snapshot is kept for a slow reader. The channel is closed by Close.
func (c *CustomerChannel) Updates() <-chan Snapshot {
	return c.updates
}

func (c *CustomerChannel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *CustomerChannel) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Messages()
}

// Refresh re-fetches history and reconciles it into the view.
func (c *CustomerChannel) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	history, err := c.cfg.API.FetchHistory(ctx, c.cfg.MerchantID, c.sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return ErrClosed
	}
	if err != nil {
		c.logger.Warn("history fetch failed", "error", err)
		if c.load != LoadReady {
			c.load = LoadFailed
			c.loadErr = err
		}
		c.notify()
		return err
	}
	c.view.Replace(history)
	c.load = LoadReady
	c.loadErr = nil
	c.notify()
	return nil
}

func (c *CustomerChannel) refresh() {
	c.Refresh(c.ctx)
}

// Send posts a draft as the customer. The caller clears its input as soon
// as Send is called; the message enters the view only once the server
// has it. Failures are kept in the snapshot until DismissError or the
// next Send, and are never retried.
func (c *CustomerChannel) Send(ctx context.Context, draft chat.Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return ErrClosed
	}
	c.send = SendPending
	c.sendErr = nil
	c.inFlight++
	c.notify()
	c.mu.Unlock()

	_, err := c.cfg.API.PostMessage(ctx, PostMessageRequest{
		MerchantID: c.cfg.MerchantID,
		SessionID:  c.sessionID,
		Channel:    c.cfg.Channel,
		Role:       chat.RoleCustomer,
		Text:       draft.Text,
		Media:      draft.Media,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.stopping {
		return err
	}
	switch {
	case err != nil:
		c.logger.Warn("send failed", "error", err)
		c.send = SendFailed
		c.sendErr = err
	case c.send == SendPending && c.inFlight == 0:
		c.send = SendConfirmed
	}
	c.notify()
	return err
}

func (c *CustomerChannel) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping || c.send != SendFailed {
		return
	}
	c.send = SendComposing
	c.sendErr = nil
	if c.inFlight > 0 {
		c.send = SendPending
	}
	c.notify()
}

// Update edits one message of the view in place and returns its previous
// value.
func (c *CustomerChannel) Update(id string, fn func(*chat.Message)) (chat.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return chat.Message{}, false
	}
	prev, ok := c.view.Update(id, fn)
	if ok {
		c.notify()
	}
	return prev, ok
}

func (c *CustomerChannel) handleEvent(ev realtime.IncomingMessage) {
	if ev.Event != realtime.EventCustomerMessage {
		if ev.Event == realtime.EventError {
			c.logger.Warn("hub reported an error", "payload", string(ev.Payload))
		}
		return
	}

	var msg chat.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		c.logger.Debug("dropping malformed message event", "error", err)
		return
	}
	if msg.SessionID != "" && msg.SessionID != c.sessionID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	if c.view.Apply(msg) {
		c.notify()
	}
}

func (c *CustomerChannel) handleStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	prev := c.status
	c.status = s
	c.notify()

	// Events pushed before this connection existed are gone; history has them.
	if s == StatusConnected && prev != StatusConnected {
		c.spawnLocked(c.refresh)
	}
}

func (c *CustomerChannel) spawn(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spawnLocked(fn)
}

func (c *CustomerChannel) spawnLocked(fn func()) {
	if c.stopping {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// notify publishes the current snapshot. Callers hold c.mu.
func (c *CustomerChannel) notify() {
	snap := c.snapshot()
	select {
	case c.updates <- snap:
		return
	default:
	}
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snap:
	default:
	}
}

func (c *CustomerChannel) snapshot() Snapshot {
	return Snapshot{
		Messages:   c.view.Messages(),
		Load:       c.load,
		LoadErr:    c.loadErr,
		Send:       c.send,
		SendErr:    c.sendErr,
		Connection: c.status,
	}
}

// Close tears the channel down: the hub connection is closed and no
// update is published once Close returns.
func (c *CustomerChannel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		c.mu.Unlock()

		c.cancel()
		c.conn.Close()
		c.wg.Wait()
		close(c.updates)
	})
}
