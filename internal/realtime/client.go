package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mpro775/kleem/internal/chat"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Time allowed for one inbound message to be persisted.
	acceptTimeout = 15 * time.Second
)

// Client is one websocket connection and the scope it was opened with.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	scope   Scope
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.replyError(ErrCodeMalformed, "event is not valid JSON")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg IncomingMessage) {
	switch msg.Event {
	case EventCustomerMessage:
		if !c.limiter.Allow() {
			c.replyError(ErrCodeRateLimited, "too many messages")
			return
		}
		in, ok := c.inbound(msg.Payload)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
		defer cancel()
		if _, err := c.hub.Accept(ctx, in); err != nil {
			c.logger.Warn("message rejected", "error", err)
			c.replyError(ErrCodeRejected, err.Error())
		}
	default:
		c.replyError(ErrCodeMalformed, "unknown event "+msg.Event)
	}
}

// inbound scopes a customer_message payload to what this connection may
// speak for. Customers only write their own session as role customer;
// agents write agent or bot turns into any session of their merchant.
func (c *Client) inbound(payload json.RawMessage) (Inbound, bool) {
	var ev MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.replyError(ErrCodeMalformed, "payload is not a message")
		return Inbound{}, false
	}

	msg := ev.Message
	msg.ID = ""
	msg.Rating = nil
	msg.Feedback = nil
	// The hub's clock orders a session, not the sender's.
	msg.Timestamp = time.Now().UTC()

	switch c.scope.Role {
	case RoleCustomer:
		msg.SessionID = c.scope.SessionID
		msg.Role = chat.RoleCustomer
	case RoleAgent:
		if msg.Role == "" {
			msg.Role = chat.RoleAgent
		}
		if msg.Role != chat.RoleAgent && msg.Role != chat.RoleBot {
			c.replyError(ErrCodeForbidden, "agents may only send agent or bot messages")
			return Inbound{}, false
		}
		if msg.SessionID == "" {
			c.replyError(ErrCodeMalformed, "missing sessionId")
			return Inbound{}, false
		}
	default:
		c.replyError(ErrCodeForbidden, "admin connections are receive-only")
		return Inbound{}, false
	}

	if err := msg.Validate(); err != nil {
		c.replyError(ErrCodeMalformed, err.Error())
		return Inbound{}, false
	}

	return Inbound{MerchantID: c.scope.MerchantID, Channel: ev.Channel, Message: msg}, true
}

func (c *Client) replyError(code, message string) {
	data, err := json.Marshal(OutgoingMessage{Event: EventError, Payload: ErrorPayload{Code: code, Message: message}})
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
