package realtime

import (
	"encoding/json"

	"github.com/mpro775/kleem/internal/chat"
)

const (
	// EventCustomerMessage carries one session turn: inbound from a tagged
	// connection, outbound to the session's customer connection.
	EventCustomerMessage = "customer_message"
	// EventAdminNewMessage fans an accepted message out to the merchant's
	// admin observers.
	EventAdminNewMessage = "admin_new_message"
	// EventError tells the sender its last event was refused.
	EventError = "error"
)

type IncomingMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type OutgoingMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// MessageEvent is the customer_message payload sent by clients.
type MessageEvent struct {
	chat.Message
	Channel chat.Channel `json:"channel,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeMalformed   = "MALFORMED_EVENT"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeForbidden   = "FORBIDDEN"
	ErrCodeRejected    = "REJECTED"
)
