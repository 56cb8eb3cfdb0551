package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleBot      Role = "bot"
	RoleAgent    Role = "agent"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleBot, RoleAgent:
		return true
	}
	return false
}

// Channel is the delivery surface a session was opened on.
type Channel string

const (
	ChannelWebchat  Channel = "webchat"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWebchat, ChannelWhatsApp, ChannelTelegram:
		return true
	}
	return false
}

const (
	RatingNegative = 0
	RatingPositive = 1
)

var (
	ErrInvalidRole     = errors.New("invalid message role")
	ErrInvalidChannel  = errors.New("invalid channel")
	ErrEmptyMessage    = errors.New("message has neither text nor media")
	ErrMissingSession  = errors.New("missing session id")
	ErrMissingMerchant = errors.New("missing merchant id")
	ErrInvalidRating   = errors.New("rating must be 0 or 1")
)

// Message is one turn in a session. ID is empty until the history store
// has persisted it.
type Message struct {
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Media     *Media    `json:"media,omitempty"`
	Rating    *int      `json:"rating"`
	Feedback  *string   `json:"feedback"`
}

func (m Message) Persisted() bool {
	return m.ID != ""
}

func (m Message) HasContent() bool {
	return strings.TrimSpace(m.Text) != "" || m.Media != nil
}

// Validate checks the fields every message must carry to enter a view or
// the history store.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	if m.Timestamp.IsZero() {
		return errors.New("message has no timestamp")
	}
	if !m.HasContent() {
		return ErrEmptyMessage
	}
	if m.Media != nil {
		if err := m.Media.Validate(); err != nil {
			return err
		}
	}
	if m.Rating != nil && !ValidRating(*m.Rating) {
		return ErrInvalidRating
	}
	return nil
}

func ValidRating(v int) bool {
	return v == RatingNegative || v == RatingPositive
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.Media != nil {
		media := *m.Media
		out.Media = &media
	}
	if m.Rating != nil {
		v := *m.Rating
		out.Rating = &v
	}
	if m.Feedback != nil {
		f := *m.Feedback
		out.Feedback = &f
	}
	return out
}

// Draft is what a customer composes before the server has seen it.
type Draft struct {
	Text  string `json:"text"`
	Media *Media `json:"media,omitempty"`
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.Text) == "" && d.Media == nil {
		return ErrEmptyMessage
	}
	if d.Media != nil {
		return d.Media.Validate()
	}
	return nil
}
