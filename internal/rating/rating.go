// Package rating records customer ratings and feedback on bot answers.
// The view is updated before the history service answers and is restored
// if the call fails.
package rating

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/mpro775/kleem/internal/chat"
)

var (
	ErrNotRatable          = errors.New("only bot messages can be rated")
	ErrNotPersisted        = errors.New("message has not been saved yet")
	ErrEmptyFeedback       = errors.New("feedback is empty")
	ErrFeedbackNeedsRating = errors.New("feedback follows a negative rating")
)

type API interface {
	Rate(ctx context.Context, messageID string, value int) (chat.Message, error)
	Feedback(ctx context.Context, messageID, feedback string) (chat.Message, error)
}

// View is the reconciled message list the rating is reflected in.
type View interface {
	Update(id string, fn func(*chat.Message)) (chat.Message, bool)
}

type Capture struct {
	api    API
	view   View
	logger *slog.Logger

	// latest holds, per message id, the operation that owns the view's
	// rating and feedback. An older call finishing late leaves them alone.
	mu     sync.Mutex
	latest map[string]uint64
	nextOp uint64
}

func NewCapture(api API, view View, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		api:    api,
		view:   view,
		logger: logger.With("component", "rating"),
		latest: make(map[string]uint64),
	}
}

type Result struct {
	Message chat.Message
	// PromptFeedback is set for negative ratings. Feedback stays optional.
	PromptFeedback bool
	// Unchanged means the message already had this rating and no call
	// was made.
	Unchanged bool
}

func (c *Capture) Rate(ctx context.Context, msg chat.Message, value int) (Result, error) {
	if !chat.ValidRating(value) {
		return Result{}, chat.ErrInvalidRating
	}
	if msg.Role != chat.RoleBot {
		return Result{}, ErrNotRatable
	}
	if !msg.Persisted() {
		return Result{}, ErrNotPersisted
	}
	if msg.Rating != nil && *msg.Rating == value {
		return Result{Message: msg, Unchanged: true}, nil
	}

	op := c.begin(msg.ID)
	prev, inView := c.view.Update(msg.ID, func(m *chat.Message) {
		v := value
		m.Rating = &v
		if value == chat.RatingPositive {
			m.Feedback = nil
		}
	})

	saved, err := c.api.Rate(ctx, msg.ID, value)
	current := c.finish(msg.ID, op)
	if err != nil {
		c.logger.Warn("rating failed", "message_id", msg.ID, "superseded", !current, "error", err)
		if inView && current {
			c.restore(prev)
		}
		return Result{}, err
	}

	if current {
		c.confirm(saved)
	}
	return Result{Message: saved, PromptFeedback: value == chat.RatingNegative}, nil
}

// Feedback attaches free text to a negatively rated bot message.
func (c *Capture) Feedback(ctx context.Context, msg chat.Message, text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrEmptyFeedback
	}
	if msg.Role != chat.RoleBot {
		return chat.Message{}, ErrNotRatable
	}
	if !msg.Persisted() {
		return chat.Message{}, ErrNotPersisted
	}
	if msg.Rating == nil || *msg.Rating != chat.RatingNegative {
		return chat.Message{}, ErrFeedbackNeedsRating
	}

	op := c.begin(msg.ID)
	prev, inView := c.view.Update(msg.ID, func(m *chat.Message) {
		m.Feedback = &text
	})

	saved, err := c.api.Feedback(ctx, msg.ID, text)
	current := c.finish(msg.ID, op)
	if err != nil {
		c.logger.Warn("feedback failed", "message_id", msg.ID, "superseded", !current, "error", err)
		if inView && current {
			c.restore(prev)
		}
		return chat.Message{}, err
	}

	if current {
		c.confirm(saved)
	}
	return saved, nil
}

func (c *Capture) begin(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOp++
	c.latest[id] = c.nextOp
	return c.nextOp
}

// finish reports whether op is still the latest call for id.
func (c *Capture) finish(id string, op uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest[id] != op {
		return false
	}
	delete(c.latest, id)
	return true
}

func (c *Capture) restore(prev chat.Message) {
	prev = prev.Clone()
	c.view.Update(prev.ID, func(m *chat.Message) {
		m.Rating = prev.Rating
		m.Feedback = prev.Feedback
	})
}

func (c *Capture) confirm(saved chat.Message) {
	saved = saved.Clone()
	c.view.Update(saved.ID, func(m *chat.Message) {
		m.Rating = saved.Rating
		m.Feedback = saved.Feedback
	})
}
