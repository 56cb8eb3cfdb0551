package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mpro775/kleem/internal/chat"
	"github.com/pkg/errors"
)

// APIError is a non-2xx answer from the history service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("history service returned %d: %s", e.StatusCode, e.Message)
}

// API is a client for the history service REST endpoints.
type API struct {
	client *resty.Client
}

type APIOption func(*resty.Client)

// WithMerchantToken authenticates privileged calls (agent replies, bot
// messages, session listing) for one merchant.
func WithMerchantToken(token string) APIOption {
	return func(c *resty.Client) {
		c.SetHeader("X-Merchant-Token", token)
	}
}

func WithTimeout(timeout time.Duration) APIOption {
	return func(c *resty.Client) {
		c.SetTimeout(timeout)
	}
}

func NewAPI(baseURL string, opts ...APIOption) *API {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(client)
	}
	return &API{client: client}
}

type PostMessageRequest struct {
	MerchantID string       `json:"merchantId"`
	SessionID  string       `json:"sessionId"`
	Channel    chat.Channel `json:"channel,omitempty"`
	Role       chat.Role    `json:"role"`
	Text       string       `json:"text,omitempty"`
	Media      *chat.Media  `json:"media,omitempty"`
}

type AgentReplyRequest struct {
	SessionID string       `json:"sessionId"`
	Text      string       `json:"text,omitempty"`
	Channel   chat.Channel `json:"channel,omitempty"`
	AgentID   string       `json:"agentId,omitempty"`
	Media     *chat.Media  `json:"media,omitempty"`
}

func (a *API) FetchHistory(ctx context.Context, merchantID, sessionID string) ([]chat.Message, error) {
	var messages []chat.Message
	req := a.client.R().
		SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		SetQueryParam("merchantId", merchantID).
		SetResult(&messages)
	if err := a.do(req, http.MethodGet, "/api/sessions/{sessionId}/messages"); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *API) PostMessage(ctx context.Context, body PostMessageRequest) (chat.Message, error) {
	var msg chat.Message
	req := a.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&msg)
	if err := a.do(req, http.MethodPost, "/api/messages"); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (a *API) Rate(ctx context.Context, messageID string, value int) (chat.Message, error) {
	var msg chat.Message
	req := a.client.R().
		SetContext(ctx).
		SetPathParam("messageId", messageID).
		SetBody(map[string]int{"value": value}).
		SetResult(&msg)
	if err := a.do(req, http.MethodPatch, "/api/messages/{messageId}/rating"); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (a *API) Feedback(ctx context.Context, messageID, feedback string) (chat.Message, error) {
	var msg chat.Message
	req := a.client.R().
		SetContext(ctx).
		SetPathParam("messageId", messageID).
		SetBody(map[string]string{"feedback": feedback}).
		SetResult(&msg)
	if err := a.do(req, http.MethodPatch, "/api/messages/{messageId}/feedback"); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (a *API) AgentReply(ctx context.Context, merchantID string, body AgentReplyRequest) (chat.Message, error) {
	var msg chat.Message
	req := a.client.R().
		SetContext(ctx).
		SetPathParam("merchantId", merchantID).
		SetBody(body).
		SetResult(&msg)
	if err := a.do(req, http.MethodPost, "/api/merchants/{merchantId}/agent-reply"); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (a *API) WidgetConfig(ctx context.Context, merchantID string) (chat.WidgetConfig, error) {
	var cfg chat.WidgetConfig
	req := a.client.R().
		SetContext(ctx).
		SetPathParam("merchantId", merchantID).
		SetResult(&cfg)
	if err := a.do(req, http.MethodGet, "/api/widget/{merchantId}"); err != nil {
		return chat.WidgetConfig{}, err
	}
	return cfg, nil
}

func (a *API) do(req *resty.Request, method, path string) error {
	var body struct {
		Error string `json:"error"`
	}
	res, err := req.SetError(&body).Execute(method, path)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	if res.IsError() {
		msg := body.Error
		if msg == "" {
			msg = res.Status()
		}
		return &APIError{StatusCode: res.StatusCode(), Message: msg}
	}
	return nil
}
