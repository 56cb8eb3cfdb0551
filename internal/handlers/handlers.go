package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mpro775/kleem/internal/chat"
	"github.com/mpro775/kleem/internal/db"
	"github.com/mpro775/kleem/internal/realtime"
	"golang.org/x/sync/semaphore"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 200
	maxParallelUploads  = 4
)

type Handler struct {
	DB         *db.Database
	Hub        *realtime.Hub
	Verifier   realtime.ScopeVerifier
	StorageDir string

	uploads *semaphore.Weighted
}

func New(database *db.Database, hub *realtime.Hub, verifier realtime.ScopeVerifier, storageDir string) *Handler {
	return &Handler{
		DB:         database,
		Hub:        hub,
		Verifier:   verifier,
		StorageDir: storageDir,
		uploads:    semaphore.NewWeighted(maxParallelUploads),
	}
}

// NewRouter mounts the REST API, media and websocket endpoints behind the
// shared middleware stack.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h.AddRoutes(r)
	return r
}

func (h *Handler) AddRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", RestHandler(h.Health))
		r.Get("/sessions/{sessionId}/messages", RestHandler(h.GetMessages))
		r.Post("/messages", RestHandler(h.CreateMessage))
		r.Patch("/messages/{messageId}/rating", RestHandler(h.RateMessage))
		r.Patch("/messages/{messageId}/feedback", RestHandler(h.SetFeedback))
		r.Route("/merchants/{merchantId}", func(r chi.Router) {
			r.Post("/agent-reply", RestHandler(h.AgentReply))
			r.Get("/sessions", RestHandler(h.ListSessions))
		})
		r.Get("/widget/{merchantId}", RestHandler(h.GetWidgetConfig))
		r.Put("/widget/{merchantId}", RestHandler(h.SaveWidgetConfig))
		r.Post("/media", RestHandler(h.UploadMedia))
	})
	r.Get("/media/{name}", h.ServeMedia)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		realtime.ServeWs(h.Hub, h.Verifier, w, r)
	})
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Connections realtime.Stats `json:"connections"`
}

func (h *Handler) Health(r *http.Request) (any, error) {
	return HealthResponse{Status: "ok", Connections: h.Hub.Stats()}, nil
}

// GetMessages returns one session's history. Session ids are only unique
// per merchant, so ?merchantId= is required.
func (h *Handler) GetMessages(r *http.Request) (any, error) {
	sessionID, err := URLParam(r, "sessionId")
	if err != nil {
		return nil, err
	}
	merchantID := strings.TrimSpace(r.URL.Query().Get("merchantId"))
	if merchantID == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "merchantId is required")
	}

	messages, err := h.DB.GetMessages(r.Context(), merchantID, sessionID)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading messages: %w", err)
	}
	return messages, nil
}

type CreateMessageRequest struct {
	MerchantID string       `json:"merchantId"`
	SessionID  string       `json:"sessionId"`
	Channel    chat.Channel `json:"channel"`
	Role       chat.Role    `json:"role"`
	Text       string       `json:"text"`
	Media      *chat.Media  `json:"media"`
}

// CreateMessage accepts a message into the hub. Customers post anonymously
// into their own session; bot and agent turns need the merchant token.
func (h *Handler) CreateMessage(r *http.Request) (any, error) {
	req, err := ParseRequest[CreateMessageRequest](r)
	if err != nil {
		return nil, err
	}

	if req.MerchantID == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "merchantId is required")
	}
	if req.Role == "" {
		req.Role = chat.RoleCustomer
	}
	if req.Role != chat.RoleCustomer {
		if err := h.authorize(r, req.MerchantID); err != nil {
			return nil, err
		}
	}

	return h.accept(r, req.MerchantID, req.Channel, chat.Message{
		SessionID: strings.TrimSpace(req.SessionID),
		Role:      req.Role,
		Text:      req.Text,
		Media:     req.Media,
	})
}

type AgentReplyRequest struct {
	SessionID string       `json:"sessionId"`
	Text      string       `json:"text"`
	Channel   chat.Channel `json:"channel"`
	AgentID   string       `json:"agentId"`
	Media     *chat.Media  `json:"media"`
}

func (h *Handler) AgentReply(r *http.Request) (any, error) {
	merchantID, err := URLParam(r, "merchantId")
	if err != nil {
		return nil, err
	}
	if err := h.authorize(r, merchantID); err != nil {
		return nil, err
	}

	req, err := ParseRequest[AgentReplyRequest](r)
	if err != nil {
		return nil, err
	}

	slog.Info("agent reply", "merchant_id", merchantID, "session_id", req.SessionID, "agent_id", req.AgentID)

	return h.accept(r, merchantID, req.Channel, chat.Message{
		SessionID: strings.TrimSpace(req.SessionID),
		Role:      chat.RoleAgent,
		Text:      req.Text,
		Media:     req.Media,
	})
}

func (h *Handler) accept(r *http.Request, merchantID string, channel chat.Channel, msg chat.Message) (chat.Message, error) {
	msg.Timestamp = time.Now().UTC()
	if msg.SessionID == "" {
		return chat.Message{}, CodedErrorf(http.StatusBadRequest, "sessionId is required")
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, CodedError(http.StatusBadRequest, err)
	}

	saved, err := h.Hub.Accept(r.Context(), realtime.Inbound{MerchantID: merchantID, Channel: channel, Message: msg})
	if err != nil {
		return chat.Message{}, acceptError(err)
	}
	return saved, nil
}

func acceptError(err error) error {
	switch {
	case errors.Is(err, realtime.ErrHubStopped):
		return CodedError(http.StatusServiceUnavailable, err)
	case errors.Is(err, realtime.ErrMissingScope),
		errors.Is(err, chat.ErrMissingSession),
		errors.Is(err, chat.ErrMissingMerchant),
		errors.Is(err, chat.ErrInvalidRole),
		errors.Is(err, chat.ErrInvalidChannel),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidMedia):
		return CodedError(http.StatusBadRequest, err)
	}
	return CodedErrorf(http.StatusInternalServerError, "error saving message: %w", err)
}

type RatingRequest struct {
	Value *int `json:"value"`
}

func (h *Handler) RateMessage(r *http.Request) (any, error) {
	messageID, err := URLParam(r, "messageId")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[RatingRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Value == nil || !chat.ValidRating(*req.Value) {
		return nil, CodedError(http.StatusBadRequest, chat.ErrInvalidRating)
	}

	msg, err := h.DB.SetRating(r.Context(), messageID, *req.Value)
	if err != nil {
		return nil, ratingError(messageID, err)
	}
	return msg, nil
}

type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

func (h *Handler) SetFeedback(r *http.Request) (any, error) {
	messageID, err := URLParam(r, "messageId")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[FeedbackRequest](r)
	if err != nil {
		return nil, err
	}
	feedback := strings.TrimSpace(req.Feedback)
	if feedback == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "feedback must not be empty")
	}

	msg, err := h.DB.SetFeedback(r.Context(), messageID, feedback)
	if err != nil {
		return nil, ratingError(messageID, err)
	}
	return msg, nil
}

func ratingError(messageID string, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return CodedErrorf(http.StatusNotFound, "message %v not found", messageID)
	case errors.Is(err, chat.ErrInvalidRating):
		return CodedError(http.StatusBadRequest, err)
	case errors.Is(err, db.ErrRatingNotAllowed):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.Is(err, db.ErrFeedbackNotAllowed):
		return CodedError(http.StatusConflict, err)
	}
	return CodedErrorf(http.StatusInternalServerError, "error updating message %v: %w", messageID, err)
}

func (h *Handler) ListSessions(r *http.Request) (any, error) {
	merchantID, err := URLParam(r, "merchantId")
	if err != nil {
		return nil, err
	}
	if err := h.authorize(r, merchantID); err != nil {
		return nil, err
	}

	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid limit '%v'", raw)
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := h.DB.ListSessions(r.Context(), merchantID, limit)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing sessions: %w", err)
	}
	return sessions, nil
}

// GetWidgetConfig serves the widget bootstrap. Merchants that never saved
// a configuration get one pointing at this server.
func (h *Handler) GetWidgetConfig(r *http.Request) (any, error) {
	merchantID, err := URLParam(r, "merchantId")
	if err != nil {
		return nil, err
	}

	cfg, err := h.DB.GetWidgetConfig(r.Context(), merchantID)
	if errors.Is(err, db.ErrNotFound) {
		return chat.WidgetConfig{MerchantID: merchantID, APIBaseURL: baseURL(r)}, nil
	}
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading widget config: %w", err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = baseURL(r)
	}
	return cfg, nil
}

func (h *Handler) SaveWidgetConfig(r *http.Request) (any, error) {
	merchantID, err := URLParam(r, "merchantId")
	if err != nil {
		return nil, err
	}
	if err := h.authorize(r, merchantID); err != nil {
		return nil, err
	}

	cfg, err := ParseRequest[chat.WidgetConfig](r)
	if err != nil {
		return nil, err
	}
	cfg.MerchantID = merchantID

	if err := h.DB.SaveWidgetConfig(r.Context(), cfg); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error saving widget config: %w", err)
	}
	return cfg, nil
}

// authorize checks the merchant token sent in X-Merchant-Token or as a
// bearer token.
func (h *Handler) authorize(r *http.Request, merchantID string) error {
	token := r.Header.Get("X-Merchant-Token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if h.Verifier == nil || !h.Verifier.Verify(merchantID, token) {
		return CodedErrorf(http.StatusForbidden, "not authorized for merchant %v", merchantID)
	}
	return nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
