package realtime

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

type ConnRole string

const (
	RoleCustomer ConnRole = "customer"
	RoleAgent    ConnRole = "agent"
	RoleAdmin    ConnRole = "admin"
)

// Scope is the connection tag taken from the handshake query.
type Scope struct {
	Role       ConnRole
	SessionID  string
	MerchantID string
	Token      string
}

func (s Scope) sessionKey() sessionKey {
	return sessionKey{merchantID: s.MerchantID, sessionID: s.SessionID}
}

var (
	ErrUnknownRole    = errors.New("unknown connection role")
	ErrMissingSession = errors.New("customer connections need a sessionId")
	ErrForbiddenScope = errors.New("merchant scope not authorized")
)

// ParseScope reads role, sessionId, merchantId and token from the
// handshake query.
func ParseScope(q url.Values) (Scope, error) {
	s := Scope{
		Role:       ConnRole(strings.ToLower(strings.TrimSpace(q.Get("role")))),
		SessionID:  strings.TrimSpace(q.Get("sessionId")),
		MerchantID: strings.TrimSpace(q.Get("merchantId")),
		Token:      q.Get("token"),
	}
	if s.Role == "" {
		s.Role = RoleCustomer
	}

	switch s.Role {
	case RoleCustomer:
		if s.SessionID == "" {
			return s, ErrMissingSession
		}
	case RoleAgent, RoleAdmin:
	default:
		return s, ErrUnknownRole
	}
	if s.MerchantID == "" {
		return s, ErrMissingScope
	}
	return s, nil
}

// ScopeVerifier decides whether a privileged (agent or admin) connection
// may act for a merchant.
type ScopeVerifier interface {
	Verify(merchantID, token string) bool
}

// TokenVerifier checks a static merchant -> token table. An empty table
// refuses every privileged scope.
type TokenVerifier map[string]string

func (t TokenVerifier) Verify(merchantID, token string) bool {
	if merchantID == "" {
		return false
	}
	want, ok := t[merchantID]
	return ok && want != "" && want == token
}

// AllowAllVerifier accepts any non-empty merchant scope without a token.
// It is meant for local development only.
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(merchantID, _ string) bool {
	return merchantID != ""
}

// NewVerifier picks the verifier for the server: the token table, or
// AllowAllVerifier when insecure is set.
func NewVerifier(tokens map[string]string, insecure bool) ScopeVerifier {
	if insecure {
		return AllowAllVerifier{}
	}
	return TokenVerifier(tokens)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The widget is embedded on merchant storefronts of any origin.
		return true
	},
}

// ServeWs upgrades an HTTP request into a hub connection. Handshakes with
// a malformed or unauthorized scope are refused before the upgrade.
func ServeWs(hub *Hub, verifier ScopeVerifier, w http.ResponseWriter, r *http.Request) {
	scope, err := ParseScope(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if scope.Role != RoleCustomer && (verifier == nil || !verifier.Verify(scope.MerchantID, scope.Token)) {
		hub.logger.Warn("privileged connection refused", "role", scope.Role, "merchant_id", scope.MerchantID)
		http.Error(w, ErrForbiddenScope.Error(), http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		scope:   scope,
		limiter: hub.newLimiter(),
		logger:  hub.logger.With("role", scope.Role, "merchant_id", scope.MerchantID, "session_id", scope.SessionID),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
