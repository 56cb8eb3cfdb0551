package chat

import "time"

type Session struct {
	ID         string    `json:"sessionId"`
	MerchantID string    `json:"merchantId"`
	Channel    Channel   `json:"channel"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Notification is the admin-facing projection of a message accepted by
// the hub.
type Notification struct {
	SessionID  string  `json:"sessionId"`
	MerchantID string  `json:"merchantId,omitempty"`
	Message    Message `json:"message"`
}

// WidgetConfig is stored and served verbatim for the embeddable widget.
// Theme holds whatever display fields the dashboard saved.
type WidgetConfig struct {
	MerchantID string         `json:"merchantId"`
	APIBaseURL string         `json:"apiBaseUrl"`
	Theme      map[string]any `json:"theme,omitempty"`
}
