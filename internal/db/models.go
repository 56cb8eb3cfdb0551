package db

import (
	"time"

	"github.com/mpro775/kleem/internal/chat"
	"gorm.io/datatypes"
)

// ChatSession ids are only unique per merchant: two storefronts can hand
// out the same id, so the merchant is part of the key.
type ChatSession struct {
	MerchantID string `gorm:"primaryKey"`
	ID         string `gorm:"primaryKey"`
	Channel    string `gorm:"size:20;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message rows are ordered by (Timestamp, Seq). Seq is assigned on insert
// and breaks ties between messages created in the same instant.
type Message struct {
	ID         string    `gorm:"primaryKey"`
	MerchantID string    `gorm:"index:idx_merchant_session_order,priority:1;not null;default:''"`
	SessionID  string    `gorm:"index:idx_merchant_session_order,priority:2;not null"`
	Timestamp  time.Time `gorm:"index:idx_merchant_session_order,priority:3;not null"`
	Seq        int64     `gorm:"index:idx_merchant_session_order,priority:4;not null"`
	Role       string    `gorm:"size:20;not null"`
	Text       string
	MediaKind  string `gorm:"size:20"`
	MediaURL   string
	MimeType   string
	FileName   string
	Rating     *int
	Feedback   *string
}

type WidgetSetting struct {
	MerchantID string `gorm:"primaryKey"`
	APIBaseURL string
	Theme      datatypes.JSON
	UpdatedAt  time.Time
}

func (m Message) toChat() chat.Message {
	out := chat.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      chat.Role(m.Role),
		Text:      m.Text,
		Timestamp: m.Timestamp.UTC(),
		Rating:    m.Rating,
		Feedback:  m.Feedback,
	}
	if m.MediaKind != "" {
		out.Media = &chat.Media{
			Kind:     chat.MediaKind(m.MediaKind),
			URL:      m.MediaURL,
			MimeType: m.MimeType,
			FileName: m.FileName,
		}
	}
	return out
}

func messageFromChat(merchantID string, msg chat.Message) Message {
	row := Message{
		ID:         msg.ID,
		MerchantID: merchantID,
		SessionID:  msg.SessionID,
		Timestamp:  msg.Timestamp.UTC(),
		Role:       string(msg.Role),
		Text:       msg.Text,
		Rating:     msg.Rating,
		Feedback:   msg.Feedback,
	}
	if msg.Media != nil {
		row.MediaKind = string(msg.Media.Kind)
		row.MediaURL = msg.Media.URL
		row.MimeType = msg.Media.MimeType
		row.FileName = msg.Media.FileName
	}
	return row
}

func (s ChatSession) toChat() chat.Session {
	return chat.Session{
		ID:         s.ID,
		MerchantID: s.MerchantID,
		Channel:    chat.Channel(s.Channel),
		CreatedAt:  s.CreatedAt.UTC(),
		UpdatedAt:  s.UpdatedAt.UTC(),
	}
}
