package db

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mpro775/kleem/internal/chat"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrRatingNotAllowed   = errors.New("only bot messages can be rated")
	ErrFeedbackNotAllowed = errors.New("feedback requires a negative rating")
)

// Database is the message history store: the system of record for
// sessions, their ordered messages and the per-merchant widget settings.
type Database struct {
	gorm *gorm.DB
	now  func() time.Time
}

// Open opens (creating if needed) the sqlite file at path and brings the
// schema up to date.
func Open(path string) (*Database, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "unable to create database directory for %s", path)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite allows a single writer; one connection keeps inserts and their
	// sequence numbers serialized.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql handle")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := GetMigrator(gdb).Migrate(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return &Database{gorm: gdb, now: time.Now}, nil
}

func (db *Database) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateMessage persists msg under the merchant's session, creating the
// session row on first use. The returned message carries the assigned id,
// and a timestamp if msg had none.
func (db *Database) CreateMessage(ctx context.Context, merchantID string, channel chat.Channel, msg chat.Message) (chat.Message, error) {
	if merchantID == "" {
		return chat.Message{}, chat.ErrMissingMerchant
	}
	if msg.SessionID == "" {
		return chat.Message{}, chat.ErrMissingSession
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = db.now().UTC()
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if channel == "" {
		channel = chat.ChannelWebchat
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, err
	}
	if !channel.Valid() {
		return chat.Message{}, chat.ErrInvalidChannel
	}

	row := messageFromChat(merchantID, msg)
	err := db.gorm.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var session ChatSession
		err := txn.First(&session, "merchant_id = ? AND id = ?", merchantID, msg.SessionID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			session = ChatSession{MerchantID: merchantID, ID: msg.SessionID, Channel: string(channel)}
			if err := txn.Create(&session).Error; err != nil {
				return errors.Wrap(err, "failed to create session")
			}
		case err != nil:
			return errors.Wrap(err, "failed to load session")
		default:
			err := txn.Model(&ChatSession{}).
				Where("merchant_id = ? AND id = ?", merchantID, msg.SessionID).
				Update("updated_at", db.now().UTC()).Error
			if err != nil {
				return errors.Wrap(err, "failed to touch session")
			}
		}

		var maxSeq int64
		if err := txn.Model(&Message{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return errors.Wrap(err, "failed to read message sequence")
		}
		row.Seq = maxSeq + 1

		return errors.Wrap(txn.Create(&row).Error, "failed to insert message")
	})
	if err != nil {
		return chat.Message{}, err
	}

	return row.toChat(), nil
}

// GetMessages returns the merchant session's messages in (timestamp,
// insertion) order.
func (db *Database) GetMessages(ctx context.Context, merchantID, sessionID string) ([]chat.Message, error) {
	var rows []Message
	err := db.gorm.WithContext(ctx).
		Where("merchant_id = ? AND session_id = ?", merchantID, sessionID).
		Order("timestamp ASC").Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list messages of session %s", sessionID)
	}

	result := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toChat())
	}
	return result, nil
}

func (db *Database) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	row, err := db.getMessageRow(db.gorm.WithContext(ctx), id)
	if err != nil {
		return chat.Message{}, err
	}
	return row.toChat(), nil
}

func (db *Database) getMessageRow(txn *gorm.DB, id string) (Message, error) {
	var row Message
	if err := txn.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return row, ErrNotFound
		}
		return row, errors.Wrapf(err, "failed to load message %s", id)
	}
	return row, nil
}

// SetRating overwrites the rating of a bot message. A positive rating
// clears any feedback left by an earlier negative one.
func (db *Database) SetRating(ctx context.Context, id string, value int) (chat.Message, error) {
	if !chat.ValidRating(value) {
		return chat.Message{}, chat.ErrInvalidRating
	}

	var updated Message
	err := db.gorm.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		row, err := db.getMessageRow(txn, id)
		if err != nil {
			return err
		}
		if chat.Role(row.Role) != chat.RoleBot {
			return ErrRatingNotAllowed
		}

		updates := map[string]any{"rating": value}
		if value == chat.RatingPositive {
			updates["feedback"] = nil
		}
		if err := txn.Model(&row).Updates(updates).Error; err != nil {
			return errors.Wrap(err, "failed to update rating")
		}
		updated, err = db.getMessageRow(txn, id)
		return err
	})
	if err != nil {
		return chat.Message{}, err
	}
	return updated.toChat(), nil
}

func (db *Database) SetFeedback(ctx context.Context, id string, feedback string) (chat.Message, error) {
	var updated Message
	err := db.gorm.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		row, err := db.getMessageRow(txn, id)
		if err != nil {
			return err
		}
		if chat.Role(row.Role) != chat.RoleBot {
			return ErrRatingNotAllowed
		}
		if row.Rating == nil || *row.Rating != chat.RatingNegative {
			return ErrFeedbackNotAllowed
		}
		if err := txn.Model(&row).Update("feedback", feedback).Error; err != nil {
			return errors.Wrap(err, "failed to update feedback")
		}
		updated, err = db.getMessageRow(txn, id)
		return err
	})
	if err != nil {
		return chat.Message{}, err
	}
	return updated.toChat(), nil
}

func (db *Database) GetSession(ctx context.Context, merchantID, id string) (chat.Session, error) {
	var session ChatSession
	if err := db.gorm.WithContext(ctx).First(&session, "merchant_id = ? AND id = ?", merchantID, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Session{}, ErrNotFound
		}
		return chat.Session{}, errors.Wrapf(err, "failed to load session %s", id)
	}
	return session.toChat(), nil
}

// ListSessions returns the merchant's sessions, most recently active first.
func (db *Database) ListSessions(ctx context.Context, merchantID string, limit int) ([]chat.Session, error) {
	query := db.gorm.WithContext(ctx).Where("merchant_id = ?", merchantID).Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []ChatSession
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list sessions of merchant %s", merchantID)
	}

	result := make([]chat.Session, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toChat())
	}
	return result, nil
}

func (db *Database) GetWidgetConfig(ctx context.Context, merchantID string) (chat.WidgetConfig, error) {
	var row WidgetSetting
	if err := db.gorm.WithContext(ctx).First(&row, "merchant_id = ?", merchantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.WidgetConfig{}, ErrNotFound
		}
		return chat.WidgetConfig{}, errors.Wrapf(err, "failed to load widget config of merchant %s", merchantID)
	}

	cfg := chat.WidgetConfig{MerchantID: row.MerchantID, APIBaseURL: row.APIBaseURL}
	if len(row.Theme) > 0 {
		if err := json.Unmarshal(row.Theme, &cfg.Theme); err != nil {
			return chat.WidgetConfig{}, errors.Wrap(err, "failed to decode widget theme")
		}
	}
	return cfg, nil
}

func (db *Database) SaveWidgetConfig(ctx context.Context, cfg chat.WidgetConfig) error {
	theme, err := json.Marshal(cfg.Theme)
	if err != nil {
		return errors.Wrap(err, "failed to encode widget theme")
	}

	row := WidgetSetting{
		MerchantID: cfg.MerchantID,
		APIBaseURL: cfg.APIBaseURL,
		Theme:      datatypes.JSON(theme),
		UpdatedAt:  db.now().UTC(),
	}
	err = db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "merchant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_base_url", "theme", "updated_at"}),
	}).Create(&row).Error
	return errors.Wrap(err, "failed to save widget config")
}
