package db

import (
	"log/slog"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "1",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(&sessionV1{}, &messageV1{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&messageV1{}, &sessionV1{})
			},
		},
		{
			ID: "2",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(&WidgetSetting{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&WidgetSetting{})
			},
		},
		{
			ID:       "3",
			Migrate:  scopeSessionsByMerchant,
			Rollback: unscopeSessionsByMerchant,
		},
	}
}

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, migrations())

	migrator.InitSchema(func(txn *gorm.DB) error {
		// A clean database skips the sequential migrations and gets the
		// latest schema directly.
		slog.Info("clean database detected, running full schema initialization")
		return txn.AutoMigrate(&ChatSession{}, &Message{}, &WidgetSetting{})
	})

	return migrator
}

// Schemas as of the migration that introduced them, frozen so later model
// changes do not alter what an old migration does.

type sessionV1 struct {
	ID         string `gorm:"primaryKey"`
	MerchantID string `gorm:"index;not null"`
	Channel    string `gorm:"size:20;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (sessionV1) TableName() string { return "chat_sessions" }

type messageV1 struct {
	ID        string    `gorm:"primaryKey"`
	SessionID string    `gorm:"index:idx_session_order,priority:1;not null"`
	Timestamp time.Time `gorm:"index:idx_session_order,priority:2;not null"`
	Seq       int64     `gorm:"index:idx_session_order,priority:3;not null"`
	Role      string    `gorm:"size:20;not null"`
	Text      string
	MediaKind string `gorm:"size:20"`
	MediaURL  string
	MimeType  string
	FileName  string
	Rating    *int
	Feedback  *string
}

func (messageV1) TableName() string { return "messages" }

type sessionV3 struct {
	MerchantID string `gorm:"primaryKey"`
	ID         string `gorm:"primaryKey"`
	Channel    string `gorm:"size:20;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (sessionV3) TableName() string { return "chat_sessions_v3" }

type sessionV2 struct {
	ID         string `gorm:"primaryKey"`
	MerchantID string `gorm:"index;not null"`
	Channel    string `gorm:"size:20;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (sessionV2) TableName() string { return "chat_sessions_v2" }

type messageV3 struct {
	MerchantID string `gorm:"not null;default:''"`
}

func (messageV3) TableName() string { return "messages" }

// scopeSessionsByMerchant rekeys sessions by (merchant_id, id) and copies
// the owning merchant onto every message row.
func scopeSessionsByMerchant(txn *gorm.DB) error {
	m := txn.Migrator()
	if err := m.CreateTable(&sessionV3{}); err != nil {
		return errors.Wrap(err, "migration 3: create sessions table")
	}
	err := txn.Exec(`INSERT INTO chat_sessions_v3 (merchant_id, id, channel, created_at, updated_at)
		SELECT merchant_id, id, channel, created_at, updated_at FROM chat_sessions`).Error
	if err != nil {
		return errors.Wrap(err, "migration 3: copy sessions")
	}
	if err := m.DropTable("chat_sessions"); err != nil {
		return errors.Wrap(err, "migration 3: drop old sessions table")
	}
	if err := m.RenameTable("chat_sessions_v3", "chat_sessions"); err != nil {
		return errors.Wrap(err, "migration 3: rename sessions table")
	}

	if err := m.AddColumn(&messageV3{}, "MerchantID"); err != nil {
		return errors.Wrap(err, "migration 3: add messages.merchant_id")
	}
	err = txn.Exec(`UPDATE messages SET merchant_id = COALESCE(
		(SELECT merchant_id FROM chat_sessions WHERE chat_sessions.id = messages.session_id), '')`).Error
	if err != nil {
		return errors.Wrap(err, "migration 3: backfill messages.merchant_id")
	}
	if err := txn.Exec("DROP INDEX IF EXISTS idx_session_order").Error; err != nil {
		return errors.Wrap(err, "migration 3: drop session order index")
	}
	err = txn.Exec("CREATE INDEX idx_merchant_session_order ON messages (merchant_id, session_id, timestamp, seq)").Error
	return errors.Wrap(err, "migration 3: create merchant session order index")
}

// unscopeSessionsByMerchant fails if two merchants already share a
// session id.
func unscopeSessionsByMerchant(txn *gorm.DB) error {
	m := txn.Migrator()
	if err := m.CreateTable(&sessionV2{}); err != nil {
		return errors.Wrap(err, "rollback 3: create sessions table")
	}
	err := txn.Exec(`INSERT INTO chat_sessions_v2 (id, merchant_id, channel, created_at, updated_at)
		SELECT id, merchant_id, channel, created_at, updated_at FROM chat_sessions`).Error
	if err != nil {
		return errors.Wrap(err, "rollback 3: copy sessions")
	}
	if err := m.DropTable("chat_sessions"); err != nil {
		return errors.Wrap(err, "rollback 3: drop sessions table")
	}
	if err := m.RenameTable("chat_sessions_v2", "chat_sessions"); err != nil {
		return errors.Wrap(err, "rollback 3: rename sessions table")
	}

	if err := txn.Exec("DROP INDEX IF EXISTS idx_merchant_session_order").Error; err != nil {
		return errors.Wrap(err, "rollback 3: drop merchant session order index")
	}
	if err := m.DropColumn(&messageV3{}, "MerchantID"); err != nil {
		return errors.Wrap(err, "rollback 3: drop messages.merchant_id")
	}
	err = txn.Exec("CREATE INDEX idx_session_order ON messages (session_id, timestamp, seq)").Error
	return errors.Wrap(err, "rollback 3: create session order index")
}
