package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/mpro775/kleem/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *Database {
	database, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestCreateAndGetMessages(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	second, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleBot, Text: "second", Timestamp: at(20)})
	require.NoError(t, err)
	first, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "first", Timestamp: at(10)})
	require.NoError(t, err)
	tie, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleAgent, Text: "tie", Timestamp: at(20)})
	require.NoError(t, err)
	_, err = database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s2", Role: chat.RoleCustomer, Text: "other", Timestamp: at(5)})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	messages, err := database.GetMessages(ctx, "m1", "s1")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{first.ID, second.ID, tie.ID}, []string{messages[0].ID, messages[1].ID, messages[2].ID})
	assert.True(t, messages[0].Timestamp.Equal(at(10)))
}

func TestCreateMessageAssignsTimestampAndKeepsMedia(t *testing.T) {
	database := openTestDB(t)
	database.now = func() time.Time { return at(42) }

	msg, err := database.CreateMessage(context.Background(), "m1", "", chat.Message{
		SessionID: "s1",
		Role:      chat.RoleCustomer,
		Media:     &chat.Media{Kind: chat.MediaAudio, URL: "/media/a.webm", MimeType: "audio/webm"},
	})
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(at(42)))
	require.NotNil(t, msg.Media)
	assert.Equal(t, chat.MediaAudio, msg.Media.Kind)

	session, err := database.GetSession(context.Background(), "m1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "m1", session.MerchantID)
	assert.Equal(t, chat.ChannelWebchat, session.Channel)
}

func TestCreateMessageValidation(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	_, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{Role: chat.RoleCustomer, Text: "x"})
	assert.ErrorIs(t, err, chat.ErrMissingSession)

	_, err = database.CreateMessage(ctx, "", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "x"})
	assert.ErrorIs(t, err, chat.ErrMissingMerchant)

	_, err = database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: "robot", Text: "x"})
	assert.ErrorIs(t, err, chat.ErrInvalidRole)

	_, err = database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "  "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)

	_, err = database.CreateMessage(ctx, "m1", "sms", chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "x"})
	assert.ErrorIs(t, err, chat.ErrInvalidChannel)
}

func TestSessionIdsAreScopedByMerchant(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	_, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "hi m1"})
	require.NoError(t, err)
	_, err = database.CreateMessage(ctx, "m2", chat.ChannelWhatsApp, chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "hi m2"})
	require.NoError(t, err)

	m1, err := database.GetMessages(ctx, "m1", "s1")
	require.NoError(t, err)
	require.Len(t, m1, 1)
	assert.Equal(t, "hi m1", m1[0].Text)

	m2, err := database.GetMessages(ctx, "m2", "s1")
	require.NoError(t, err)
	require.Len(t, m2, 1)
	assert.Equal(t, "hi m2", m2[0].Text)

	session, err := database.GetSession(ctx, "m2", "s1")
	require.NoError(t, err)
	assert.Equal(t, chat.ChannelWhatsApp, session.Channel)

	_, err = database.GetSession(ctx, "m3", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMigrationScopesExistingSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, gormigrate.New(gdb, gormigrate.DefaultOptions, migrations()[:2]).Migrate())
	require.NoError(t, gdb.Exec("INSERT INTO chat_sessions (id, merchant_id, channel, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		"s1", "m1", "webchat", at(1), at(1)).Error)
	require.NoError(t, gdb.Exec("INSERT INTO messages (id, session_id, timestamp, seq, role, text) VALUES (?, ?, ?, ?, ?, ?)",
		"old-1", "s1", at(1), 1, "customer", "before upgrade").Error)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	database, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	messages, err := database.GetMessages(ctx, "m1", "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "old-1", messages[0].ID)

	_, err = database.CreateMessage(ctx, "m2", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "other storefront"})
	require.NoError(t, err)
	next, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleBot, Text: "after upgrade", Timestamp: at(1)})
	require.NoError(t, err)

	messages, err = database.GetMessages(ctx, "m1", "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, []string{"old-1", next.ID}, []string{messages[0].ID, messages[1].ID})

	for _, merchantID := range []string{"m1", "m2"} {
		sessions, err := database.ListSessions(ctx, merchantID, 0)
		require.NoError(t, err)
		assert.Len(t, sessions, 1, merchantID)
	}
}

func TestRatingAndFeedback(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	bot, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleBot, Text: "answer"})
	require.NoError(t, err)
	customer, err := database.CreateMessage(ctx, "m1", chat.ChannelWebchat, chat.Message{SessionID: "s1", Role: chat.RoleCustomer, Text: "question"})
	require.NoError(t, err)

	_, err = database.SetRating(ctx, customer.ID, chat.RatingPositive)
	assert.ErrorIs(t, err, ErrRatingNotAllowed)

	_, err = database.SetRating(ctx, bot.ID, 5)
	assert.ErrorIs(t, err, chat.ErrInvalidRating)

	_, err = database.SetRating(ctx, "missing", chat.RatingPositive)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.SetFeedback(ctx, bot.ID, "too early")
	assert.ErrorIs(t, err, ErrFeedbackNotAllowed)

	rated, err := database.SetRating(ctx, bot.ID, chat.RatingNegative)
	require.NoError(t, err)
	require.NotNil(t, rated.Rating)
	assert.Equal(t, chat.RatingNegative, *rated.Rating)

	withFeedback, err := database.SetFeedback(ctx, bot.ID, "wrong price")
	require.NoError(t, err)
	require.NotNil(t, withFeedback.Feedback)
	assert.Equal(t, "wrong price", *withFeedback.Feedback)

	// A later positive rating overwrites and drops the stale feedback.
	flipped, err := database.SetRating(ctx, bot.ID, chat.RatingPositive)
	require.NoError(t, err)
	assert.Equal(t, chat.RatingPositive, *flipped.Rating)
	assert.Nil(t, flipped.Feedback)
}

func TestListSessions(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	clock := at(100)
	database.now = func() time.Time { return clock }

	for _, id := range []string{"a", "b"} {
		_, err := database.CreateMessage(ctx, "m1", chat.ChannelWhatsApp, chat.Message{SessionID: id, Role: chat.RoleCustomer, Text: "hi"})
		require.NoError(t, err)
	}
	_, err := database.CreateMessage(ctx, "m2", chat.ChannelWebchat, chat.Message{SessionID: "c", Role: chat.RoleCustomer, Text: "hi"})
	require.NoError(t, err)

	sessions, err := database.ListSessions(ctx, "m1", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, "m1", s.MerchantID)
		assert.Equal(t, chat.ChannelWhatsApp, s.Channel)
	}

	limited, err := database.ListSessions(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestWidgetConfig(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	_, err := database.GetWidgetConfig(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := chat.WidgetConfig{MerchantID: "m1", APIBaseURL: "https://api.example.com", Theme: map[string]any{"brandColor": "#123456"}}
	require.NoError(t, database.SaveWidgetConfig(ctx, cfg))

	cfg.Theme["brandColor"] = "#654321"
	require.NoError(t, database.SaveWidgetConfig(ctx, cfg))

	loaded, err := database.GetWidgetConfig(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", loaded.APIBaseURL)
	assert.Equal(t, "#654321", loaded.Theme["brandColor"])
}
