package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	now := time.Unix(100, 0)
	negative, invalid := RatingNegative, 5

	tests := []struct {
		name string
		msg  Message
		err  error
	}{
		{"text", Message{Role: RoleCustomer, Text: "hi", Timestamp: now}, nil},
		{"media only", Message{Role: RoleAgent, Timestamp: now, Media: &Media{Kind: MediaAudio, URL: "/media/a.ogg"}}, nil},
		{"rated bot", Message{Role: RoleBot, Text: "x", Timestamp: now, Rating: &negative}, nil},
		{"unknown role", Message{Role: "system", Text: "hi", Timestamp: now}, ErrInvalidRole},
		{"blank", Message{Role: RoleCustomer, Text: "  ", Timestamp: now}, ErrEmptyMessage},
		{"media without url", Message{Role: RoleCustomer, Timestamp: now, Media: &Media{Kind: MediaImage}}, ErrInvalidMedia},
		{"bad rating", Message{Role: RoleBot, Text: "x", Timestamp: now, Rating: &invalid}, ErrInvalidRating},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}

	assert.Error(t, Message{Role: RoleCustomer, Text: "hi"}.Validate(), "zero timestamp")
}

func TestDraftValidate(t *testing.T) {
	assert.ErrorIs(t, Draft{Text: " \n"}.Validate(), ErrEmptyMessage)
	assert.NoError(t, Draft{Text: "hello"}.Validate())
	assert.NoError(t, Draft{Media: &Media{Kind: MediaDocument, URL: "/media/x.pdf"}}.Validate())
	assert.ErrorIs(t, Draft{Media: &Media{Kind: "video", URL: "/media/x.mp4"}}.Validate(), ErrInvalidMedia)
}

func TestParseMediaKind(t *testing.T) {
	for in, want := range map[string]MediaKind{
		"image":           MediaImage,
		"image/png":       MediaImage,
		"audio/webm":      MediaAudio,
		"pdf":             MediaDocument,
		"other":           MediaDocument,
		"application/pdf": MediaDocument,
	} {
		got, ok := ParseMediaKind(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseMediaKind("video/mp4")
	assert.False(t, ok)
}

func TestCloneSharesNoPointers(t *testing.T) {
	rating := RatingPositive
	feedback := "ok"
	orig := Message{ID: "1", Role: RoleBot, Text: "x", Timestamp: time.Unix(1, 0), Media: &Media{Kind: MediaImage, URL: "/a"}, Rating: &rating, Feedback: &feedback}

	c := orig.Clone()
	*c.Rating = RatingNegative
	*c.Feedback = "changed"
	c.Media.URL = "/b"

	assert.Equal(t, RatingPositive, *orig.Rating)
	assert.Equal(t, "ok", *orig.Feedback)
	assert.Equal(t, "/a", orig.Media.URL)
}
