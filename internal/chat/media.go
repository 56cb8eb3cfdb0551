package chat

import (
	"errors"
	"fmt"
	"strings"
)

// MediaKind tags the attachment carried by a message. A message without
// media has a nil *Media rather than an empty kind.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

var ErrInvalidMedia = errors.New("invalid media")

type Media struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url"`
	MimeType string    `json:"mimeType,omitempty"`
	FileName string    `json:"fileName,omitempty"`
}

func (m Media) Validate() error {
	switch m.Kind {
	case MediaImage, MediaAudio, MediaDocument:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMedia, m.Kind)
	}
	if strings.TrimSpace(m.URL) == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidMedia)
	}
	return nil
}

// ParseMediaKind maps the loose attachment labels used by widgets
// ("pdf", "other", mime types) onto a MediaKind.
func ParseMediaKind(s string) (MediaKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "image" || strings.HasPrefix(s, "image/"):
		return MediaImage, true
	case s == "audio" || strings.HasPrefix(s, "audio/"):
		return MediaAudio, true
	case s == "document" || s == "pdf" || s == "other" || s == "file":
		return MediaDocument, true
	case strings.HasPrefix(s, "application/") || strings.HasPrefix(s, "text/"):
		return MediaDocument, true
	}
	return "", false
}
