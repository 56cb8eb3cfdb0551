package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lithammer/shortuuid/v4"
	"github.com/mpro775/kleem/internal/chat"
)

const (
	maxUploadBytes = 25 << 20
	mediaRoute     = "/media/"
)

// firstFileFromMultipart returns the first file part regardless of field name (even name="").
func firstFileFromMultipart(r *http.Request) (*multipart.Part, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, fmt.Errorf("missing multipart boundary")
	}

	mr := multipart.NewReader(r.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("no file in multipart form")
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() == "" {
			continue
		}
		return part, nil
	}
}

// UploadMedia stores an attachment under a fresh opaque name and returns
// the Media a message can carry. The body is either multipart (first file
// part wins) or the raw file with ?fileName= naming it.
func (h *Handler) UploadMedia(r *http.Request) (any, error) {
	if err := h.uploads.Acquire(r.Context(), 1); err != nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "upload cancelled: %w", err)
	}
	defer h.uploads.Release(1)

	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	var (
		src      io.Reader
		fileName = r.URL.Query().Get("fileName")
		mimeType string
	)
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		part, err := firstFileFromMultipart(r)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "failed to read multipart file: %w", err)
		}
		defer part.Close()
		src = part
		fileName = part.FileName()
		mimeType = part.Header.Get("Content-Type")
	} else {
		src = r.Body
		mimeType = contentType
	}

	fileName = path.Base(filepath.ToSlash(strings.TrimSpace(fileName)))
	if fileName == "." || fileName == "/" {
		fileName = ""
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			mimeType = byExt
		}
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	kind, ok := chat.ParseMediaKind(r.URL.Query().Get("kind"))
	if !ok {
		kind, ok = chat.ParseMediaKind(mimeType)
	}
	if !ok {
		kind = chat.MediaDocument
	}

	if err := os.MkdirAll(h.StorageDir, 0755); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "unable to create storage dir: %w", err)
	}

	name := shortuuid.New() + ext
	fullPath := filepath.Join(h.StorageDir, name)
	dst, err := os.Create(fullPath)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "unable to create media file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(fullPath)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "media exceeds %d bytes", maxUploadBytes)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to store media: %w", err)
	}

	slog.Info("media stored", "name", name, "kind", kind, "mime_type", mimeType)

	if fileName == "" {
		fileName = name
	}
	return chat.Media{
		Kind:     kind,
		URL:      mediaRoute + name,
		MimeType: mimeType,
		FileName: fileName,
	}, nil
}

func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}

	fullPath := filepath.Join(h.StorageDir, name)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, fullPath)
}
