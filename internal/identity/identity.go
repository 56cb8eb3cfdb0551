// Package identity derives the stable per-merchant session id of one
// customer device and keeps it across restarts.
package identity

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const keyPrefix = "chat_session_"

func sessionKey(merchantID string) string {
	return keyPrefix + merchantID
}

// Store hands out session ids. When the KV fails the id is kept in memory
// only and lives as long as the Store does.
type Store struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time
	last   atomic.Int64

	mu        sync.Mutex
	ephemeral map[string]string
}

func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:        kv,
		logger:    logger,
		now:       time.Now,
		ephemeral: make(map[string]string),
	}
}

// GetOrCreateSessionID returns the merchant's session id for this device,
// generating and persisting one on first use.
func (s *Store) GetOrCreateSessionID(merchantID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.ephemeral[merchantID]; ok {
		return id
	}

	key := sessionKey(merchantID)
	id, found, err := s.kv.Get(key)
	if err != nil {
		s.logger.Warn("session identity storage unavailable, using ephemeral id", "merchant_id", merchantID, "error", err)
		return s.degrade(merchantID)
	}
	if found && id != "" {
		return id
	}

	id = s.newID()
	if err := s.kv.Set(key, id); err != nil {
		s.logger.Warn("failed to persist session id, continuing with ephemeral id", "merchant_id", merchantID, "error", err)
		s.ephemeral[merchantID] = id
		return id
	}
	return id
}

// Degraded reports whether the merchant's id only lives in memory.
func (s *Store) Degraded(merchantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ephemeral[merchantID]
	return ok
}

func (s *Store) degrade(merchantID string) string {
	id := s.newID()
	s.ephemeral[merchantID] = id
	return id
}

// newID is a nanosecond timestamp, bumped when the clock has not moved
// since the previous id.
func (s *Store) newID() string {
	for {
		last := s.last.Load()
		next := s.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if s.last.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}
