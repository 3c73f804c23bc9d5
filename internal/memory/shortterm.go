// Package memory implements the layered memory subsystem: per-session
// short-term buffers, persistent searchable long-term storage, personality
// learning and the retrieval engine that ties them together.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aide/internal/store"
)

// Item is a single buffered message.
type Item struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Timestamp time.Time
	ExpiresAt time.Time
	Metadata  map[string]any
}

// sessionBuffer is the FIFO buffer for one session.
type sessionBuffer struct {
	mu    sync.Mutex
	items []Item
	seq   int
}

// ShortTerm holds recent conversation context per session. Buffers evict
// FIFO past the message cap and drop entries past their TTL. Messages are
// also written through to the memory_short_term table for inspection.
type ShortTerm struct {
	maxMessages int
	ttl         time.Duration
	store       *store.Store
	log         *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionBuffer
}

// NewShortTerm creates the short-term buffer manager.
func NewShortTerm(maxMessages, expireAfterSec int, st *store.Store, log *zap.Logger) *ShortTerm {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if expireAfterSec <= 0 {
		expireAfterSec = 3600
	}
	return &ShortTerm{
		maxMessages: maxMessages,
		ttl:         time.Duration(expireAfterSec) * time.Second,
		store:       st,
		log:         log.Named("memory.short"),
		sessions:    make(map[string]*sessionBuffer),
	}
}

func (s *ShortTerm) buffer(sessionID string) *sessionBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.sessions[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		s.sessions[sessionID] = buf
	}
	return buf
}

// Add appends a message to the session's buffer, evicting expired entries
// and the oldest message when over the cap. The database write-through is
// best-effort.
func (s *ShortTerm) Add(ctx context.Context, sessionID, role, content string, metadata map[string]any) Item {
	buf := s.buffer(sessionID)

	buf.mu.Lock()
	now := time.Now()
	buf.seq++
	item := Item{
		ID:        fmt.Sprintf("short_%s_%d", sessionID, buf.seq),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: now,
		ExpiresAt: now.Add(s.ttl),
		Metadata:  metadata,
	}
	buf.items = append(buf.items, item)
	buf.items = pruneExpired(buf.items, now)
	if len(buf.items) > s.maxMessages {
		evicted := buf.items[0]
		buf.items = buf.items[1:]
		s.log.Debug("evicted short-term message", zap.String("id", evicted.ID))
	}
	buf.mu.Unlock()

	if s.store != nil {
		meta, _ := json.Marshal(metadata)
		if metadata == nil {
			meta = []byte("{}")
		}
		if _, err := s.store.Insert(ctx, "memory_short_term", map[string]any{
			"session_id": sessionID,
			"role":       role,
			"content":    content,
			"metadata":   string(meta),
		}); err != nil {
			s.log.Warn("short-term write-through failed", zap.Error(err))
		}
	}
	return item
}

// All returns every non-expired message for a session, oldest first.
func (s *ShortTerm) All(sessionID string) []Item {
	buf := s.buffer(sessionID)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	buf.items = pruneExpired(buf.items, time.Now())
	out := make([]Item, len(buf.items))
	copy(out, buf.items)
	return out
}

// ByRole returns non-expired messages with the given role.
func (s *ShortTerm) ByRole(sessionID, role string) []Item {
	var out []Item
	for _, item := range s.All(sessionID) {
		if item.Role == role {
			out = append(out, item)
		}
	}
	return out
}

// Context formats the most recent messages as "ROLE: content" lines.
// limit <= 0 includes everything.
func (s *ShortTerm) Context(sessionID string, limit int) string {
	items := s.All(sessionID)
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}

	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = strings.ToUpper(item.Role) + ": " + item.Content
	}
	return strings.Join(lines, "\n")
}

// Clear drops a session's buffer and returns the number of live items
// removed. Entries already dead by TTL are not counted.
func (s *ShortTerm) Clear(sessionID string) int {
	buf := s.buffer(sessionID)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	buf.items = pruneExpired(buf.items, time.Now())
	count := len(buf.items)
	buf.items = nil
	s.log.Info("cleared short-term memory", zap.String("session_id", sessionID), zap.Int("items", count))
	return count
}

// Stats reports the buffer composition for a session.
func (s *ShortTerm) Stats(sessionID string) map[string]int {
	items := s.All(sessionID)
	stats := map[string]int{"total_items": len(items)}
	for _, item := range items {
		stats[item.Role+"_messages"]++
	}
	return stats
}

func pruneExpired(items []Item, now time.Time) []Item {
	kept := items[:0]
	for _, item := range items {
		if item.ExpiresAt.After(now) {
			kept = append(kept, item)
		}
	}
	return kept
}
