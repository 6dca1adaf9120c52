package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"chattest-backend/internal/models"
)

// UnreadCounter is the part of the message log presence needs for read receipts.
type UnreadCounter interface {
	CountUnread(ctx context.Context, sessionID, userID string, after time.Time) (int, error)
}

type presenceEntry struct {
	typingAt   time.Time
	unread     int
	lastReadAt *time.Time
	updatedAt  time.Time
}

// MemoryPresenceRepo tracks typing and unread state in process memory.
type MemoryPresenceRepo struct {
	mu        sync.RWMutex
	entries   map[string]map[string]*presenceEntry
	counter   UnreadCounter
	typingTTL time.Duration
	now       func() time.Time
}

func NewMemoryPresenceRepo(counter UnreadCounter, typingTTL time.Duration) *MemoryPresenceRepo {
	return &MemoryPresenceRepo{
		entries:   make(map[string]map[string]*presenceEntry),
		counter:   counter,
		typingTTL: typingTTL,
		now:       time.Now,
	}
}

func (r *MemoryPresenceRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryPresenceRepo) Init(ctx context.Context, sessionID string, userIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	for _, id := range userIDs {
		r.entryLocked(sessionID, id, now)
	}
	return nil
}

func (r *MemoryPresenceRepo) ReportTyping(ctx context.Context, sessionID, userID string, isTyping bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	e := r.entryLocked(sessionID, userID, now)
	if isTyping {
		e.typingAt = now
	} else {
		e.typingAt = time.Time{}
	}
	e.updatedAt = now
	return nil
}

func (r *MemoryPresenceRepo) ReportRead(ctx context.Context, sessionID, userID string, upTo time.Time) error {
	unread, err := r.counter.CountUnread(ctx, sessionID, userID, upTo)
	if err != nil {
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	e := r.entryLocked(sessionID, userID, now)
	e.unread = unread
	readAt := upTo.UTC()
	e.lastReadAt = &readAt
	e.updatedAt = now
	return nil
}

func (r *MemoryPresenceRepo) IncrementUnread(ctx context.Context, sessionID string, userIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	for _, id := range userIDs {
		e := r.entryLocked(sessionID, id, now)
		e.unread++
		e.updatedAt = now
	}
	return nil
}

func (r *MemoryPresenceRepo) Snapshot(ctx context.Context, sessionID string) (map[string]models.UserStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make(map[string]models.UserStatus, len(r.entries[sessionID]))
	for userID, e := range r.entries[sessionID] {
		out[userID] = models.UserStatus{
			UserID:      userID,
			IsTyping:    typingActive(e.typingAt, now, r.typingTTL),
			UnreadCount: e.unread,
			LastReadAt:  e.lastReadAt,
			UpdatedAt:   e.updatedAt,
		}
	}
	return out, nil
}

func (r *MemoryPresenceRepo) Discard(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
	return nil
}

func (r *MemoryPresenceRepo) entryLocked(sessionID, userID string, now time.Time) *presenceEntry {
	users, ok := r.entries[sessionID]
	if !ok {
		users = make(map[string]*presenceEntry)
		r.entries[sessionID] = users
	}
	e, ok := users[userID]
	if !ok {
		e = &presenceEntry{updatedAt: now}
		users[userID] = e
	}
	return e
}

// typingActive treats a typing report as stale once ttl has passed without
// a fresh heartbeat.
func typingActive(typingAt, now time.Time, ttl time.Duration) bool {
	if typingAt.IsZero() {
		return false
	}
	return ttl <= 0 || now.Sub(typingAt) < ttl
}
