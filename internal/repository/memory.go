package repository

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chattest-backend/internal/models"
)

// MemorySessionRepo keeps sessions in process memory. It is used with
// STORAGE_DRIVER=memory and by tests.
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	now      func() time.Time
}

func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}
}

// SetClock replaces the wall clock used for derived expiry.
func (r *MemorySessionRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemorySessionRepo) Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	s := &models.Session{
		ID:               uuid.NewString(),
		StoredStatus:     models.StatusPending,
		TimeLimitSeconds: cfg.TimeLimitSeconds,
		Participants:     normalizeParticipants(cfg.Participants),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.sessions[s.ID] = s

	return cloneSession(s).Resolve(now), nil
}

func (r *MemorySessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound(id)
	}
	return cloneSession(s).Resolve(r.now()), nil
}

func (r *MemorySessionRepo) SetStatus(ctx context.Context, id string, next models.SessionStatus) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound(id)
	}

	now := r.now().UTC()
	if err := s.CheckTransition(next, now); err != nil {
		return nil, err
	}

	s.StoredStatus = next
	s.UpdatedAt = now
	switch {
	case next == models.StatusActive:
		s.StartedAt = &now
	case next.Terminal():
		s.EndedAt = &now
	}

	return cloneSession(s).Resolve(now), nil
}

func (r *MemorySessionRepo) ExtendTimer(ctx context.Context, id string, additionalSeconds int) (*models.Session, error) {
	if additionalSeconds <= 0 {
		return nil, &models.ValidationError{
			Message: "Invalid timer extension",
			Fields:  map[string]string{"additionalSeconds": "Must be greater than zero"},
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound(id)
	}

	now := r.now().UTC()
	if status := s.EffectiveStatus(now); status != models.StatusActive {
		return nil, models.ErrSessionNotActive(status)
	}

	s.TimeLimitSeconds += additionalSeconds
	s.UpdatedAt = now

	return cloneSession(s).Resolve(now), nil
}

func (r *MemorySessionRepo) List(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []*models.Session
	for _, s := range r.sessions {
		if filter.Status != "" && s.EffectiveStatus(now) != filter.Status {
			continue
		}
		out = append(out, cloneSession(s).Resolve(now))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *MemorySessionRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []string
	for id, s := range r.sessions {
		if endedBefore(s, cutoff) {
			delete(r.sessions, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

func endedBefore(s *models.Session, cutoff time.Time) bool {
	if s.EndedAt != nil {
		return s.EndedAt.Before(cutoff)
	}
	if s.StoredStatus == models.StatusActive {
		if exp := s.ExpiresAt(); exp != nil && exp.Before(cutoff) {
			return true
		}
	}
	return false
}

type sessionGetter interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// MemoryMessageRepo is the in-memory message log.
type MemoryMessageRepo struct {
	mu       sync.RWMutex
	sessions sessionGetter
	messages map[string][]models.Message
	seq      int64
	now      func() time.Time
}

func NewMemoryMessageRepo(sessions sessionGetter) *MemoryMessageRepo {
	return &MemoryMessageRepo{
		sessions: sessions,
		messages: make(map[string][]models.Message),
		now:      time.Now,
	}
}

func (r *MemoryMessageRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryMessageRepo) Append(ctx context.Context, sessionID string, draft models.MessageDraft) (*models.Message, bool, error) {
	s, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := appendable(s); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.messages[sessionID]
	if draft.ID != "" {
		if existing, ok := lo.Find(log, func(m models.Message) bool { return m.ID == draft.ID }); ok {
			if existing.SenderID != draft.SenderID {
				return nil, false, models.ErrMessageIDTaken(draft.ID)
			}
			return &existing, false, nil
		}
	}

	r.seq++
	msg := models.Message{
		ID:            draft.ID,
		SessionID:     sessionID,
		SenderID:      draft.SenderID,
		Content:       draft.Content,
		AttachmentURL: draft.AttachmentURL,
		Timestamp:     r.now().UTC(),
		Seq:           r.seq,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	log = append(log, msg)
	if n := len(log); n > 1 && msg.Before(log[n-2]) {
		sort.SliceStable(log, func(i, j int) bool { return log[i].Before(log[j]) })
	}
	r.messages[sessionID] = log

	return &msg, true, nil
}

// List yields a snapshot taken when iteration starts; ranging again sees
// messages appended in between.
func (r *MemoryMessageRepo) List(ctx context.Context, sessionID string, since *time.Time) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		r.mu.RLock()
		snapshot := slices.Clone(r.messages[sessionID])
		r.mu.RUnlock()

		for _, m := range snapshot {
			if since != nil && !m.Timestamp.After(*since) {
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (r *MemoryMessageRepo) Recent(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.messages[sessionID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return slices.Clone(log), nil
}

func (r *MemoryMessageRepo) CountUnread(ctx context.Context, sessionID, userID string, after time.Time) (int, error) {
	if _, err := r.sessions.Get(ctx, sessionID); err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.CountBy(r.messages[sessionID], func(m models.Message) bool {
		return m.SenderID != userID && m.Timestamp.After(after)
	}), nil
}

func (r *MemoryMessageRepo) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range sessionIDs {
		delete(r.messages, id)
	}
	return nil
}

// appendable rejects sessions that are not accepting messages.
func appendable(s *models.Session) error {
	switch {
	case s.Status.Terminal():
		return models.ErrSessionTerminal(s.Status)
	case s.Status != models.StatusActive:
		return models.ErrSessionNotActive(s.Status)
	}
	return nil
}

func normalizeParticipants(in []models.Participant) []models.Participant {
	return lo.Map(in, func(p models.Participant, _ int) models.Participant {
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		return p
	})
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
