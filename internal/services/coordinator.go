package services

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"chattest-backend/internal/models"
)

type SessionStore interface {
	Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	SetStatus(ctx context.Context, id string, next models.SessionStatus) (*models.Session, error)
	ExtendTimer(ctx context.Context, id string, additionalSeconds int) (*models.Session, error)
	List(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error)
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

type MessageLog interface {
	Append(ctx context.Context, sessionID string, draft models.MessageDraft) (*models.Message, bool, error)
	List(ctx context.Context, sessionID string, since *time.Time) iter.Seq2[models.Message, error]
	Recent(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	CountUnread(ctx context.Context, sessionID, userID string, after time.Time) (int, error)
	DeleteSessions(ctx context.Context, sessionIDs []string) error
}

type StatusTracker interface {
	Init(ctx context.Context, sessionID string, userIDs []string) error
	ReportTyping(ctx context.Context, sessionID, userID string, isTyping bool) error
	ReportRead(ctx context.Context, sessionID, userID string, upTo time.Time) error
	IncrementUnread(ctx context.Context, sessionID string, userIDs []string) error
	Snapshot(ctx context.Context, sessionID string) (map[string]models.UserStatus, error)
	Discard(ctx context.Context, sessionID string) error
}

// Locker serializes writers of one session. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, msg models.WSMessage) error
}

type ReplyScheduler interface {
	Enqueue(ctx context.Context, job models.BotReplyJob) error
}

// SessionObserver is told about sessions that just reached a terminal status.
type SessionObserver interface {
	SessionEnded(ctx context.Context, s *models.Session, reason string)
}

const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionTimeout  = "timeout"

	ReasonCompleted = "completed"
	ReasonTimeout   = "timeout"
)

type CoordinatorDeps struct {
	Sessions  SessionStore
	Messages  MessageLog
	Statuses  StatusTracker
	Locker    Locker
	Publisher EventPublisher
	Replies   ReplyScheduler
	Observer  SessionObserver

	// HistoryLimit caps the messages returned by GetFullState.
	HistoryLimit int
}

type Coordinator struct {
	sessions     SessionStore
	messages     MessageLog
	statuses     StatusTracker
	locker       Locker
	publisher    EventPublisher
	replies      ReplyScheduler
	observer     SessionObserver
	historyLimit int
	now          func() time.Time
}

func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	c := &Coordinator{
		sessions:     deps.Sessions,
		messages:     deps.Messages,
		statuses:     deps.Statuses,
		locker:       deps.Locker,
		publisher:    deps.Publisher,
		replies:      deps.Replies,
		observer:     deps.Observer,
		historyLimit: deps.HistoryLimit,
		now:          time.Now,
	}
	if c.locker == nil {
		c.locker = NewLocalLocker()
	}
	if c.historyLimit <= 0 {
		c.historyLimit = 100
	}
	return c
}

// SetClock replaces the clock used for timer countdowns. Session statuses
// still come from the stores, so tests must give them the same clock.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// StartSession creates a pending session. The creator must be one of the
// participants unless they are an admin.
func (c *Coordinator) StartSession(ctx context.Context, creator models.Identity, cfg models.SessionConfig) (*models.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !creator.IsAdmin() && !lo.ContainsBy(cfg.Participants, func(p models.Participant) bool { return p.ID == creator.UserID }) {
		return nil, &models.ForbiddenError{
			Code:    models.CodeNotParticipant,
			Message: "Session creator must be a participant",
		}
	}

	s, err := c.sessions.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ids := lo.Map(s.Participants, func(p models.Participant, _ int) string { return p.ID })
	if err := c.statuses.Init(ctx, s.ID, ids); err != nil {
		log.Printf("session %s: presence init failed: %v", s.ID, err)
	}

	return s, nil
}

// Transition applies a client requested state change.
func (c *Coordinator) Transition(ctx context.Context, id string, caller models.Identity, action string) (*models.Session, error) {
	if _, err := c.authorize(ctx, id, caller); err != nil {
		return nil, err
	}

	switch action {
	case ActionStart:
		return c.activate(ctx, id)
	case ActionComplete:
		return c.EndSession(ctx, id, ReasonCompleted)
	case ActionTimeout:
		return c.EndSession(ctx, id, ReasonTimeout)
	default:
		return nil, &models.ValidationError{
			Message: "Invalid action",
			Fields:  map[string]string{"action": "Must be one of start, complete, timeout"},
		}
	}
}

func (c *Coordinator) activate(ctx context.Context, id string) (*models.Session, error) {
	unlock, err := c.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := c.sessions.SetStatus(ctx, id, models.StatusActive)
	if err != nil {
		return nil, err
	}

	c.publish(ctx, id, models.EventStatusChanged, models.NewTimer(s, c.now()))
	return s, nil
}

// EndSession moves a session to its terminal status. Ending a session that
// is already terminal returns it unchanged; a session whose clock ran out is
// persisted as expired whatever the reason.
func (c *Coordinator) EndSession(ctx context.Context, id, reason string) (*models.Session, error) {
	target := models.StatusCompleted
	switch reason {
	case ReasonCompleted:
	case ReasonTimeout:
		target = models.StatusExpired
	default:
		return nil, &models.ValidationError{
			Message: "Invalid end reason",
			Fields:  map[string]string{"reason": "Must be completed or timeout"},
		}
	}

	s, ended, err := c.end(ctx, id, target, reason)
	if err != nil {
		return nil, err
	}

	// observer runs unlocked; it can block on network calls
	if ended && c.observer != nil {
		c.observer.SessionEnded(ctx, s, reason)
	}
	return s, nil
}

// end persists the terminal status under the session lock. ended is false
// when the session was already terminal.
func (c *Coordinator) end(ctx context.Context, id string, target models.SessionStatus, reason string) (*models.Session, bool, error) {
	unlock, err := c.locker.Lock(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch {
	case s.StoredStatus.Terminal():
		return s, false, nil
	case s.Status == models.StatusExpired:
		target = models.StatusExpired
	case s.Status == models.StatusPending:
		return nil, false, models.ErrInvalidTransition(s.Status, target)
	}

	s, err = c.sessions.SetStatus(ctx, id, target)
	if err != nil {
		return nil, false, err
	}

	if err := c.statuses.Discard(ctx, id); err != nil {
		log.Printf("session %s: presence discard failed: %v", id, err)
	}

	c.publish(ctx, id, models.EventSessionEnded, models.SessionEndedEvent{
		SessionID: id,
		Status:    s.Status,
		Reason:    reason,
	})
	return s, true, nil
}

func (c *Coordinator) GetSession(ctx context.Context, id string, caller models.Identity) (*models.Session, error) {
	return c.authorize(ctx, id, caller)
}

func (c *Coordinator) GetTimer(ctx context.Context, id string, caller models.Identity) (models.Timer, error) {
	s, err := c.authorize(ctx, id, caller)
	if err != nil {
		return models.Timer{}, err
	}
	return models.NewTimer(s, c.now()), nil
}

func (c *Coordinator) ExtendTimer(ctx context.Context, id string, caller models.Identity, additionalSeconds int) (models.Timer, error) {
	if _, err := c.authorize(ctx, id, caller); err != nil {
		return models.Timer{}, err
	}

	unlock, err := c.locker.Lock(ctx, id)
	if err != nil {
		return models.Timer{}, err
	}
	defer unlock()

	s, err := c.sessions.ExtendTimer(ctx, id, additionalSeconds)
	if err != nil {
		return models.Timer{}, err
	}

	timer := models.NewTimer(s, c.now())
	c.publish(ctx, id, models.EventTimerExtended, timer)
	return timer, nil
}

// ListMessages returns the session history in order, optionally only the
// messages strictly after since.
func (c *Coordinator) ListMessages(ctx context.Context, id string, caller models.Identity, since *time.Time) ([]models.Message, error) {
	if _, err := c.authorize(ctx, id, caller); err != nil {
		return nil, err
	}

	messages := []models.Message{}
	for m, err := range c.messages.List(ctx, id, since) {
		if err != nil {
			return nil, err
		}
		m.IsOwn = m.SenderID == caller.UserID
		messages = append(messages, m)
	}
	return messages, nil
}

// PostMessage appends a message from caller and bumps the unread counters
// of every other participant. Retrying with the same draft ID is a no-op.
func (c *Coordinator) PostMessage(ctx context.Context, id string, caller models.Identity, draft models.MessageDraft) (*models.Message, error) {
	if strings.TrimSpace(draft.Content) == "" && draft.AttachmentURL == nil {
		return nil, &models.ValidationError{
			Message: "Message is empty",
			Fields:  map[string]string{"content": "Content or attachment is required"},
		}
	}

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sender, ok := s.Participant(caller.UserID)
	if !ok {
		return nil, models.ErrNotParticipant(caller.UserID)
	}
	draft.SenderID = sender.ID

	unlock, err := c.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	msg, inserted, err := c.messages.Append(ctx, id, draft)
	if err != nil {
		return nil, err
	}
	msg.IsOwn = msg.SenderID == caller.UserID
	if !inserted {
		return msg, nil
	}

	others := lo.FilterMap(s.Participants, func(p models.Participant, _ int) (string, bool) {
		return p.ID, p.ID != sender.ID
	})
	if err := c.statuses.IncrementUnread(ctx, id, others); err != nil {
		log.Printf("session %s: unread increment failed: %v", id, err)
	}
	if err := c.statuses.ReportTyping(ctx, id, sender.ID, false); err != nil {
		log.Printf("session %s: typing reset failed: %v", id, err)
	}

	c.publish(ctx, id, models.EventMessagePosted, msg)

	if !sender.IsBot && c.replies != nil {
		for _, bot := range s.Participants {
			if !bot.IsBot {
				continue
			}
			job := models.BotReplyJob{
				ID:               uuid.NewString(),
				SessionID:        id,
				BotID:            bot.ID,
				TriggerMessageID: msg.ID,
				CreatedAt:        c.now().UTC(),
			}
			if err := c.replies.Enqueue(ctx, job); err != nil {
				log.Printf("session %s: enqueue reply for %s failed: %v", id, bot.ID, err)
			}
		}
	}

	return msg, nil
}

// StatusReport carries the optional parts of a presence update.
type StatusReport struct {
	IsTyping *bool
	ReadUpTo *time.Time
}

// ReportStatus records typing and read receipts for caller and returns the
// caller's resulting status.
func (c *Coordinator) ReportStatus(ctx context.Context, id string, caller models.Identity, report StatusReport) (models.UserStatus, error) {
	if report.IsTyping == nil && report.ReadUpTo == nil {
		return models.UserStatus{}, &models.ValidationError{
			Message: "Nothing to report",
			Fields:  map[string]string{"isTyping": "isTyping or readUpTo is required"},
		}
	}

	s, err := c.authorize(ctx, id, caller)
	if err != nil {
		return models.UserStatus{}, err
	}
	if !s.HasParticipant(caller.UserID) {
		return models.UserStatus{}, models.ErrNotParticipant(caller.UserID)
	}
	if s.Status.Terminal() {
		return models.UserStatus{}, models.ErrSessionTerminal(s.Status)
	}

	if report.IsTyping != nil {
		if err := c.statuses.ReportTyping(ctx, id, caller.UserID, *report.IsTyping); err != nil {
			return models.UserStatus{}, err
		}
		c.publish(ctx, id, models.EventTyping, models.TypingEvent{
			SessionID: id,
			UserID:    caller.UserID,
			IsTyping:  *report.IsTyping,
		})
	}

	if report.ReadUpTo != nil {
		unlock, err := c.locker.Lock(ctx, id)
		if err != nil {
			return models.UserStatus{}, err
		}
		err = c.statuses.ReportRead(ctx, id, caller.UserID, *report.ReadUpTo)
		unlock()
		if err != nil {
			return models.UserStatus{}, err
		}
	}

	snapshot, err := c.statuses.Snapshot(ctx, id)
	if err != nil {
		return models.UserStatus{}, err
	}
	st, ok := snapshot[caller.UserID]
	if !ok {
		st = models.UserStatus{UserID: caller.UserID}
	}
	c.publish(ctx, id, models.EventStatusChanged, st)
	return st, nil
}

func (c *Coordinator) Snapshot(ctx context.Context, id string, caller models.Identity) (map[string]models.UserStatus, error) {
	if _, err := c.authorize(ctx, id, caller); err != nil {
		return nil, err
	}
	return c.statuses.Snapshot(ctx, id)
}

// GetFullState returns the session with its most recent messages and the
// presence of every participant.
func (c *Coordinator) GetFullState(ctx context.Context, id string, caller models.Identity) (*models.FullState, error) {
	s, err := c.authorize(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	state, err := c.compose(ctx, s)
	if err != nil {
		return nil, err
	}
	for i := range state.Messages {
		state.Messages[i].IsOwn = state.Messages[i].SenderID == caller.UserID
	}
	return state, nil
}

// Inspect is GetFullState without the participant check, for the admin dashboard.
func (c *Coordinator) Inspect(ctx context.Context, id string) (*models.FullState, error) {
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.compose(ctx, s)
}

func (c *Coordinator) ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &models.ValidationError{
			Message: "Invalid status filter",
			Fields:  map[string]string{"status": "Unknown session status"},
		}
	}
	sessions, err := c.sessions.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return sessions, nil
}

// RecentMessages is used by bot workers to build a conversation context.
func (c *Coordinator) RecentMessages(ctx context.Context, id string, limit int) ([]models.Message, error) {
	return c.messages.Recent(ctx, id, limit)
}

// SetTyping flags a participant as typing without publishing a status snapshot.
func (c *Coordinator) SetTyping(ctx context.Context, id, userID string, isTyping bool) {
	if err := c.statuses.ReportTyping(ctx, id, userID, isTyping); err != nil {
		log.Printf("session %s: typing report for %s failed: %v", id, userID, err)
		return
	}
	c.publish(ctx, id, models.EventTyping, models.TypingEvent{SessionID: id, UserID: userID, IsTyping: isTyping})
}

func (c *Coordinator) compose(ctx context.Context, s *models.Session) (*models.FullState, error) {
	state := &models.FullState{Session: s}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msgs, err := c.messages.Recent(gctx, s.ID, c.historyLimit)
		if err != nil {
			return fmt.Errorf("recent messages: %w", err)
		}
		state.Messages = msgs
		return nil
	})
	g.Go(func() error {
		statuses, err := c.statuses.Snapshot(gctx, s.ID)
		if err != nil {
			return fmt.Errorf("presence snapshot: %w", err)
		}
		state.Statuses = statuses
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if state.Messages == nil {
		state.Messages = []models.Message{}
	}
	if state.Statuses == nil {
		state.Statuses = map[string]models.UserStatus{}
	}
	return state, nil
}

// authorize loads the session and checks that caller may see it.
func (c *Coordinator) authorize(ctx context.Context, id string, caller models.Identity) (*models.Session, error) {
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && !s.HasParticipant(caller.UserID) {
		return nil, models.ErrNotParticipant(caller.UserID)
	}
	return s, nil
}

func (c *Coordinator) publish(ctx context.Context, sessionID, eventType string, payload interface{}) {
	if c.publisher == nil {
		return
	}
	msg := models.WSMessage{Type: eventType, Payload: payload}
	if err := c.publisher.Publish(ctx, sessionID, msg); err != nil {
		log.Printf("session %s: publish %s failed: %v", sessionID, eventType, err)
	}
}
