package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chattest-backend/internal/models"
	"chattest-backend/internal/repository"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.WSMessage
}

func (p *recordingPublisher) Publish(ctx context.Context, sessionID string, msg models.WSMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []models.BotReplyJob
}

func (s *recordingScheduler) Enqueue(ctx context.Context, job models.BotReplyJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

type recordingObserver struct {
	mu    sync.Mutex
	ended []string
}

func (o *recordingObserver) SessionEnded(ctx context.Context, s *models.Session, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, s.ID+":"+string(s.Status)+":"+reason)
}

type fixture struct {
	coord     *Coordinator
	sessions  *repository.MemorySessionRepo
	messages  *repository.MemoryMessageRepo
	statuses  *repository.MemoryPresenceRepo
	publisher *recordingPublisher
	replies   *recordingScheduler
	observer  *recordingObserver
	clock     time.Time
	mu        sync.Mutex
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	f.sessions = repository.NewMemorySessionRepo()
	f.sessions.SetClock(f.now)
	f.messages = repository.NewMemoryMessageRepo(f.sessions)
	f.messages.SetClock(f.now)
	f.statuses = repository.NewMemoryPresenceRepo(f.messages, 5*time.Second)
	f.statuses.SetClock(f.now)
	f.publisher = &recordingPublisher{}
	f.replies = &recordingScheduler{}
	f.observer = &recordingObserver{}

	f.coord = NewCoordinator(CoordinatorDeps{
		Sessions:     f.sessions,
		Messages:     f.messages,
		Statuses:     f.statuses,
		Locker:       NewLocalLocker(),
		Publisher:    f.publisher,
		Replies:      f.replies,
		Observer:     f.observer,
		HistoryLimit: 50,
	})
	f.coord.SetClock(f.now)
	return f
}

var (
	user   = models.Identity{UserID: "user", Role: models.RoleUser}
	model1 = models.Identity{UserID: "model1", Role: models.RoleUser}
	admin  = models.Identity{UserID: "admin:root", Role: models.RoleAdmin}
	guest  = models.Identity{UserID: "guest", Role: models.RoleUser}
)

func chatConfig(limit int) models.SessionConfig {
	return models.SessionConfig{
		Participants: []models.Participant{
			{ID: "user", DisplayName: "Candidate"},
			{ID: "model1", DisplayName: "Model", IsBot: true},
		},
		TimeLimitSeconds: limit,
	}
}

func (f *fixture) activeSession(t *testing.T, limit int) *models.Session {
	t.Helper()
	ctx := context.Background()
	s, err := f.coord.StartSession(ctx, user, chatConfig(limit))
	require.NoError(t, err)
	s, err = f.coord.Transition(ctx, s.ID, user, ActionStart)
	require.NoError(t, err)
	return s
}

func requireConflict(t *testing.T, err error, code string) {
	t.Helper()
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %v", err)
	require.Equal(t, code, conflict.Code)
}

func TestCoordinator_ChatScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.coord.StartSession(ctx, user, chatConfig(60))
	req.NoError(err)
	req.Equal(models.StatusPending, s.Status)

	s, err = f.coord.Transition(ctx, s.ID, user, ActionStart)
	req.NoError(err)
	req.Equal(models.StatusActive, s.Status)
	req.NotNil(s.StartedAt)

	f.advance(time.Second)
	posted, err := f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "hi"})
	req.NoError(err)
	req.True(posted.IsOwn)

	list, err := f.coord.ListMessages(ctx, s.ID, user, nil)
	req.NoError(err)
	req.Len(list, 1)
	req.Equal("hi", list[0].Content)
	req.True(list[0].IsOwn)

	asBot, err := f.coord.ListMessages(ctx, s.ID, model1, nil)
	req.NoError(err)
	req.False(asBot[0].IsOwn)

	snapshot, err := f.coord.Snapshot(ctx, s.ID, user)
	req.NoError(err)
	req.Equal(1, snapshot["model1"].UnreadCount)
	req.Equal(0, snapshot["user"].UnreadCount)

	readUpTo := list[0].Timestamp
	st, err := f.coord.ReportStatus(ctx, s.ID, model1, StatusReport{ReadUpTo: &readUpTo})
	req.NoError(err)
	req.Equal(0, st.UnreadCount)

	snapshot, err = f.coord.Snapshot(ctx, s.ID, user)
	req.NoError(err)
	req.Equal(0, snapshot["model1"].UnreadCount)

	req.Len(f.replies.jobs, 1)
	req.Equal("model1", f.replies.jobs[0].BotID)
	req.Equal(posted.ID, f.replies.jobs[0].TriggerMessageID)
	req.Equal(1, f.publisher.count(models.EventMessagePosted))
}

func TestCoordinator_StartSessionRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.StartSession(ctx, user, models.SessionConfig{TimeLimitSeconds: 0, Participants: chatConfig(1).Participants})
	var validation *models.ValidationError
	require.True(t, errors.As(err, &validation))

	_, err = f.coord.StartSession(ctx, guest, chatConfig(60))
	var forbidden *models.ForbiddenError
	require.True(t, errors.As(err, &forbidden))

	s, err := f.coord.StartSession(ctx, admin, chatConfig(60))
	require.NoError(t, err)

	snapshot, err := f.coord.Snapshot(ctx, s.ID, user)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
}

func TestCoordinator_NotFoundBeforeForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 60)

	_, err := f.coord.GetFullState(ctx, "missing", guest)
	var nf *models.NotFoundError
	require.True(t, errors.As(err, &nf))

	_, err = f.coord.GetFullState(ctx, s.ID, guest)
	var fb *models.ForbiddenError
	require.True(t, errors.As(err, &fb))

	_, err = f.coord.PostMessage(ctx, s.ID, guest, models.MessageDraft{Content: "let me in"})
	require.True(t, errors.As(err, &fb))
	require.Equal(t, models.CodeNotParticipant, fb.Code)

	state, err := f.coord.GetFullState(ctx, s.ID, admin)
	require.NoError(t, err)
	require.Equal(t, s.ID, state.Session.ID)
}

func TestCoordinator_DerivedExpiry(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 900)

	f.advance(901 * time.Second)

	got, err := f.coord.GetSession(ctx, s.ID, user)
	req.NoError(err)
	req.Equal(models.StatusExpired, got.Status)

	stored, err := f.sessions.Get(ctx, s.ID)
	req.NoError(err)
	req.Equal(models.StatusActive, stored.StoredStatus)

	_, err = f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "too late"})
	requireConflict(t, err, models.CodeSessionTerminal)

	timer, err := f.coord.GetTimer(ctx, s.ID, user)
	req.NoError(err)
	req.Equal(0, timer.RemainingSeconds)

	_, err = f.coord.ExtendTimer(ctx, s.ID, user, 60)
	requireConflict(t, err, models.CodeSessionNotActive)

	ended, err := f.coord.EndSession(ctx, s.ID, ReasonCompleted)
	req.NoError(err)
	req.Equal(models.StatusExpired, ended.Status)
	req.Equal(models.StatusExpired, ended.StoredStatus)
	req.Equal([]string{s.ID + ":expired:completed"}, f.observer.ended)
}

func TestCoordinator_ConcurrentEndSessionAgrees(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 60)

	const callers = 16
	results := make([]*models.Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reason := ReasonCompleted
			if i%2 == 1 {
				reason = ReasonTimeout
			}
			results[i], errs[i] = f.coord.EndSession(ctx, s.ID, reason)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Status, results[i].Status)
	}
	require.True(t, results[0].Status.Terminal())
	require.Len(t, f.observer.ended, 1)
	require.Equal(t, 1, f.publisher.count(models.EventSessionEnded))
}

func TestCoordinator_TransitionErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.coord.StartSession(ctx, user, chatConfig(60))
	require.NoError(t, err)

	_, err = f.coord.Transition(ctx, s.ID, user, ActionComplete)
	requireConflict(t, err, models.CodeInvalidTransition)

	_, err = f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "early"})
	requireConflict(t, err, models.CodeSessionNotActive)

	_, err = f.coord.Transition(ctx, s.ID, user, "pause")
	var validation *models.ValidationError
	require.True(t, errors.As(err, &validation))

	_, err = f.coord.Transition(ctx, s.ID, user, ActionStart)
	require.NoError(t, err)
	_, err = f.coord.Transition(ctx, s.ID, user, ActionStart)
	requireConflict(t, err, models.CodeInvalidTransition)

	ended, err := f.coord.Transition(ctx, s.ID, user, ActionTimeout)
	require.NoError(t, err)
	require.Equal(t, models.StatusExpired, ended.Status)

	_, err = f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "after"})
	requireConflict(t, err, models.CodeSessionTerminal)

	again, err := f.coord.Transition(ctx, s.ID, user, ActionComplete)
	require.NoError(t, err)
	require.Equal(t, models.StatusExpired, again.Status)
}

func TestCoordinator_SinceFilterIsStrict(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	first, err := f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "one"})
	req.NoError(err)
	f.advance(time.Second)
	_, err = f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "two"})
	req.NoError(err)
	f.advance(time.Second)
	_, err = f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "three"})
	req.NoError(err)

	since := first.Timestamp
	list, err := f.coord.ListMessages(ctx, s.ID, user, &since)
	req.NoError(err)
	req.Len(list, 2)
	req.Equal("two", list[0].Content)
	req.Equal("three", list[1].Content)

	all, err := f.coord.ListMessages(ctx, s.ID, user, nil)
	req.NoError(err)
	req.Len(all, 3)
}

func TestCoordinator_PostMessageIsIdempotentByID(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	draft := models.MessageDraft{ID: "client-1", Content: "hello"}
	first, err := f.coord.PostMessage(ctx, s.ID, user, draft)
	req.NoError(err)
	f.advance(time.Second)
	second, err := f.coord.PostMessage(ctx, s.ID, user, draft)
	req.NoError(err)
	req.Equal(first.ID, second.ID)
	req.True(first.Timestamp.Equal(second.Timestamp))

	list, err := f.coord.ListMessages(ctx, s.ID, user, nil)
	req.NoError(err)
	req.Len(list, 1)

	snapshot, err := f.coord.Snapshot(ctx, s.ID, user)
	req.NoError(err)
	req.Equal(1, snapshot["model1"].UnreadCount)
	req.Len(f.replies.jobs, 1)
}

func TestCoordinator_BotMessagesDoNotTriggerReplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	_, err := f.coord.PostMessage(ctx, s.ID, model1, models.MessageDraft{Content: "I am here"})
	require.NoError(t, err)
	require.Empty(t, f.replies.jobs)

	snapshot, err := f.coord.Snapshot(ctx, s.ID, user)
	require.NoError(t, err)
	require.Equal(t, 1, snapshot["user"].UnreadCount)
}

func TestCoordinator_EmptyMessageRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	_, err := f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: "   "})
	var validation *models.ValidationError
	require.True(t, errors.As(err, &validation))
}

func TestCoordinator_ContentStoredVerbatim(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	content := "  indented code\n\tline2\n"
	posted, err := f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: content})
	req.NoError(err)
	req.Equal(content, posted.Content)

	list, err := f.coord.ListMessages(ctx, s.ID, user, nil)
	req.NoError(err)
	req.Len(list, 1)
	req.Equal(content, list[0].Content)
}

func TestCoordinator_MessageIDTakenByOtherSender(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	_, err := f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{ID: "m-1", Content: "hello"})
	req.NoError(err)

	_, err = f.coord.PostMessage(ctx, s.ID, model1, models.MessageDraft{ID: "m-1", Content: "hijack"})
	requireConflict(t, err, models.CodeMessageIDTaken)

	list, err := f.coord.ListMessages(ctx, s.ID, model1, nil)
	req.NoError(err)
	req.Len(list, 1)
	req.Equal("user", list[0].SenderID)
	req.Equal("hello", list[0].Content)
	req.False(list[0].IsOwn)
}

// lockingObserver takes the session lock from inside the callback, which
// only succeeds if EndSession has already released it.
type lockingObserver struct {
	locker Locker
	errs   []error
}

func (o *lockingObserver) SessionEnded(ctx context.Context, s *models.Session, reason string) {
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	unlock, err := o.locker.Lock(ctx, s.ID)
	if err == nil {
		unlock()
	}
	o.errs = append(o.errs, err)
}

func TestCoordinator_ObserverRunsAfterLockReleased(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	locker := NewLocalLocker()
	observer := &lockingObserver{locker: locker}
	f.coord = NewCoordinator(CoordinatorDeps{
		Sessions:     f.sessions,
		Messages:     f.messages,
		Statuses:     f.statuses,
		Locker:       locker,
		Publisher:    f.publisher,
		Replies:      f.replies,
		Observer:     observer,
		HistoryLimit: 50,
	})
	f.coord.SetClock(f.now)

	s := f.activeSession(t, 600)
	_, err := f.coord.EndSession(ctx, s.ID, ReasonCompleted)
	req.NoError(err)
	req.Len(observer.errs, 1)
	req.NoError(observer.errs[0])

	// already terminal, nothing to report
	_, err = f.coord.EndSession(ctx, s.ID, ReasonCompleted)
	req.NoError(err)
	req.Len(observer.errs, 1)
}

func TestCoordinator_ExtendTimer(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 60)

	f.advance(30 * time.Second)
	timer, err := f.coord.ExtendTimer(ctx, s.ID, user, 120)
	req.NoError(err)
	req.Equal(180, timer.TimeLimitSeconds)
	req.Equal(150, timer.RemainingSeconds)
	req.Equal(1, f.publisher.count(models.EventTimerExtended))

	_, err = f.coord.ExtendTimer(ctx, s.ID, user, 0)
	var validation *models.ValidationError
	req.True(errors.As(err, &validation))
}

func TestCoordinator_TypingExpiresAndEndDiscardsPresence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	typing := true
	st, err := f.coord.ReportStatus(ctx, s.ID, user, StatusReport{IsTyping: &typing})
	req.NoError(err)
	req.True(st.IsTyping)

	f.advance(10 * time.Second)
	snapshot, err := f.coord.Snapshot(ctx, s.ID, user)
	req.NoError(err)
	req.False(snapshot["user"].IsTyping)

	_, err = f.coord.ReportStatus(ctx, s.ID, user, StatusReport{})
	var validation *models.ValidationError
	req.True(errors.As(err, &validation))

	_, err = f.coord.EndSession(ctx, s.ID, ReasonCompleted)
	req.NoError(err)

	snapshot, err = f.coord.Snapshot(ctx, s.ID, user)
	req.NoError(err)
	req.Empty(snapshot)

	_, err = f.coord.ReportStatus(ctx, s.ID, user, StatusReport{IsTyping: &typing})
	requireConflict(t, err, models.CodeSessionTerminal)
}

func TestCoordinator_GetFullStateAndInspect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.activeSession(t, 600)

	for _, text := range []string{"a", "b", "c"} {
		_, err := f.coord.PostMessage(ctx, s.ID, user, models.MessageDraft{Content: text})
		req.NoError(err)
		f.advance(time.Second)
	}

	state, err := f.coord.GetFullState(ctx, s.ID, model1)
	req.NoError(err)
	req.Equal(models.StatusActive, state.Session.Status)
	req.Len(state.Messages, 3)
	req.False(state.Messages[0].IsOwn)
	req.Equal(3, state.Statuses["model1"].UnreadCount)

	inspected, err := f.coord.Inspect(ctx, s.ID)
	req.NoError(err)
	req.Len(inspected.Messages, 3)

	sessions, err := f.coord.ListSessions(ctx, models.SessionFilter{Status: models.StatusActive})
	req.NoError(err)
	req.Len(sessions, 1)

	_, err = f.coord.ListSessions(ctx, models.SessionFilter{Status: "paused"})
	var validation *models.ValidationError
	req.True(errors.As(err, &validation))
}
