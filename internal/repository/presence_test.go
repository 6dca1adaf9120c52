package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chattest-backend/internal/models"
)

type presenceTracker interface {
	Init(ctx context.Context, sessionID string, userIDs []string) error
	ReportTyping(ctx context.Context, sessionID, userID string, isTyping bool) error
	ReportRead(ctx context.Context, sessionID, userID string, upTo time.Time) error
	IncrementUnread(ctx context.Context, sessionID string, userIDs []string) error
	Snapshot(ctx context.Context, sessionID string) (map[string]models.UserStatus, error)
	Discard(ctx context.Context, sessionID string) error
}

// fixedCounter answers CountUnread with a canned value per user.
type fixedCounter struct {
	unread  map[string]int
	missing bool
}

func (c fixedCounter) CountUnread(ctx context.Context, sessionID, userID string, after time.Time) (int, error) {
	if c.missing {
		return 0, models.ErrSessionNotFound(sessionID)
	}
	return c.unread[userID], nil
}

type presenceFactory func(t *testing.T, counter UnreadCounter, clock func() time.Time) presenceTracker

func memoryPresence(t *testing.T, counter UnreadCounter, clock func() time.Time) presenceTracker {
	r := NewMemoryPresenceRepo(counter, 5*time.Second)
	r.SetClock(clock)
	return r
}

func redisPresence(t *testing.T, counter UnreadCounter, clock func() time.Time) presenceTracker {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	r := NewPresenceRepo(client, counter, 5*time.Second, time.Minute)
	r.now = clock
	return r
}

func TestPresence(t *testing.T) {
	for name, factory := range map[string]presenceFactory{
		"memory": memoryPresence,
		"redis":  redisPresence,
	} {
		t.Run(name, func(t *testing.T) {
			t.Run("TypingExpires", func(t *testing.T) { testTypingExpires(t, factory) })
			t.Run("UnreadAndRead", func(t *testing.T) { testUnreadAndRead(t, factory) })
			t.Run("Discard", func(t *testing.T) { testDiscard(t, factory) })
		})
	}
}

func testTypingExpires(t *testing.T, newTracker presenceFactory) {
	req := require.New(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker := newTracker(t, fixedCounter{}, func() time.Time { return now })
	sessionID := uuid.NewString()

	req.NoError(tracker.Init(ctx, sessionID, []string{"user", "model1"}))
	req.NoError(tracker.ReportTyping(ctx, sessionID, "user", true))

	snap, err := tracker.Snapshot(ctx, sessionID)
	req.NoError(err)
	req.Len(snap, 2)
	req.True(snap["user"].IsTyping)
	req.False(snap["model1"].IsTyping)

	now = now.Add(4 * time.Second)
	snap, err = tracker.Snapshot(ctx, sessionID)
	req.NoError(err)
	req.True(snap["user"].IsTyping)

	now = now.Add(2 * time.Second)
	snap, err = tracker.Snapshot(ctx, sessionID)
	req.NoError(err)
	req.False(snap["user"].IsTyping, "typing must lapse without a fresh report")

	req.NoError(tracker.ReportTyping(ctx, sessionID, "user", true))
	req.NoError(tracker.ReportTyping(ctx, sessionID, "user", false))
	snap, err = tracker.Snapshot(ctx, sessionID)
	req.NoError(err)
	req.False(snap["user"].IsTyping)
}

func testUnreadAndRead(t *testing.T, newTracker presenceFactory) {
	req := require.New(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	counter := fixedCounter{unread: map[string]int{"model1": 1}}
	tracker := newTracker(t, counter, func() time.Time { return now })
	sessionID := uuid.NewString()

	req.NoError(tracker.Init(ctx, sessionID, []string{"user", "model1"}))
	req.NoError(tracker.IncrementUnread(ctx, sessionID, []string{"model1"}))
	req.NoError(tracker.IncrementUnread(ctx, sessionID, []string{"model1"}))
	req.NoError(tracker.IncrementUnread(ctx, sessionID, nil))

	snap, err := tracker.Snapshot(ctx, sessionID)
	req.NoError(err)
	req.Equal(2, snap["model1"].UnreadCount)
	req.Equal(0, snap["user"].UnreadCount)
	req.Nil(snap["model1"].LastReadAt)

	readAt := now.Add(-time.Second)
	req.NoError(tracker.ReportRead(ctx, sessionID, "model1", readAt))

	snap, err = tracker.Snapshot(ctx, sessionID)
	req.NoError(err)
	req.Equal(1, snap["model1"].UnreadCount, "unread is recounted from the log")
	req.NotNil(snap["model1"].LastReadAt)
	req.True(readAt.Equal(*snap["model1"].LastReadAt))
}

func testDiscard(t *testing.T, newTracker presenceFactory) {
	req := require.New(t)
	ctx := context.Background()
	tracker := newTracker(t, fixedCounter{missing: true}, time.Now)
	sessionID := uuid.NewString()

	req.NoError(tracker.Init(ctx, sessionID, []string{"user"}))
	req.NoError(tracker.ReportRead(ctx, sessionID, "user", time.Now()), "a vanished session is not an error")
	req.NoError(tracker.Discard(ctx, sessionID))

	snap, err := tracker.Snapshot(ctx, sessionID)
	req.NoError(err)
	req.Empty(snap)
}

func TestParsePresence_IgnoresMalformedFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := map[string]string{
		"user|typing":  "not-a-number",
		"user|unread":  "3",
		"model1|read":  "garbage",
		"noseparator":  "1",
		"|unread":      "4",
		"user|unknown": "x",
	}

	out := parsePresence(raw, now, 5*time.Second)
	require.Len(t, out, 2)
	require.Equal(t, 3, out["user"].UnreadCount)
	require.False(t, out["user"].IsTyping)
	require.Nil(t, out["model1"].LastReadAt)
}
