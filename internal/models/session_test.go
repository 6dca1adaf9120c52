package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func activeSession(started time.Time, limit int) *Session {
	return &Session{
		ID:               "s1",
		StoredStatus:     StatusActive,
		TimeLimitSeconds: limit,
		StartedAt:        &started,
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusExpired, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusPending, false},
		{StatusActive, StatusActive, false},
		{StatusCompleted, StatusActive, false},
		{StatusCompleted, StatusExpired, false},
		{StatusExpired, StatusCompleted, false},
		{StatusExpired, StatusPending, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.ok, CanTransition(tc.from, tc.to))
		})
	}
}

func TestEffectiveStatus_DerivesExpiry(t *testing.T) {
	req := require.New(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := activeSession(start, 900)

	req.Equal(StatusActive, s.EffectiveStatus(start.Add(899*time.Second)))
	req.Equal(StatusActive, s.EffectiveStatus(start.Add(900*time.Second)))
	req.Equal(StatusExpired, s.EffectiveStatus(start.Add(901*time.Second)))

	s.Resolve(start.Add(20 * time.Minute))
	req.Equal(StatusExpired, s.Status)
	req.Equal(StatusActive, s.StoredStatus)
}

func TestEffectiveStatus_TerminalAndPendingAreStable(t *testing.T) {
	req := require.New(t)
	later := time.Now().Add(24 * time.Hour)

	pending := &Session{StoredStatus: StatusPending, TimeLimitSeconds: 1}
	req.Equal(StatusPending, pending.EffectiveStatus(later))

	start := time.Now()
	completed := activeSession(start, 1)
	completed.StoredStatus = StatusCompleted
	req.Equal(StatusCompleted, completed.EffectiveStatus(later))
}

func TestCheckTransition(t *testing.T) {
	req := require.New(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := activeSession(start, 60)

	req.NoError(s.CheckTransition(StatusCompleted, start.Add(30*time.Second)))

	err := s.CheckTransition(StatusPending, start.Add(30*time.Second))
	var conflict *ConflictError
	req.True(errors.As(err, &conflict))
	req.Equal(CodeInvalidTransition, conflict.Code)

	// clock ran out: completing is no longer possible, persisting expiry is
	afterDeadline := start.Add(2 * time.Minute)
	req.Error(s.CheckTransition(StatusCompleted, afterDeadline))
	req.NoError(s.CheckTransition(StatusExpired, afterDeadline))

	s.StoredStatus = StatusExpired
	req.Error(s.CheckTransition(StatusExpired, afterDeadline))
}

func TestNewTimer(t *testing.T) {
	req := require.New(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	pending := &Session{ID: "p", StoredStatus: StatusPending, TimeLimitSeconds: 60}
	timer := NewTimer(pending, start)
	req.Equal(StatusPending, timer.Status)
	req.Equal(60, timer.RemainingSeconds)
	req.Nil(timer.ExpiresAt)

	active := activeSession(start, 60)
	timer = NewTimer(active, start.Add(15*time.Second))
	req.Equal(StatusActive, timer.Status)
	req.Equal(45, timer.RemainingSeconds)
	req.Equal(start.Add(time.Minute), *timer.ExpiresAt)

	timer = NewTimer(active, start.Add(2*time.Minute))
	req.Equal(StatusExpired, timer.Status)
	req.Equal(0, timer.RemainingSeconds)
}

func TestNewTimer_FollowsResolvedStatus(t *testing.T) {
	req := require.New(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// store clock already past the deadline, view clock behind it
	expired := activeSession(start, 60).Resolve(start.Add(2 * time.Minute))
	timer := NewTimer(expired, start.Add(10*time.Second))
	req.Equal(expired.Status, timer.Status)
	req.Equal(StatusExpired, timer.Status)
	req.Equal(0, timer.RemainingSeconds)

	// store clock behind, view clock past the deadline
	active := activeSession(start, 60).Resolve(start.Add(10 * time.Second))
	timer = NewTimer(active, start.Add(2*time.Minute))
	req.Equal(StatusActive, timer.Status)
	req.Equal(0, timer.RemainingSeconds)
}

func TestMessageBefore_TieBreaksOnSeq(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Message{Timestamp: ts, Seq: 1}
	b := Message{Timestamp: ts, Seq: 2}
	c := Message{Timestamp: ts.Add(-time.Second), Seq: 3}

	require.True(t, a.Before(b))
	require.False(t, b.Before(a))
	require.True(t, c.Before(a))
}
