package models

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusExpired   SessionStatus = "expired"
	StatusCompleted SessionStatus = "completed"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

func (s SessionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusCompleted
}

type Participant struct {
	ID          string  `json:"id" validate:"required,max=128"`
	DisplayName string  `json:"displayName" validate:"max=128"`
	IsBot       bool    `json:"isBot"`
	AvatarURL   *string `json:"avatarUrl,omitempty" validate:"omitempty,url"`
}

type SessionConfig struct {
	Participants     []Participant `json:"participants" validate:"max=32,dive"`
	TimeLimitSeconds int           `json:"timeLimitSeconds"`
}

type Session struct {
	ID               string        `json:"id"`
	Status           SessionStatus `json:"status"` // effective status, see Resolve
	StoredStatus     SessionStatus `json:"-"`
	TimeLimitSeconds int           `json:"timeLimitSeconds"`
	StartedAt        *time.Time    `json:"startedAt"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	Participants     []Participant `json:"participants"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// ExpiresAt is nil until the session has been started.
func (s *Session) ExpiresAt() *time.Time {
	if s.StartedAt == nil {
		return nil
	}
	t := s.StartedAt.Add(time.Duration(s.TimeLimitSeconds) * time.Second)
	return &t
}

// EffectiveStatus derives the status at now. Terminal stored statuses win;
// an active session past its deadline reads as expired.
func (s *Session) EffectiveStatus(now time.Time) SessionStatus {
	if s.StoredStatus != StatusActive {
		return s.StoredStatus
	}
	if exp := s.ExpiresAt(); exp != nil && now.After(*exp) {
		return StatusExpired
	}
	return StatusActive
}

// Resolve refreshes Status from StoredStatus and the clock.
func (s *Session) Resolve(now time.Time) *Session {
	s.Status = s.EffectiveStatus(now)
	return s
}

func (s *Session) HasParticipant(userID string) bool {
	_, ok := s.Participant(userID)
	return ok
}

func (s *Session) Participant(userID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// CheckTransition validates next against the effective status. Writing
// expired over a stored active session whose clock already ran out is
// allowed so the derived state can be persisted.
func (s *Session) CheckTransition(next SessionStatus, now time.Time) error {
	current := s.EffectiveStatus(now)
	if next == StatusExpired && current == StatusExpired && s.StoredStatus == StatusActive {
		return nil
	}
	if !CanTransition(current, next) {
		return ErrInvalidTransition(current, next)
	}
	return nil
}

func CanTransition(from, to SessionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusActive
	case StatusActive:
		return to == StatusCompleted || to == StatusExpired
	}
	return false
}

type SessionFilter struct {
	Status SessionStatus
	Limit  int
	Offset int
}

type Timer struct {
	SessionID        string        `json:"sessionId"`
	Status           SessionStatus `json:"status"`
	StartedAt        *time.Time    `json:"startedAt"`
	TimeLimitSeconds int           `json:"timeLimitSeconds"`
	ExpiresAt        *time.Time    `json:"expiresAt"`
	RemainingSeconds int           `json:"remainingSeconds"`
}

// NewTimer builds the countdown view at now. A resolved session keeps the
// status its store derived, so the timer never contradicts it.
func NewTimer(s *Session, now time.Time) Timer {
	status := s.Status
	if status == "" {
		status = s.EffectiveStatus(now)
	}
	t := Timer{
		SessionID:        s.ID,
		Status:           status,
		StartedAt:        s.StartedAt,
		TimeLimitSeconds: s.TimeLimitSeconds,
		ExpiresAt:        s.ExpiresAt(),
	}
	switch {
	case t.Status == StatusPending:
		t.RemainingSeconds = s.TimeLimitSeconds
	case t.Status == StatusActive && t.ExpiresAt != nil:
		t.RemainingSeconds = max(0, int(t.ExpiresAt.Sub(now).Seconds()))
	}
	return t
}

type FullState struct {
	Session  *Session              `json:"session"`
	Messages []Message             `json:"messages"`
	Statuses map[string]UserStatus `json:"statuses"`
}

// Validate reports every problem with the config at once.
func (c SessionConfig) Validate() error {
	fields := make(map[string]string)
	if c.TimeLimitSeconds <= 0 {
		fields["timeLimitSeconds"] = "Time limit must be greater than zero"
	}
	if len(c.Participants) == 0 {
		fields["participants"] = "At least one participant is required"
	}
	seen := make(map[string]bool, len(c.Participants))
	for i, p := range c.Participants {
		key := fmt.Sprintf("participants[%d].id", i)
		switch {
		case p.ID == "":
			fields[key] = "Participant ID is required"
		case seen[p.ID]:
			fields[key] = "Duplicate participant " + p.ID
		}
		seen[p.ID] = true
	}
	if len(fields) > 0 {
		return &ValidationError{Message: "Invalid session config", Fields: fields}
	}
	return nil
}
