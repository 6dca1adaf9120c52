package services

import (
	"context"
	"log"
	"time"
)

const retentionPollInterval = 1 * time.Hour

// RetentionSweeper purges sessions that ended longer than retention ago,
// together with their messages and presence.
type RetentionSweeper struct {
	sessions  SessionStore
	messages  MessageLog
	statuses  StatusTracker
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	stopChan  chan struct{}
}

func NewRetentionSweeper(sessions SessionStore, messages MessageLog, statuses StatusTracker, retention time.Duration) *RetentionSweeper {
	return &RetentionSweeper{
		sessions:  sessions,
		messages:  messages,
		statuses:  statuses,
		retention: retention,
		interval:  retentionPollInterval,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

func (s *RetentionSweeper) Start() {
	if s.retention <= 0 {
		log.Printf("Retention sweeper disabled")
		return
	}

	go s.loop()

	log.Printf("Retention sweeper started (retention %s)", s.retention)
}

func (s *RetentionSweeper) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

func (s *RetentionSweeper) loop() {
	// Run on startup as well as by interval.
	s.Sweep(context.Background())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one purge and returns the IDs of the removed sessions.
func (s *RetentionSweeper) Sweep(ctx context.Context) []string {
	cutoff := retentionCutoff(s.now(), s.retention)

	ids, err := s.sessions.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		log.Printf("retention: failed to delete sessions ended before %s: %v", cutoff.Format(time.RFC3339), err)
		return nil
	}
	if len(ids) == 0 {
		return ids
	}

	if err := s.messages.DeleteSessions(ctx, ids); err != nil {
		log.Printf("retention: failed to delete messages of %d sessions: %v", len(ids), err)
	}
	for _, id := range ids {
		if err := s.statuses.Discard(ctx, id); err != nil {
			log.Printf("retention: failed to discard presence of session %s: %v", id, err)
		}
	}

	log.Printf("retention: purged %d sessions", len(ids))
	return ids
}

func retentionCutoff(now time.Time, retention time.Duration) time.Time {
	return now.UTC().Add(-retention)
}
