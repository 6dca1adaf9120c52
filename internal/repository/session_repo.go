package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chattest-backend/internal/models"
)

type SessionRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool, now: time.Now}
}

const sessionColumns = `id, status, time_limit_seconds, started_at, ended_at, created_at, updated_at`

func (r *SessionRepo) Create(ctx context.Context, cfg models.SessionConfig) (*models.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	s := &models.Session{
		ID:               uuid.NewString(),
		StoredStatus:     models.StatusPending,
		TimeLimitSeconds: cfg.TimeLimitSeconds,
		Participants:     normalizeParticipants(cfg.Participants),
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin create session", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, status, time_limit_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING created_at, updated_at
	`, s.ID, s.StoredStatus, s.TimeLimitSeconds, now).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, unavailable("insert session", err)
	}

	batch := &pgx.Batch{}
	for i, p := range s.Participants {
		batch.Queue(`
			INSERT INTO chat_session_participants (session_id, user_id, display_name, is_bot, avatar_url, position)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.ID, p.ID, p.DisplayName, p.IsBot, p.AvatarURL, i)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, unavailable("insert participants", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit create session", err)
	}

	return s.Resolve(now), nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	s, err := r.load(ctx, r.pool, id, "")
	if err != nil {
		return nil, err
	}
	return s.Resolve(r.now()), nil
}

func (r *SessionRepo) SetStatus(ctx context.Context, id string, next models.SessionStatus) (*models.Session, error) {
	var out *models.Session
	err := r.withLockedSession(ctx, id, func(tx pgx.Tx, s *models.Session, now time.Time) error {
		if err := s.CheckTransition(next, now); err != nil {
			return err
		}

		var query string
		switch {
		case next == models.StatusActive:
			query = `UPDATE chat_sessions SET status = $2, started_at = $3, updated_at = $3 WHERE id = $1`
			s.StartedAt = &now
		case next.Terminal():
			query = `UPDATE chat_sessions SET status = $2, ended_at = $3, updated_at = $3 WHERE id = $1`
			s.EndedAt = &now
		default:
			query = `UPDATE chat_sessions SET status = $2, updated_at = $3 WHERE id = $1`
		}
		if _, err := tx.Exec(ctx, query, id, next, now); err != nil {
			return unavailable("update session status", err)
		}

		s.StoredStatus = next
		s.UpdatedAt = now
		out = s.Resolve(now)
		return nil
	})
	return out, err
}

func (r *SessionRepo) ExtendTimer(ctx context.Context, id string, additionalSeconds int) (*models.Session, error) {
	if additionalSeconds <= 0 {
		return nil, &models.ValidationError{
			Message: "Invalid timer extension",
			Fields:  map[string]string{"additionalSeconds": "Must be greater than zero"},
		}
	}

	var out *models.Session
	err := r.withLockedSession(ctx, id, func(tx pgx.Tx, s *models.Session, now time.Time) error {
		if status := s.EffectiveStatus(now); status != models.StatusActive {
			return models.ErrSessionNotActive(status)
		}

		err := tx.QueryRow(ctx, `
			UPDATE chat_sessions
			SET time_limit_seconds = time_limit_seconds + $2, updated_at = $3
			WHERE id = $1
			RETURNING time_limit_seconds
		`, id, additionalSeconds, now).Scan(&s.TimeLimitSeconds)
		if err != nil {
			return unavailable("extend timer", err)
		}

		s.UpdatedAt = now
		out = s.Resolve(now)
		return nil
	})
	return out, err
}

// effectiveStatusSQL mirrors Session.EffectiveStatus; $1 is the clock.
const effectiveStatusSQL = `CASE
	WHEN status = 'active' AND started_at + time_limit_seconds * INTERVAL '1 second' < $1 THEN 'expired'
	ELSE status END`

func (r *SessionRepo) List(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	now := r.now().UTC()
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE ($2 = '' OR ` + effectiveStatusSQL + ` = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`

	rows, err := r.pool.Query(ctx, query, now, string(filter.Status), limit, max(filter.Offset, 0))
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sessions", err)
	}

	for _, s := range sessions {
		if s.Participants, err = r.participants(ctx, r.pool, s.ID); err != nil {
			return nil, err
		}
		s.Resolve(now)
	}
	return sessions, nil
}

// DeleteEndedBefore removes sessions that ended, or whose clock ran out,
// before cutoff. Messages and participants go with them via ON DELETE CASCADE.
func (r *SessionRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM chat_sessions
		WHERE (ended_at IS NOT NULL AND ended_at < $1)
		   OR (ended_at IS NULL AND status = 'active'
		       AND started_at + time_limit_seconds * INTERVAL '1 second' < $1)
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, unavailable("delete ended sessions", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("delete ended sessions", err)
	}
	return ids, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// withLockedSession loads the session row FOR UPDATE and runs fn inside
// the same transaction.
func (r *SessionRepo) withLockedSession(ctx context.Context, id string, fn func(tx pgx.Tx, s *models.Session, now time.Time) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin session update", err)
	}
	defer tx.Rollback(ctx)

	s, err := r.load(ctx, tx, id, "FOR UPDATE")
	if err != nil {
		return err
	}

	if err := fn(tx, s, r.now().UTC()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit session update", err)
	}
	return nil
}

func (r *SessionRepo) load(ctx context.Context, q querier, id, lock string) (*models.Session, error) {
	s, err := scanSession(q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1 `+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSessionNotFound(id)
		}
		return nil, unavailable("get session", err)
	}

	if s.Participants, err = r.participants(ctx, q, id); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionRepo) participants(ctx context.Context, q querier, sessionID string) ([]models.Participant, error) {
	rows, err := q.Query(ctx, `
		SELECT user_id, display_name, is_bot, avatar_url
		FROM chat_session_participants
		WHERE session_id = $1
		ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, unavailable("get participants", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.IsBot, &p.AvatarURL); err != nil {
			return nil, unavailable("scan participant", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get participants", err)
	}
	return participants, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	s := &models.Session{}
	err := row.Scan(
		&s.ID,
		&s.StoredStatus,
		&s.TimeLimitSeconds,
		&s.StartedAt,
		&s.EndedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func unavailable(op string, err error) error {
	return &models.UnavailableError{Op: op, Err: fmt.Errorf("postgres: %w", err)}
}
