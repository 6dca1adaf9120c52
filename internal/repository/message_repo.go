package repository

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chattest-backend/internal/models"
)

type MessageRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool, now: time.Now}
}

const messageColumns = `id, session_id, sender_id, content, attachment_url, created_at, seq`

// Append stores draft unless a message with the same ID is already in the
// session; in that case the stored message is returned with inserted=false,
// or a conflict if another sender owns that ID.
func (r *MessageRepo) Append(ctx context.Context, sessionID string, draft models.MessageDraft) (*models.Message, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, unavailable("begin append", err)
	}
	defer tx.Rollback(ctx)

	now := r.now().UTC()

	s := &models.Session{ID: sessionID}
	err = tx.QueryRow(ctx, `
		SELECT status, time_limit_seconds, started_at, ended_at
		FROM chat_sessions WHERE id = $1 FOR SHARE
	`, sessionID).Scan(&s.StoredStatus, &s.TimeLimitSeconds, &s.StartedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, models.ErrSessionNotFound(sessionID)
		}
		return nil, false, unavailable("lock session", err)
	}
	if err := appendable(s.Resolve(now)); err != nil {
		return nil, false, err
	}

	msg := models.Message{
		ID:            draft.ID,
		SessionID:     sessionID,
		SenderID:      draft.SenderID,
		Content:       draft.Content,
		AttachmentURL: draft.AttachmentURL,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	inserted := true
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_messages (id, session_id, sender_id, content, attachment_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, id) DO NOTHING
		RETURNING created_at, seq
	`, msg.ID, sessionID, msg.SenderID, msg.Content, msg.AttachmentURL, now).Scan(&msg.Timestamp, &msg.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		inserted = false
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = $1 AND id = $2`,
			sessionID, msg.ID))
		if err != nil {
			return nil, false, unavailable("get existing message", err)
		}
		if existing.SenderID != draft.SenderID {
			return nil, false, models.ErrMessageIDTaken(msg.ID)
		}
		msg = *existing
	} else if err != nil {
		return nil, false, unavailable("insert message", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, unavailable("commit append", err)
	}
	return &msg, inserted, nil
}

// List queries on every range, so a second pass observes later appends.
func (r *MessageRepo) List(ctx context.Context, sessionID string, since *time.Time) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		rows, err := r.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM chat_messages
			WHERE session_id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
			ORDER BY created_at, seq
		`, sessionID, since)
		if err != nil {
			yield(models.Message{}, unavailable("list messages", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				yield(models.Message{}, unavailable("scan message", err))
				return
			}
			if !yield(*m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Message{}, unavailable("list messages", err))
		}
	}
}

func (r *MessageRepo) Recent(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at, seq
	`, sessionID, limit)
	if err != nil {
		return nil, unavailable("recent messages", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("scan message", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent messages", err)
	}
	return out, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, sessionID, userID string, after time.Time) (int, error) {
	var exists bool
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1),
			(SELECT COUNT(*) FROM chat_messages
			 WHERE session_id = $1 AND sender_id <> $2 AND created_at > $3)
	`, sessionID, userID, after).Scan(&exists, &count)
	if err != nil {
		return 0, unavailable("count unread", err)
	}
	if !exists {
		return 0, models.ErrSessionNotFound(sessionID)
	}
	return count, nil
}

func (r *MessageRepo) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM chat_messages WHERE session_id = ANY($1)`, sessionIDs); err != nil {
		return unavailable("delete messages", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	m := &models.Message{}
	err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.SenderID,
		&m.Content,
		&m.AttachmentURL,
		&m.Timestamp,
		&m.Seq,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
