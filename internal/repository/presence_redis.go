package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chattest-backend/internal/models"
)

const (
	fieldTyping  = "typing"
	fieldUnread  = "unread"
	fieldRead    = "read"
	fieldUpdated = "updated"
)

// PresenceRepo keeps per-session presence in one Redis hash so a snapshot
// is a single HGETALL. Fields are "<userID>|<field>".
type PresenceRepo struct {
	redis     *redis.Client
	counter   UnreadCounter
	typingTTL time.Duration
	keyTTL    time.Duration
	now       func() time.Time
}

func NewPresenceRepo(redisClient *redis.Client, counter UnreadCounter, typingTTL, keyTTL time.Duration) *PresenceRepo {
	return &PresenceRepo{
		redis:     redisClient,
		counter:   counter,
		typingTTL: typingTTL,
		keyTTL:    keyTTL,
		now:       time.Now,
	}
}

func presenceKey(sessionID string) string {
	return "presence:" + sessionID
}

func presenceField(userID, field string) string {
	return userID + "|" + field
}

func (r *PresenceRepo) Init(ctx context.Context, sessionID string, userIDs []string) error {
	key := presenceKey(sessionID)
	now := strconv.FormatInt(r.now().UnixMilli(), 10)

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.HSetNX(ctx, key, presenceField(id, fieldUnread), 0)
			pipe.HSetNX(ctx, key, presenceField(id, fieldTyping), 0)
			pipe.HSetNX(ctx, key, presenceField(id, fieldUpdated), now)
		}
		pipe.Expire(ctx, key, r.keyTTL)
		return nil
	})
	if err != nil {
		return &models.UnavailableError{Op: "presence init", Err: err}
	}
	return nil
}

func (r *PresenceRepo) ReportTyping(ctx context.Context, sessionID, userID string, isTyping bool) error {
	key := presenceKey(sessionID)
	now := r.now().UnixMilli()
	typingAt := int64(0)
	if isTyping {
		typingAt = now
	}

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			presenceField(userID, fieldTyping), typingAt,
			presenceField(userID, fieldUpdated), now,
		)
		pipe.HSetNX(ctx, key, presenceField(userID, fieldUnread), 0)
		pipe.Expire(ctx, key, r.keyTTL)
		return nil
	})
	if err != nil {
		return &models.UnavailableError{Op: "presence typing", Err: err}
	}
	return nil
}

func (r *PresenceRepo) ReportRead(ctx context.Context, sessionID, userID string, upTo time.Time) error {
	unread, err := r.counter.CountUnread(ctx, sessionID, userID, upTo)
	if err != nil {
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}

	key := presenceKey(sessionID)
	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			presenceField(userID, fieldUnread), unread,
			presenceField(userID, fieldRead), upTo.UTC().Format(time.RFC3339Nano),
			presenceField(userID, fieldUpdated), r.now().UnixMilli(),
		)
		pipe.HSetNX(ctx, key, presenceField(userID, fieldTyping), 0)
		pipe.Expire(ctx, key, r.keyTTL)
		return nil
	})
	if err != nil {
		return &models.UnavailableError{Op: "presence read", Err: err}
	}
	return nil
}

func (r *PresenceRepo) IncrementUnread(ctx context.Context, sessionID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	key := presenceKey(sessionID)
	now := r.now().UnixMilli()

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.HIncrBy(ctx, key, presenceField(id, fieldUnread), 1)
			pipe.HSetNX(ctx, key, presenceField(id, fieldTyping), 0)
			pipe.HSet(ctx, key, presenceField(id, fieldUpdated), now)
		}
		pipe.Expire(ctx, key, r.keyTTL)
		return nil
	})
	if err != nil {
		return &models.UnavailableError{Op: "presence increment", Err: err}
	}
	return nil
}

func (r *PresenceRepo) Snapshot(ctx context.Context, sessionID string) (map[string]models.UserStatus, error) {
	raw, err := r.redis.HGetAll(ctx, presenceKey(sessionID)).Result()
	if err != nil {
		return nil, &models.UnavailableError{Op: "presence snapshot", Err: err}
	}
	return parsePresence(raw, r.now(), r.typingTTL), nil
}

func (r *PresenceRepo) Discard(ctx context.Context, sessionID string) error {
	if err := r.redis.Del(ctx, presenceKey(sessionID)).Err(); err != nil {
		return &models.UnavailableError{Op: "presence discard", Err: err}
	}
	return nil
}

// parsePresence folds hash fields into one complete status per user.
// Fields it cannot parse are ignored.
func parsePresence(raw map[string]string, now time.Time, typingTTL time.Duration) map[string]models.UserStatus {
	out := make(map[string]models.UserStatus)
	for field, value := range raw {
		i := strings.LastIndex(field, "|")
		if i <= 0 {
			continue
		}
		userID, name := field[:i], field[i+1:]

		st := out[userID]
		st.UserID = userID
		switch name {
		case fieldTyping:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
				st.IsTyping = typingActive(time.UnixMilli(ms), now, typingTTL)
			}
		case fieldUnread:
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				st.UnreadCount = n
			}
		case fieldRead:
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				st.LastReadAt = &t
			}
		case fieldUpdated:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				st.UpdatedAt = time.UnixMilli(ms).UTC()
			}
		default:
			continue
		}
		out[userID] = st
	}
	return out
}
