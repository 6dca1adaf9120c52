package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chattest-backend/internal/models"
)

const (
	ReplyQueue  = "queue:bot-reply"
	maxAttempts = 3
	popTimeout  = 5 * time.Second
	jobLockTTL  = 2 * time.Minute
	jobTimeout  = 90 * time.Second
)

// Queue pushes bot reply jobs onto the Redis list consumed by Pool.
type Queue struct {
	redis *redis.Client
}

func NewQueue(redisClient *redis.Client) *Queue {
	return &Queue{redis: redisClient}
}

func (q *Queue) Enqueue(ctx context.Context, job models.BotReplyJob) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return q.redis.RPush(ctx, ReplyQueue, string(jobBytes)).Err()
}

// Conversation is what a bot needs from the session coordinator.
type Conversation interface {
	GetSession(ctx context.Context, id string, caller models.Identity) (*models.Session, error)
	RecentMessages(ctx context.Context, id string, limit int) ([]models.Message, error)
	PostMessage(ctx context.Context, id string, caller models.Identity, draft models.MessageDraft) (*models.Message, error)
	SetTyping(ctx context.Context, id, userID string, isTyping bool)
}

type Responder interface {
	Reply(ctx context.Context, session *models.Session, bot models.Participant, history []models.Message) (string, error)
}

type Pool struct {
	redis        *redis.Client
	conversation Conversation
	responder    Responder
	workerCount  int
	historyLimit int
	stopChan     chan struct{}
}

func NewPool(redisClient *redis.Client, conversation Conversation, responder Responder, workerCount, historyLimit int) *Pool {
	return &Pool{
		redis:        redisClient,
		conversation: conversation,
		responder:    responder,
		workerCount:  workerCount,
		historyLimit: historyLimit,
		stopChan:     make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}

	log.Printf("Started %d bot reply workers", p.workerCount)
}

func (p *Pool) Stop() {
	select {
	case <-p.stopChan:
	default:
		close(p.stopChan)
	}
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		result, err := p.redis.BLPop(ctx, popTimeout, ReplyQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Printf("Worker %d: queue read failed: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var job models.BotReplyJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Worker %d: failed to parse job: %v", id, err)
			continue
		}

		lockKey := fmt.Sprintf("job_lock:%s", job.ID)
		locked, err := p.redis.SetNX(ctx, lockKey, "1", jobLockTTL).Result()
		if err != nil || !locked {
			continue // Another worker has this job
		}

		log.Printf("Worker %d: bot %s replying in session %s", id, job.BotID, job.SessionID)

		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		if err := p.process(jobCtx, job); err != nil {
			p.handleFailure(ctx, job, err)
		}
		cancel()

		p.redis.Del(ctx, lockKey)
	}
}

// process answers one job. Errors that retrying cannot fix are logged and
// swallowed.
func (p *Pool) process(ctx context.Context, job models.BotReplyJob) error {
	bot := models.Identity{UserID: job.BotID, Role: models.RoleUser}

	s, err := p.conversation.GetSession(ctx, job.SessionID, bot)
	if err != nil {
		return err
	}
	if s.Status != models.StatusActive {
		log.Printf("Bot reply %s dropped: session %s is %s", job.ID, s.ID, s.Status)
		return nil
	}
	participant, ok := s.Participant(job.BotID)
	if !ok || !participant.IsBot {
		log.Printf("Bot reply %s dropped: %s is not a bot of session %s", job.ID, job.BotID, s.ID)
		return nil
	}

	p.conversation.SetTyping(ctx, s.ID, participant.ID, true)
	defer p.conversation.SetTyping(context.Background(), s.ID, participant.ID, false)

	history, err := p.conversation.RecentMessages(ctx, s.ID, p.historyLimit)
	if err != nil {
		return err
	}

	reply, err := p.responder.Reply(ctx, s, participant, history)
	if err != nil {
		return err
	}
	if reply == "" {
		return nil
	}

	_, err = p.conversation.PostMessage(ctx, s.ID, bot, models.MessageDraft{
		ID:      ReplyMessageID(job),
		Content: reply,
	})
	return err
}

// ReplyMessageID is stable per job so a retried job cannot post twice.
func ReplyMessageID(job models.BotReplyJob) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("bot-reply:"+job.ID)).String()
}

func retryable(err error) bool {
	var nf *models.NotFoundError
	var fb *models.ForbiddenError
	var cf *models.ConflictError
	var ve *models.ValidationError
	return !errors.As(err, &nf) && !errors.As(err, &fb) && !errors.As(err, &cf) && !errors.As(err, &ve)
}

func (p *Pool) handleFailure(ctx context.Context, job models.BotReplyJob, err error) {
	if !retryable(err) {
		log.Printf("Bot reply %s dropped: %v", job.ID, err)
		return
	}

	job.RetryCount++
	if job.RetryCount >= maxAttempts {
		log.Printf("Bot reply %s failed permanently: %v", job.ID, err)
		return
	}

	log.Printf("Bot reply %s failed (attempt %d): %v; retrying", job.ID, job.RetryCount, err)

	jobBytes, _ := json.Marshal(job)
	backoff := time.Duration(1<<uint(job.RetryCount)) * time.Second
	time.AfterFunc(backoff, func() {
		p.redis.RPush(context.Background(), ReplyQueue, string(jobBytes))
	})
}
