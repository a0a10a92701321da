package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/ai"
	"github.com/autoverse/gemini-backend/internal/models"
	"github.com/autoverse/gemini-backend/internal/store/redisstore"
)

// FallbackInternalError is persisted as the reply when processing fails and
// the recovery branch takes over. It is a user-visible message, not an error
// code: the caller already got an "accepted" acknowledgment and has no
// synchronous channel left to receive an error on.
const FallbackInternalError = "Sorry, an internal error occurred. Please try again."

// FallbackEmptyContent short-circuits the provider call for blank input.
const FallbackEmptyContent = "[Cannot process: empty user message.]"

// ErrMessageNotFound means the job outlived its message row. The job is a
// terminal no-op and must not be retried.
var ErrMessageNotFound = errors.New("message not found")

// Outcome labels the terminal result of one processing run.
type Outcome string

const (
	// OutcomeCompleted: the main path succeeded and an AI reply row exists.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFallback: a step failed but the recovery write forced the
	// message to COMPLETED with the fallback text. No AI reply row.
	OutcomeFallback Outcome = "completed_fallback"
	// OutcomeAlreadyDone: redelivery of a job whose message is already
	// terminal; nothing was written.
	OutcomeAlreadyDone Outcome = "already_completed"
	// OutcomeMissing: the message row no longer exists.
	OutcomeMissing Outcome = "missing"
	// OutcomeRecoveryFailed: even the fallback write failed; the message may
	// still be non-terminal and the job must go back to the queue.
	OutcomeRecoveryFailed Outcome = "recovery_failed"
)

// Result is the explicit per-run outcome. The fallback write is a normal
// branch here, and its own failure is a distinct, observable outcome rather
// than a swallowed secondary exception.
type Result struct {
	MessageID   string
	Outcome     Outcome
	AIMessageID string
	ElapsedMs   int64
	Err         error
}

// Retryable reports whether the queue should redeliver the job.
func (r Result) Retryable() bool { return r.Outcome == OutcomeRecoveryFailed }

// Store is the slice of Repo the processor needs. Narrowed for tests.
type Store interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteAndInsertReply(ctx context.Context, msgID, response string, elapsedMs int64, reply *models.Message) error
	ForceComplete(ctx context.Context, id, fallback string) error
	TouchChatroom(ctx context.Context, chatroomID string) error
}

// Processor owns a message's lifecycle from PENDING to a terminal state.
// Each job operates on a distinct message id, so concurrent processors never
// contend outside the database itself.
type Processor struct {
	store  Store
	gen    ai.Generator
	cache  *redisstore.Store
	window int
}

func NewProcessor(store Store, gen ai.Generator, cache *redisstore.Store, window int) *Processor {
	if window <= 0 || window > 100 {
		window = DefaultContextWindow
	}
	return &Processor{store: store, gen: gen, cache: cache, window: window}
}

// Process runs the state machine for one job:
//
//	PENDING -> PROCESSING -> {COMPLETED, FAILED}
//
// The dominant rule is graceful degradation: any failure past the initial
// load flows into the recovery branch, which forces the message to COMPLETED
// with the fallback text so it can never stay stuck in PROCESSING. Only a
// failed recovery write surfaces an error to the queue's retry mechanism.
func (p *Processor) Process(ctx context.Context, job Job) Result {
	start := time.Now()

	msg, err := p.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Str("message_id", job.MessageID).Msg("job references missing message, dropping")
			return Result{MessageID: job.MessageID, Outcome: OutcomeMissing, Err: ErrMessageNotFound}
		}
		return p.recover(ctx, job.MessageID, "", fmt.Errorf("load message: %w", err))
	}

	// Redelivered job for a message that already converged. At-least-once
	// delivery makes this reachable; writing again would regress state or
	// duplicate the reply row.
	if msg.Status == models.StatusCompleted {
		log.Info().Str("message_id", msg.ID).Msg("message already completed, skipping")
		return Result{MessageID: msg.ID, Outcome: OutcomeAlreadyDone}
	}

	// Visible to readers before the slow provider call begins.
	if err := p.store.MarkProcessing(ctx, msg.ID); err != nil {
		return p.recover(ctx, msg.ID, msg.UserID, fmt.Errorf("mark processing: %w", err))
	}

	response, err := p.generate(ctx, job)
	if err != nil {
		return p.recover(ctx, msg.ID, msg.UserID, err)
	}

	elapsed := time.Since(start).Milliseconds()
	reply := &models.Message{
		ChatroomID:       msg.ChatroomID,
		UserID:           msg.UserID,
		Content:          response,
		Type:             models.MessageAI,
		Status:           models.StatusCompleted,
		ProcessingTimeMs: &elapsed,
	}
	if err := p.store.CompleteAndInsertReply(ctx, msg.ID, response, elapsed, reply); err != nil {
		return p.recover(ctx, msg.ID, msg.UserID, fmt.Errorf("persist result: %w", err))
	}

	// the reply counts as chatroom activity, so listings re-sort
	if err := p.store.TouchChatroom(ctx, msg.ChatroomID); err != nil {
		log.Warn().Err(err).Str("chatroom_id", msg.ChatroomID).Msg("chatroom touch failed")
	}
	p.invalidateListing(ctx, msg.UserID)
	log.Info().
		Str("message_id", msg.ID).
		Str("ai_message_id", reply.ID).
		Int64("elapsed_ms", elapsed).
		Msg("message processed")

	return Result{MessageID: msg.ID, Outcome: OutcomeCompleted, AIMessageID: reply.ID, ElapsedMs: elapsed}
}

// generate calls the adapter, converting a panicking collaborator into an
// error so it lands in the recovery branch instead of killing the worker.
// The adapter itself never returns an error.
func (p *Processor) generate(ctx context.Context, job Job) (response string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()

	if strings.TrimSpace(job.Content) == "" {
		log.Warn().Str("message_id", job.MessageID).Msg("empty user content")
		return FallbackEmptyContent, nil
	}

	turns := BuildTurns(job.Context, job.Content, p.window)
	return p.gen.Generate(ctx, job.Content, turns), nil
}

// recover is the last line of defense against a permanently-PROCESSING
// message: one forced write to COMPLETED with the fallback text. No AI reply
// row is created on this path. If this write also fails the result is
// retryable and the message stays unresolved until the queue gives up.
func (p *Processor) recover(ctx context.Context, msgID, userID string, cause error) Result {
	log.Error().Err(cause).Str("message_id", msgID).Msg("processing failed, forcing completion")

	if err := p.store.ForceComplete(ctx, msgID, FallbackInternalError); err != nil {
		log.Error().Err(err).Str("message_id", msgID).Msg("recovery write failed")
		return Result{
			MessageID: msgID,
			Outcome:   OutcomeRecoveryFailed,
			Err:       errors.Join(cause, err),
		}
	}

	if userID != "" {
		p.invalidateListing(ctx, userID)
	}
	return Result{MessageID: msgID, Outcome: OutcomeFallback, Err: cause}
}

// invalidateListing drops the owner's cached chatroom listing so readers see
// fresh message_count and ordering.
func (p *Processor) invalidateListing(ctx context.Context, userID string) {
	if p.cache == nil {
		return
	}
	p.cache.Delete(ctx, redisstore.ChatroomListKey(userID))
}
