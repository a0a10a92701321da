package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/autoverse/gemini-backend/internal/ai"
	"github.com/autoverse/gemini-backend/internal/chat"
	"github.com/autoverse/gemini-backend/internal/config"
	"github.com/autoverse/gemini-backend/internal/db"
	"github.com/autoverse/gemini-backend/internal/logging"
	"github.com/autoverse/gemini-backend/internal/store/rabbitmq"
	"github.com/autoverse/gemini-backend/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	gdb := db.Connect(cfg.DBDSN)

	cache := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := cache.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("cache unavailable, running degraded")
	}

	gen := ai.NewGemini(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
	defer gen.Close()

	repo := chat.NewRepo(gdb)
	processor := chat.NewProcessor(repo, gen, cache, cfg.ContextWindowSize)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:          cfg.RabbitURL,
		Queue:        cfg.RabbitQueue,
		Concurrency:  cfg.WorkerConcurrency,
		MaxRetries:   cfg.JobMaxRetries,
		RetryBackoff: cfg.JobRetryBackoff,
		SoftLimit:    cfg.JobSoftTimeLimit,
		HardLimit:    cfg.JobHardTimeLimit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("consumer connect")
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = consumer.Run(ctx, func(jctx context.Context, body []byte) error {
		job, err := chat.DecodeJob(body)
		if err != nil || job.MessageID == "" {
			log.Error().Err(err).Msg("bad job payload, dropping")
			return nil // malformed payloads never become valid; ack them away
		}

		res := processor.Process(jctx, job)
		if res.Retryable() {
			return res.Err
		}
		if res.Err != nil {
			log.Warn().
				Err(res.Err).
				Str("message_id", res.MessageID).
				Str("outcome", string(res.Outcome)).
				Msg("job resolved degraded")
		}
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("consumer stopped")
	}
}
