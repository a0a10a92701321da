package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autoverse/gemini-backend/internal/config"
	"github.com/autoverse/gemini-backend/internal/db"
	"github.com/autoverse/gemini-backend/internal/httpapi"
	"github.com/autoverse/gemini-backend/internal/httpapi/handlers"
	"github.com/autoverse/gemini-backend/internal/logging"
	"github.com/autoverse/gemini-backend/internal/store/rabbitmq"
	"github.com/autoverse/gemini-backend/internal/store/redisstore"
	"github.com/autoverse/gemini-backend/internal/subscription"
	"github.com/autoverse/gemini-backend/internal/usage"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	gdb := db.Connect(cfg.DBDSN)

	cache := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := cache.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("cache unavailable, running degraded")
	}

	queue, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("queue connect")
	}
	defer queue.Close()

	stripeClient := subscription.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.StripeProPriceID)
	subs := subscription.NewService(gdb, stripeClient)
	limiter := usage.NewLimiter(gdb, cache, cfg.BasicDailyLimit)

	h := handlers.NewHandler(gdb, cfg, cache, queue, limiter, subs)
	router := httpapi.NewRouter(cfg, h)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("api server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
