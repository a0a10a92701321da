package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Handler processes one job body. A nil return acknowledges the job; an
// error sends it to the retry queue until the retry budget is spent, then to
// the DLQ.
type Handler func(ctx context.Context, body []byte) error

type ConsumerConfig struct {
	URL         string
	Queue       string
	Concurrency int

	MaxRetries   int           // redeliveries before the DLQ
	RetryBackoff time.Duration // fixed delay between attempts
	SoftLimit    time.Duration // warning before the hard cutoff
	HardLimit    time.Duration // job forcibly cancelled past this
}

// Consumer drains the named queue with a fixed-size worker pool. Prefetch
// equals the pool size: each worker slot holds at most one unacknowledged
// job, so a slow job cannot starve the rest of the queue behind speculative
// over-fetch.
type Consumer struct {
	cfg  ConsumerConfig
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 60 * time.Second
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = 25 * time.Minute
	}
	if cfg.HardLimit <= cfg.SoftLimit {
		cfg.HardLimit = cfg.SoftLimit + 5*time.Minute
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}

	if err := declareTopology(ch, cfg.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}

	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}

	return &Consumer{cfg: cfg, conn: conn, ch: ch}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run blocks until ctx is cancelled, dispatching deliveries to the pool.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	log.Info().
		Str("queue", c.cfg.Queue).
		Int("concurrency", c.cfg.Concurrency).
		Msg("consumer started")

	jobs := make(chan amqp.Delivery)

	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handleDelivery(ctx, workerID, d, handle)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("consumer shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				close(jobs)
				wg.Wait()
				return fmt.Errorf("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	start := time.Now()
	attempt := attemptsFrom(d.Headers)

	jctx, cancel := context.WithTimeout(ctx, c.cfg.HardLimit)
	defer cancel()

	soft := time.AfterFunc(c.cfg.SoftLimit, func() {
		log.Warn().
			Int("worker", workerID).
			Dur("elapsed", c.cfg.SoftLimit).
			Msg("job exceeded soft time limit")
	})
	defer soft.Stop()

	err := handle(jctx, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Int("worker", workerID).Msg("ack failed")
		}
		return
	}

	log.Error().
		Err(err).
		Int("worker", workerID).
		Int("attempt", attempt+1).
		Dur("cost", time.Since(start)).
		Msg("job failed")

	if !retriesLeft(attempt, c.cfg.MaxRetries) {
		// budget spent: dead-letter to the DLQ
		_ = d.Nack(false, false)
		return
	}

	if err := c.publishRetry(d, attempt+1); err != nil {
		log.Error().Err(err).Int("worker", workerID).Msg("retry publish failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// retriesLeft reports whether a job that has already been retried attempt
// times still has budget under max. A job is retried exactly max times
// before it dead-letters.
func retriesLeft(attempt, max int) bool {
	return attempt < max
}

// publishRetry parks a copy of the job on the retry queue; its per-message
// TTL dead-letters it back to the main queue after the fixed backoff.
func (c *Consumer) publishRetry(d amqp.Delivery, attempts int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptsHeader] = int32(attempts)

	return c.ch.PublishWithContext(
		context.Background(),
		"",
		c.cfg.Queue+".retry",
		false,
		false,
		amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Body:         d.Body,
			Headers:      headers,
			Expiration:   fmt.Sprintf("%d", c.cfg.RetryBackoff.Milliseconds()),
			Timestamp:    time.Now(),
		},
	)
}
