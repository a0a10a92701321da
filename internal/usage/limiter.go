// Package usage implements the authoritative per-user-per-day counters and
// the admission rate limiter gating the message pipeline.
//
// Design: durable-authoritative. Admission and increment read/write the
// usage_tracking table; Redis mirrors the count for display and statistics
// but is never consulted for an admission decision, so the limit survives
// cache eviction and restarts.
package usage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/models"
	"github.com/autoverse/gemini-backend/internal/store/redisstore"
	"github.com/autoverse/gemini-backend/internal/subscription"
)

// LimitExceededError is a client-actionable rejection, not a server error.
type LimitExceededError struct {
	CurrentUsage int
	Limit        int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily message limit exceeded: %d/%d", e.CurrentUsage, e.Limit)
}

// Current is the usage readout produced for clients. Limit is either an int
// or the string "unlimited".
type Current struct {
	MessagesToday int `json:"messages_today"`
	Limit         any `json:"limit"`
}

type Limiter struct {
	db    *gorm.DB
	cache *redisstore.Store
	limit int
}

func NewLimiter(db *gorm.DB, cache *redisstore.Store, dailyLimit int) *Limiter {
	if dailyLimit <= 0 {
		dailyLimit = 5
	}
	return &Limiter{db: db, cache: cache, limit: dailyLimit}
}

// DayUTC truncates t to the UTC calendar day the counters are keyed by.
func DayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (l *Limiter) count(ctx context.Context, userID string, day time.Time) (int, error) {
	var row models.UsageTracking
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, day).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return row.MessageCount, nil
}

// Admit decides whether user may send another message today. PRO users are
// always admitted; BASIC users (including users with no subscription) are
// admitted while today's durable count is strictly below the limit.
func (l *Limiter) Admit(ctx context.Context, user *models.User) error {
	if subscription.ResolveTier(ctx, l.db, user) == models.TierPro {
		return nil
	}

	n, err := l.count(ctx, user.ID, DayUTC(time.Now()))
	if err != nil {
		return err
	}
	if n >= l.limit {
		return &LimitExceededError{CurrentUsage: n, Limit: l.limit}
	}
	return nil
}

// Increment records one sent message against today's counter, creating the
// row lazily on the first use of the day, and mirrors the new count to Redis
// with an expiry at the next UTC midnight. Returns the new count.
func (l *Limiter) Increment(ctx context.Context, userID string) (int, error) {
	now := time.Now().UTC()
	day := DayUTC(now)

	var count int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UsageTracking{}).
			Where("user_id = ? AND date = ?", userID, day).
			Updates(map[string]any{
				"message_count": gorm.Expr("message_count + 1"),
				"api_calls":     gorm.Expr("api_calls + 1"),
				"last_updated":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			row := models.UsageTracking{
				UserID:       userID,
				Date:         day,
				MessageCount: 1,
				APICalls:     1,
				LastUpdated:  now,
			}
			if err := tx.Create(&row).Error; err != nil {
				// lost the create race; fall back to the increment
				return tx.Model(&models.UsageTracking{}).
					Where("user_id = ? AND date = ?", userID, day).
					Updates(map[string]any{
						"message_count": gorm.Expr("message_count + 1"),
						"api_calls":     gorm.Expr("api_calls + 1"),
						"last_updated":  now,
					}).Error
			}
		}

		var row models.UsageTracking
		if err := tx.Where("user_id = ? AND date = ?", userID, day).First(&row).Error; err != nil {
			return err
		}
		count = row.MessageCount
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Mirror for fast reads; not authoritative.
	if l.cache != nil {
		ttl := time.Until(day.AddDate(0, 0, 1))
		l.cache.Set(ctx, redisstore.UsageKey(userID, day), fmt.Sprintf("%d", count), ttl)
	}
	return count, nil
}

// Usage returns the {messages_today, limit|"unlimited"} readout.
func (l *Limiter) Usage(ctx context.Context, user *models.User) (Current, error) {
	n, err := l.count(ctx, user.ID, DayUTC(time.Now()))
	if err != nil {
		return Current{}, err
	}
	if subscription.ResolveTier(ctx, l.db, user) == models.TierPro {
		return Current{MessagesToday: n, Limit: "unlimited"}, nil
	}
	return Current{MessagesToday: n, Limit: l.limit}, nil
}
