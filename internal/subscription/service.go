// Package subscription owns subscription tier state and the Stripe billing
// boundary. A user's authoritative subscription is the row referenced by
// User.CurrentSubscriptionID; the pointer is maintained transactionally
// wherever a row is created or upgraded.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/models"
)

var (
	ErrAlreadyPro   = errors.New("user already has an active pro subscription")
	ErrUserNotFound = errors.New("user not found")
)

type Service struct {
	db     *gorm.DB
	stripe *StripeClient
}

func NewService(db *gorm.DB, stripe *StripeClient) *Service {
	return &Service{db: db, stripe: stripe}
}

// ParseWebhook delegates signature verification and decoding to the Stripe
// boundary.
func (s *Service) ParseWebhook(payload []byte, signature string) (*CheckoutCompletedEvent, error) {
	return s.stripe.ParseWebhook(payload, signature)
}

// ResolveTier returns the user's effective tier. No current subscription
// means BASIC, i.e. subject to the daily limit.
func ResolveTier(ctx context.Context, db *gorm.DB, user *models.User) models.SubscriptionTier {
	if user == nil || user.CurrentSubscriptionID == nil {
		return models.TierBasic
	}
	var sub models.Subscription
	if err := db.WithContext(ctx).First(&sub, "id = ?", *user.CurrentSubscriptionID).Error; err != nil {
		return models.TierBasic
	}
	return sub.PlanType
}

// EnsureDefault creates the signup-time BASIC subscription and wires the
// current pointer, all in the caller's transaction.
func EnsureDefault(tx *gorm.DB, user *models.User) error {
	sub := &models.Subscription{
		UserID:   user.ID,
		PlanType: models.TierBasic,
		Status:   models.SubActive,
	}
	if err := tx.Create(sub).Error; err != nil {
		return err
	}
	user.CurrentSubscriptionID = &sub.ID
	return tx.Model(user).Update("current_subscription_id", sub.ID).Error
}

// Current returns the user's subscription row, creating the default BASIC one
// on first read if it is somehow missing.
func (s *Service) Current(ctx context.Context, user *models.User) (*models.Subscription, error) {
	if user.CurrentSubscriptionID != nil {
		var sub models.Subscription
		if err := s.db.WithContext(ctx).First(&sub, "id = ?", *user.CurrentSubscriptionID).Error; err == nil {
			return &sub, nil
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return EnsureDefault(tx, user)
	})
	if err != nil {
		return nil, err
	}

	var sub models.Subscription
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", *user.CurrentSubscriptionID).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateCheckout starts a Stripe checkout session for the PRO plan. A user
// who is already on an active PRO subscription is rejected.
func (s *Service) CreateCheckout(ctx context.Context, user *models.User) (checkoutURL, sessionID string, err error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND plan_type = ? AND status = ?", user.ID, models.TierPro, models.SubActive).
		Count(&count).Error; err != nil {
		return "", "", err
	}
	if count > 0 {
		return "", "", ErrAlreadyPro
	}
	return s.stripe.CreateCheckoutSession(user.ID)
}

// ApplyCheckoutCompleted performs the single state transition the payment
// webhook triggers: the user's current subscription row mutates in place to
// PRO with a period of now -> one calendar month later. No duplicate row is
// ever created for the user; only a user with no subscription at all gets a
// fresh row. Tier resolution respects the change on the next read.
func (s *Service) ApplyCheckoutCompleted(ctx context.Context, userID, stripeCustomerID, stripeSubscriptionID string, paid bool) error {
	if !paid {
		log.Warn().Str("user_id", userID).Msg("checkout completed without paid status, ignoring")
		return nil
	}

	now := time.Now().UTC()
	periodEnd := now.AddDate(0, 1, 0)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		var sub models.Subscription
		found := false
		if user.CurrentSubscriptionID != nil {
			if err := tx.First(&sub, "id = ?", *user.CurrentSubscriptionID).Error; err == nil {
				found = true
			}
		}

		if found {
			if err := tx.Model(&sub).Updates(map[string]any{
				"plan_type":              models.TierPro,
				"status":                 models.SubActive,
				"stripe_subscription_id": stripeSubscriptionID,
				"stripe_customer_id":     stripeCustomerID,
				"current_period_start":   now,
				"current_period_end":     periodEnd,
			}).Error; err != nil {
				return err
			}
			log.Info().Str("user_id", userID).Str("subscription_id", sub.ID).Msg("subscription upgraded to pro")
			return nil
		}

		sub = models.Subscription{
			UserID:               userID,
			PlanType:             models.TierPro,
			Status:               models.SubActive,
			StripeSubscriptionID: &stripeSubscriptionID,
			StripeCustomerID:     &stripeCustomerID,
			CurrentPeriodStart:   &now,
			CurrentPeriodEnd:     &periodEnd,
		}
		if err := tx.Create(&sub).Error; err != nil {
			return err
		}
		log.Info().Str("user_id", userID).Str("subscription_id", sub.ID).Msg("pro subscription created")
		return tx.Model(&user).Update("current_subscription_id", sub.ID).Error
	})
}
