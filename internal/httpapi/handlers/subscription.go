package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/autoverse/gemini-backend/internal/common"
	"github.com/autoverse/gemini-backend/internal/subscription"
)

func (h *Handler) SubscribePro(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	url, sessionID, err := h.Subs.CreateCheckout(c.Request.Context(), user)
	if err != nil {
		if errors.Is(err, subscription.ErrAlreadyPro) {
			common.Fail(c, http.StatusBadRequest, 10020, "user already has an active pro subscription")
			return
		}
		log.Error().Err(err).Str("user_id", user.ID).Msg("checkout creation failed")
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to create checkout session")
		return
	}

	log.Info().Str("user_id", user.ID).Str("session_id", sessionID).Msg("checkout session created")
	common.OK(c, gin.H{
		"checkout_url": url,
		"session_id":   sessionID,
	})
}

func (h *Handler) SubscriptionStatus(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	sub, err := h.Subs.Current(ctx, user)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	current, err := h.Limiter.Usage(ctx, user)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	common.OK(c, gin.H{
		"plan":               sub.PlanType,
		"status":             sub.Status,
		"current_period_end": sub.CurrentPeriodEnd,
		"usage":              current,
	})
}

// StripeWebhook handles exactly one event type, checkout.session.completed,
// and ignores the rest.
func (h *Handler) StripeWebhook(c *gin.Context) {
	sig := c.GetHeader("Stripe-Signature")
	if sig == "" {
		common.Fail(c, http.StatusBadRequest, 10030, "missing stripe signature")
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10031, "unreadable payload")
		return
	}

	event, err := h.Subs.ParseWebhook(payload, sig)
	if err != nil {
		log.Error().Err(err).Msg("invalid stripe webhook")
		common.Fail(c, http.StatusBadRequest, 10032, "invalid stripe webhook")
		return
	}
	if event == nil {
		common.OK(c, gin.H{"ignored": true})
		return
	}

	if err := h.Subs.ApplyCheckoutCompleted(c.Request.Context(),
		event.UserID, event.StripeCustomerID, event.StripeSubscriptionID, event.Paid); err != nil {
		log.Error().Err(err).Str("user_id", event.UserID).Msg("webhook apply failed")
		common.Fail(c, http.StatusInternalServerError, 50011, "failed to apply webhook")
		return
	}
	common.OK(c, gin.H{"received": true})
}
