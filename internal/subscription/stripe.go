package subscription

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeClient wraps the two Stripe touch points: checkout session creation
// and webhook event verification.
type StripeClient struct {
	webhookSecret string
	proPriceID    string
	successURL    string
	cancelURL     string
}

func NewStripeClient(secretKey, webhookSecret, proPriceID string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{
		webhookSecret: webhookSecret,
		proPriceID:    proPriceID,
		successURL:    "https://autoverse.site?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:     "https://autoverse.site",
	}
}

func (c *StripeClient) CreateCheckoutSession(userID string) (checkoutURL, sessionID string, err error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.proPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Metadata: map[string]string{
			"user_id": userID,
		},
	}

	s, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("stripe checkout: %w", err)
	}
	return s.URL, s.ID, nil
}

// CheckoutCompletedEvent is the decoded payload of the one webhook event this
// system acts on.
type CheckoutCompletedEvent struct {
	UserID               string
	StripeCustomerID     string
	StripeSubscriptionID string
	Paid                 bool
}

// ParseWebhook verifies the signature and decodes the event. It returns
// (nil, nil) for event types this system ignores.
func (c *StripeClient) ParseWebhook(payload []byte, signature string) (*CheckoutCompletedEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid stripe webhook: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}

	out := &CheckoutCompletedEvent{
		UserID: cs.Metadata["user_id"],
		Paid:   cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	if cs.Customer != nil {
		out.StripeCustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		out.StripeSubscriptionID = cs.Subscription.ID
	}
	return out, nil
}
