package settlement

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

// InitStripe initializes the Stripe API with the secret key
func InitStripe(secretKey string) {
	stripe.Key = secretKey
}

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

// VerifyWebhook authenticates a raw webhook delivery. The signature
// header carries t=<unix_ts>,v1=<hex_hmac> pairs; verification
// recomputes HMAC-SHA256 over "{t}.{body}" and rejects timestamps
// outside the 300 second replay window (the library default, which is
// the contract value). Nothing downstream runs on a failed check.
//
// An empty secret switches to weak mode: the envelope is parsed
// unauthenticated. That is a deployment misconfiguration, not a
// feature; callers log it as a security event per request.
func (s *Service) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if s.WebhookSecret == "" {
		s.Logger.LogSecurity("WEAK_MODE", "STRIPE_WEBHOOK_SECRET not configured, accepting unverified webhook")
		var event stripe.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return stripe.Event{}, &WebhookError{
				Category:      "validation",
				StatusCode:    http.StatusBadRequest,
				PublicError:   "Invalid webhook payload",
				InternalError: fmt.Sprintf("Failed to parse webhook payload: %v", err),
				OriginalErr:   err,
			}
		}
		return event, nil
	}

	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true, // Allow API version mismatches
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.WebhookSecret, opts)
	if err != nil {
		s.Logger.Error("WEBHOOK", fmt.Sprintf("Webhook signature verification failed: %v", err))
		return stripe.Event{}, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook signature",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	return event, nil
}

// CardLookup fetches payment-method presentation details from the
// processor. Supplementary only: settlement state never depends on it.
type CardLookup interface {
	CardDetails(paymentIntentID string) (brand, last4 string, err error)
}

type StripeCardLookup struct{}

func (StripeCardLookup) CardDetails(paymentIntentID string) (string, string, error) {
	params := &stripe.PaymentIntentParams{}
	params.AddExpand("latest_charge")

	pi, err := paymentintent.Get(paymentIntentID, params)
	if err != nil {
		return "", "", fmt.Errorf("failed to retrieve payment intent %s: %w", paymentIntentID, err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.PaymentMethodDetails == nil || pi.LatestCharge.PaymentMethodDetails.Card == nil {
		return "", "", nil
	}
	card := pi.LatestCharge.PaymentMethodDetails.Card
	return string(card.Brand), string(card.Last4), nil
}
