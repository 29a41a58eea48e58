package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/webhooks"
)

var ErrUnsupportedEvent = errors.New("stripe: unsupported event type")

// SessionLookup resolves the checkout session that created a payment intent.
// An empty id with a nil error means the intent did not come from checkout.
type SessionLookup interface {
	SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (string, error)
}

type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object eventObject `json:"object"`
	} `json:"data"`
}

// eventObject holds the fields read from checkout session, charge and
// dispute objects.
type eventObject struct {
	ID                string `json:"id"`
	Object            string `json:"object"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"payment_status"`
	AmountTotal       int64  `json:"amount_total"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	ClientReferenceID string `json:"client_reference_id"`
	PaymentIntent     string `json:"payment_intent"`
	Refunded          bool   `json:"refunded"`
	Reason            string `json:"reason"`
}

// Codec parses checkout session events, plus full refunds and lost disputes
// of checkout payments. Stripe event ids are stable across redeliveries and
// become the dedup key.
type Codec struct {
	sessions SessionLookup
}

type CodecOption func(*Codec)

// WithSessionLookup lets the codec key charge and dispute events by their
// checkout session. Without it those events are unsupported.
func WithSessionLookup(sessions SessionLookup) CodecOption {
	return func(c *Codec) {
		c.sessions = sessions
	}
}

func NewCodec(opts ...CodecOption) Codec {
	codec := Codec{}
	for _, opt := range opts {
		if opt != nil {
			opt(&codec)
		}
	}
	return codec
}

func (Codec) Provider() core.Provider {
	return ProviderID
}

func (Codec) SignatureHeader() string {
	return SignatureHeader
}

func (c Codec) Parse(raw []byte) (core.ProviderEvent, error) {
	return c.ParseContext(context.Background(), raw)
}

func (c Codec) ParseContext(ctx context.Context, raw []byte) (core.ProviderEvent, error) {
	var payload event
	if err := json.Unmarshal(raw, &payload); err != nil {
		return core.ProviderEvent{}, fmt.Errorf("stripe: decode event: %w", err)
	}
	object := payload.Data.Object
	modifiedAt := time.Time{}
	if payload.Created > 0 {
		modifiedAt = time.Unix(payload.Created, 0).UTC()
	}
	parsed := core.ProviderEvent{
		Provider:       ProviderID,
		EventID:        strings.TrimSpace(payload.ID),
		ProviderStatus: payload.Type,
		Currency:       strings.ToUpper(strings.TrimSpace(object.Currency)),
		ModifiedAt:     modifiedAt,
	}

	switch object.Object {
	case "", "checkout.session":
		status, err := NormalizeEvent(payload.Type, object.PaymentStatus)
		if err != nil {
			return core.ProviderEvent{}, err
		}
		parsed.RemoteID = strings.TrimSpace(object.ID)
		parsed.Status = status
		parsed.AmountMinor = object.AmountTotal
		parsed.Reference = strings.TrimSpace(object.ClientReferenceID)
		return parsed, nil
	case "charge", "dispute":
		state := object.Status
		if object.Object == "charge" {
			state = "partially_refunded"
			if object.Refunded {
				state = "refunded"
			}
		}
		status, err := NormalizeEvent(payload.Type, state)
		if err != nil {
			return core.ProviderEvent{}, err
		}
		sessionID, err := c.session(ctx, object.PaymentIntent, payload.Type)
		if err != nil {
			return core.ProviderEvent{}, err
		}
		parsed.RemoteID = sessionID
		parsed.Status = status
		parsed.AmountMinor = object.Amount
		parsed.FailureReason = strings.TrimSpace(object.Reason)
		return parsed, nil
	default:
		return core.ProviderEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, payload.Type)
	}
}

func (c Codec) session(ctx context.Context, paymentIntentID string, eventType string) (string, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if c.sessions == nil || paymentIntentID == "" {
		return "", fmt.Errorf("%w: %s without checkout session", ErrUnsupportedEvent, eventType)
	}
	sessionID, err := c.sessions.SessionForPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return "", fmt.Errorf("%w: stripe session for %s: %v", webhooks.ErrRemoteLookup, paymentIntentID, err)
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: %s for payment intent %s outside checkout", ErrUnsupportedEvent, eventType, paymentIntentID)
	}
	return strings.TrimSpace(sessionID), nil
}

// NormalizeEvent maps a Stripe event type. state is the session payment
// status, the charge refund state or the dispute status. A completed session
// with an unpaid delayed method stays pending until the async events.
// Partial refunds and disputes that are not lost do not reverse the payment.
func NormalizeEvent(eventType string, state string) (core.NormalizedStatus, error) {
	switch strings.TrimSpace(eventType) {
	case "checkout.session.completed":
		if strings.EqualFold(state, "paid") || strings.EqualFold(state, "no_payment_required") {
			return core.NormalizedStatusSucceeded, nil
		}
		return core.NormalizedStatusPending, nil
	case "checkout.session.async_payment_succeeded":
		return core.NormalizedStatusSucceeded, nil
	case "checkout.session.async_payment_failed":
		return core.NormalizedStatusFailed, nil
	case "checkout.session.expired":
		return core.NormalizedStatusExpired, nil
	case "charge.refunded":
		if strings.EqualFold(state, "refunded") {
			return core.NormalizedStatusReversed, nil
		}
	case "charge.dispute.closed":
		if strings.EqualFold(state, "lost") {
			return core.NormalizedStatusReversed, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
}

// Binding wires the codec to a timestamped HMAC verifier over the endpoint
// signing secret.
func Binding(webhookSecret string, tolerance time.Duration, now func() time.Time, opts ...CodecOption) webhooks.ProviderBinding {
	return webhooks.ProviderBinding{
		Codec: NewCodec(opts...),
		Verifier: webhooks.NewKeyedVerifier(
			webhooks.NewStaticKeyProvider(webhookSecret),
			webhooks.TimestampedHMACCheck("v1", tolerance, now),
		),
	}
}

var (
	_ core.WebhookCodec     = Codec{}
	_ webhooks.ContextCodec = Codec{}
)
