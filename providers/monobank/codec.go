package monobank

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/webhooks"
)

var currencies = map[string]int{
	"UAH": 980,
	"USD": 840,
	"EUR": 978,
	"GBP": 826,
	"PLN": 985,
}

// CurrencyCode returns the ISO 4217 numeric code monobank expects.
func CurrencyCode(currency string) (int, bool) {
	code, ok := currencies[strings.ToUpper(strings.TrimSpace(currency))]
	return code, ok
}

// CurrencyName maps a numeric code back to its alphabetic code.
func CurrencyName(code int) (string, bool) {
	for name, value := range currencies {
		if value == code {
			return name, true
		}
	}
	return "", false
}

// NormalizeStatus maps invoice statuses. created, processing and hold are
// non-terminal.
func NormalizeStatus(status string) (core.NormalizedStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "created", "processing", "hold":
		return core.NormalizedStatusPending, true
	case "success":
		return core.NormalizedStatusSucceeded, true
	case "failure":
		return core.NormalizedStatusFailed, true
	case "expired":
		return core.NormalizedStatusExpired, true
	case "reversed":
		return core.NormalizedStatusReversed, true
	default:
		return "", false
	}
}

type invoiceWebhook struct {
	InvoiceID     string    `json:"invoiceId"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failureReason"`
	Amount        int64     `json:"amount"`
	FinalAmount   *int64    `json:"finalAmount"`
	Ccy           int       `json:"ccy"`
	Reference     string    `json:"reference"`
	CreatedDate   time.Time `json:"createdDate"`
	ModifiedDate  time.Time `json:"modifiedDate"`
}

// Codec parses monobank invoice status webhooks. Monobank sends no stable
// event id, so events dedupe on the raw body digest.
type Codec struct{}

func NewCodec() Codec {
	return Codec{}
}

func (Codec) Provider() core.Provider {
	return ProviderID
}

func (Codec) SignatureHeader() string {
	return SignatureHeader
}

func (Codec) Parse(raw []byte) (core.ProviderEvent, error) {
	var payload invoiceWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return core.ProviderEvent{}, fmt.Errorf("monobank: decode webhook: %w", err)
	}
	status, ok := NormalizeStatus(payload.Status)
	if !ok {
		return core.ProviderEvent{}, fmt.Errorf("monobank: unknown invoice status %q", payload.Status)
	}
	currency := ""
	if payload.Ccy != 0 {
		name, ok := CurrencyName(payload.Ccy)
		if !ok {
			return core.ProviderEvent{}, fmt.Errorf("monobank: unknown currency code %d", payload.Ccy)
		}
		currency = name
	}
	return core.ProviderEvent{
		Provider:       ProviderID,
		RemoteID:       strings.TrimSpace(payload.InvoiceID),
		ProviderStatus: strings.ToLower(strings.TrimSpace(payload.Status)),
		Status:         status,
		AmountMinor:    payload.Amount,
		Currency:       currency,
		FailureReason:  strings.TrimSpace(payload.FailureReason),
		ModifiedAt:     payload.ModifiedDate.UTC(),
		Reference:      strings.TrimSpace(payload.Reference),
	}, nil
}

// Binding wires the codec to an ECDSA verifier backed by keys.
func Binding(keys webhooks.KeyProvider) webhooks.ProviderBinding {
	return webhooks.ProviderBinding{
		Codec:    NewCodec(),
		Verifier: webhooks.NewKeyedVerifier(keys, webhooks.ECDSACheck()),
	}
}

var _ core.WebhookCodec = Codec{}
