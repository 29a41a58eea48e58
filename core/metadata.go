package core

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const metadataVersion = 1

var ErrInvalidMetadata = errors.New("core: invalid metadata")

type RefundEntry struct {
	AttemptID   string    `json:"attempt_id"`
	RemoteID    string    `json:"remote_id"`
	AmountMinor int64     `json:"amount_minor"`
	Reason      string    `json:"reason,omitempty"`
	EventID     string    `json:"event_id,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// OrderMetadata is the provider bag stored on an order. Lists are append-only.
type OrderMetadata struct {
	Version    int           `json:"v"`
	InvoiceIDs []string      `json:"invoice_ids,omitempty"`
	Refunds    []RefundEntry `json:"refunds,omitempty"`
}

func (m OrderMetadata) Validate() error {
	if m.Version != 0 && m.Version != metadataVersion {
		return fmt.Errorf("%w: unsupported order metadata version %d", ErrInvalidMetadata, m.Version)
	}
	seen := make(map[string]struct{}, len(m.InvoiceIDs))
	for _, id := range m.InvoiceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("%w: empty invoice id", ErrInvalidMetadata)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate invoice id %q", ErrInvalidMetadata, id)
		}
		seen[id] = struct{}{}
	}
	for _, refund := range m.Refunds {
		if strings.TrimSpace(refund.RemoteID) == "" {
			return fmt.Errorf("%w: refund remote id is required", ErrInvalidMetadata)
		}
		if refund.AmountMinor < 0 {
			return fmt.Errorf("%w: refund amount must not be negative", ErrInvalidMetadata)
		}
	}
	return nil
}

// WithInvoice returns a copy with the invoice id appended. Appending a known id is a no-op.
func (m OrderMetadata) WithInvoice(invoiceID string) OrderMetadata {
	out := m.clone()
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" || slices.Contains(out.InvoiceIDs, invoiceID) {
		return out
	}
	out.InvoiceIDs = append(out.InvoiceIDs, invoiceID)
	return out
}

// WithRefund returns a copy with the refund appended.
func (m OrderMetadata) WithRefund(entry RefundEntry) OrderMetadata {
	out := m.clone()
	for _, existing := range out.Refunds {
		if existing.RemoteID == entry.RemoteID && existing.EventID == entry.EventID {
			return out
		}
	}
	out.Refunds = append(out.Refunds, entry)
	return out
}

func (m OrderMetadata) clone() OrderMetadata {
	return OrderMetadata{
		Version:    metadataVersion,
		InvoiceIDs: append([]string(nil), m.InvoiceIDs...),
		Refunds:    append([]RefundEntry(nil), m.Refunds...),
	}
}

func (m OrderMetadata) Value() (driver.Value, error) {
	out := m.clone()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

func (m *OrderMetadata) Scan(src any) error {
	var decoded OrderMetadata
	if err := scanMetadata(src, &decoded); err != nil {
		return err
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*m = decoded
	return nil
}

// AttemptMetadata is the provider bag stored on a payment attempt.
type AttemptMetadata struct {
	Version       int    `json:"v"`
	PageURL       string `json:"page_url,omitempty"`
	Reference     string `json:"reference,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (m AttemptMetadata) Validate() error {
	if m.Version != 0 && m.Version != metadataVersion {
		return fmt.Errorf("%w: unsupported attempt metadata version %d", ErrInvalidMetadata, m.Version)
	}
	if url := strings.TrimSpace(m.PageURL); url != "" &&
		!strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return fmt.Errorf("%w: page url must be absolute", ErrInvalidMetadata)
	}
	return nil
}

func (m AttemptMetadata) Value() (driver.Value, error) {
	m.Version = metadataVersion
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

func (m *AttemptMetadata) Scan(src any) error {
	var decoded AttemptMetadata
	if err := scanMetadata(src, &decoded); err != nil {
		return err
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*m = decoded
	return nil
}

func scanMetadata(src any, target any) error {
	var payload []byte
	switch typed := src.(type) {
	case nil:
		return nil
	case []byte:
		payload = typed
	case string:
		payload = []byte(typed)
	default:
		return fmt.Errorf("%w: unsupported source type %T", ErrInvalidMetadata, src)
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return nil
}
