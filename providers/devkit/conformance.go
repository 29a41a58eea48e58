package devkit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
)

// ValidateGatewayConformance creates one invoice and cancels it.
func ValidateGatewayConformance(
	ctx context.Context,
	gateway core.PaymentGateway,
	req core.CreateInvoiceRequest,
) error {
	if gateway == nil {
		return fmt.Errorf("devkit: payment gateway is required")
	}
	if !gateway.Provider().Remote() {
		return fmt.Errorf("devkit: gateway provider %q does not issue remote invoices", gateway.Provider())
	}
	invoice, err := gateway.CreateInvoice(ctx, req)
	if err != nil {
		return err
	}
	if strings.TrimSpace(invoice.RemoteID) == "" {
		return fmt.Errorf("devkit: invoice remote id is required")
	}
	return gateway.CancelInvoice(ctx, invoice.RemoteID)
}

// ValidateWebhookCodecConformance parses a sample body and checks the event
// is usable by the applier.
func ValidateWebhookCodecConformance(codec core.WebhookCodec, raw []byte) (core.ProviderEvent, error) {
	if codec == nil {
		return core.ProviderEvent{}, fmt.Errorf("devkit: webhook codec is required")
	}
	if strings.TrimSpace(codec.SignatureHeader()) == "" {
		return core.ProviderEvent{}, fmt.Errorf("devkit: codec signature header is required")
	}
	event, err := codec.Parse(raw)
	if err != nil {
		return core.ProviderEvent{}, err
	}
	if event.Provider != "" && event.Provider != codec.Provider() {
		return core.ProviderEvent{}, fmt.Errorf("devkit: codec returned provider %q, expected %q", event.Provider, codec.Provider())
	}
	if err := event.Validate(); err != nil {
		return core.ProviderEvent{}, err
	}
	return event, nil
}

// ValidateEventStoreConformance checks reservation dedupe and claim exclusion.
func ValidateEventStoreConformance(
	ctx context.Context,
	store core.WebhookEventStore,
	provider core.Provider,
	eventKey string,
) error {
	if store == nil {
		return fmt.Errorf("devkit: webhook event store is required")
	}
	event := core.WebhookEvent{
		Provider:  provider,
		EventKey:  eventKey,
		RawSHA256: strings.Repeat("0", 64),
		Payload: core.ProviderEvent{
			Provider:   provider,
			RemoteID:   "conformance",
			Status:     core.NormalizedStatusPending,
			ModifiedAt: time.Unix(1, 0).UTC(),
		},
	}
	first, created, err := store.Reserve(ctx, core.ReserveEventInput{Event: event, WorkerID: "devkit-1", Lease: time.Minute})
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("devkit: first reservation should create the event")
	}
	second, created, err := store.Reserve(ctx, core.ReserveEventInput{Event: event, WorkerID: "devkit-2", Lease: time.Minute})
	if err != nil {
		return err
	}
	if created || second.ID != first.ID {
		return fmt.Errorf("devkit: duplicate reservation should return the stored event")
	}
	if _, claimed, err := store.ClaimByID(ctx, first.ID, "devkit-2", time.Minute); err != nil {
		return err
	} else if claimed {
		return fmt.Errorf("devkit: claim should not be granted while the lease is live")
	}
	if err := store.RecordOutcome(ctx, first.ID, core.ApplyOutcome{Result: core.AppliedResultNoop, ErrorCode: core.ReasonNonTerminal}); err != nil {
		return err
	}
	third, _, err := store.Reserve(ctx, core.ReserveEventInput{Event: event, WorkerID: "devkit-3", Lease: time.Minute})
	if err != nil {
		return err
	}
	if !third.Decided() {
		return fmt.Errorf("devkit: decided event should report its outcome")
	}
	return nil
}
