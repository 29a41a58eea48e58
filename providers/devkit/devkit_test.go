package devkit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/providers/monobank"
	"github.com/goliatone/go-payments/providers/stripe"
	"github.com/goliatone/go-payments/store/sql/sqlstoretest"
	"github.com/goliatone/go-payments/transport"
)

func TestFakeHTTPClient_ScriptsAndCapturesRequests(t *testing.T) {
	client := NewFakeHTTPClient(
		TransportScript{StatusCode: http.StatusOK, Body: `{"invoiceId":"inv_9","pageUrl":"https://pay.example.test/inv_9"}`},
		TransportScript{StatusCode: http.StatusOK, Body: `{}`},
	)
	gateway, err := monobank.New(monobank.Config{Token: "token-1", BaseURL: "https://api.example.test"}, transport.NewRESTAdapter(client))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := ValidateGatewayConformance(context.Background(), gateway, core.CreateInvoiceRequest{
		OrderID:     "order-1",
		AmountMinor: 1000,
		Currency:    "UAH",
		Reference:   "order:order-1:attempt:1",
	}); err != nil {
		t.Fatalf("validate gateway conformance: %v", err)
	}

	requests := client.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected create and remove requests, got %d", len(requests))
	}
	if !strings.HasSuffix(requests[1].URL, "/api/merchant/invoice/remove") {
		t.Fatalf("unexpected cancel url %s", requests[1].URL)
	}
	if !strings.Contains(string(requests[1].Body), "inv_9") {
		t.Fatalf("expected cancel body to name the invoice, got %s", requests[1].Body)
	}
	last, ok := client.LastRequest()
	if !ok || last.HeaderValue("x-token") != "token-1" {
		t.Fatalf("expected token header on last request")
	}
}

func TestFakeGateway_ScriptsAndRecords(t *testing.T) {
	boom := errors.New("provider down")
	gateway := NewFakeGateway(core.ProviderMonobank,
		GatewayScript{Err: boom},
		GatewayScript{Block: true},
	)

	if _, err := gateway.CreateInvoice(context.Background(), core.CreateInvoiceRequest{OrderID: "o1"}); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := gateway.CreateInvoice(ctx, core.CreateInvoiceRequest{OrderID: "o1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if err := gateway.CancelInvoice(context.Background(), " inv_1 "); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(gateway.Requests()) != 2 || gateway.Canceled()[0] != "inv_1" {
		t.Fatalf("unexpected recorded calls %v %v", gateway.Requests(), gateway.Canceled())
	}
}

func TestFakeGateway_DefaultInvoices(t *testing.T) {
	gateway := NewFakeGateway(core.ProviderStripe)
	if err := ValidateGatewayConformance(context.Background(), gateway, core.CreateInvoiceRequest{Reference: "ref"}); err != nil {
		t.Fatalf("validate gateway conformance: %v", err)
	}
	if got := gateway.Canceled(); len(got) != 1 || got[0] != "inv_1" {
		t.Fatalf("expected default invoice to be canceled, got %v", got)
	}
	if err := ValidateGatewayConformance(context.Background(), NewFakeGateway(core.ProviderNone), core.CreateInvoiceRequest{}); err == nil {
		t.Fatalf("expected local provider to fail conformance")
	}
}

func TestValidateWebhookCodecConformance(t *testing.T) {
	cases := []struct {
		name  string
		codec core.WebhookCodec
		raw   string
	}{
		{
			name:  "monobank",
			codec: monobank.NewCodec(),
			raw:   `{"invoiceId":"inv_1","status":"success","amount":1000,"ccy":980,"modifiedDate":"2026-03-01T12:00:00Z"}`,
		},
		{
			name:  "stripe",
			codec: stripe.NewCodec(),
			raw:   `{"id":"evt_1","type":"checkout.session.expired","created":1772366700,"data":{"object":{"id":"cs_1","object":"checkout.session"}}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := ValidateWebhookCodecConformance(tc.codec, []byte(tc.raw))
			if err != nil {
				t.Fatalf("validate codec conformance: %v", err)
			}
			if event.Provider != tc.codec.Provider() {
				t.Fatalf("expected provider %s, got %s", tc.codec.Provider(), event.Provider)
			}
		})
	}
}

func TestValidateEventStoreConformance(t *testing.T) {
	factory := sqlstoretest.NewFactory(t, nil)
	if err := ValidateEventStoreConformance(context.Background(), factory.Events(), core.ProviderMonobank, "monobank:sha256:conformance"); err != nil {
		t.Fatalf("validate event store conformance: %v", err)
	}
}
