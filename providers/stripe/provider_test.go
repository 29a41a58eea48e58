package stripe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/transport"
	"github.com/goliatone/go-payments/webhooks"
)

func TestGatewayCreatesCheckoutSession(t *testing.T) {
	var form url.Values
	var idempotencyKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		idempotencyKey = r.Header.Get("Idempotency-Key")
		if r.URL.Path != checkoutSessionsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"cs_test_1","url":"https://checkout.stripe.test/cs_test_1"}`))
	}))
	defer server.Close()

	gateway, err := New(Config{SecretKey: "sk_test", BaseURL: server.URL, SuccessURL: "https://shop.example.test/done"}, transport.NewRESTAdapter(server.Client()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	invoice, err := gateway.CreateInvoice(context.Background(), core.CreateInvoiceRequest{
		OrderID:        "order-1",
		AttemptID:      "attempt-1",
		IdempotencyKey: "order:order-1:attempt:1",
		AmountMinor:    1000,
		Currency:       "EUR",
		Reference:      "order:order-1:attempt:1",
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if invoice.RemoteID != "cs_test_1" {
		t.Fatalf("unexpected invoice %+v", invoice)
	}
	if idempotencyKey != "order:order-1:attempt:1" {
		t.Fatalf("expected idempotency key header, got %q", idempotencyKey)
	}
	if form.Get("line_items[0][price_data][unit_amount]") != "1000" || form.Get("line_items[0][price_data][currency]") != "eur" {
		t.Fatalf("unexpected form %v", form)
	}
	if form.Get("metadata[attempt_id]") != "attempt-1" {
		t.Fatalf("expected attempt metadata, got %v", form)
	}
}

func TestGatewayWrapsAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout session"}}`))
	}))
	defer server.Close()

	gateway, err := New(Config{SecretKey: "sk_test", BaseURL: server.URL, SuccessURL: "https://shop.example.test/done"}, transport.NewRESTAdapter(server.Client()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	err = gateway.CancelInvoice(context.Background(), "cs_missing")
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %v", err)
	}
	if rich.TextCode != core.ServiceErrorProviderFailed || rich.Metadata["error_code"] != "resource_missing" {
		t.Fatalf("unexpected error %+v", rich)
	}
	var status transport.StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
}

func TestCodecParsesCheckoutEvents(t *testing.T) {
	raw := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": 1772366700,
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"payment_status": "paid",
			"amount_total": 1000,
			"currency": "eur",
			"client_reference_id": "order:order-1:attempt:1"
		}}
	}`)
	event, err := NewCodec().Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.EventID != "evt_1" || event.RemoteID != "cs_test_1" {
		t.Fatalf("unexpected ids %+v", event)
	}
	if event.Status != core.NormalizedStatusSucceeded || event.Currency != "EUR" || event.AmountMinor != 1000 {
		t.Fatalf("unexpected event %+v", event)
	}
	if !event.ModifiedAt.Equal(time.Unix(1772366700, 0)) {
		t.Fatalf("unexpected modified time %s", event.ModifiedAt)
	}
}

func TestNormalizeEvent(t *testing.T) {
	cases := []struct {
		eventType     string
		paymentStatus string
		want          core.NormalizedStatus
	}{
		{"checkout.session.completed", "paid", core.NormalizedStatusSucceeded},
		{"checkout.session.completed", "unpaid", core.NormalizedStatusPending},
		{"checkout.session.async_payment_succeeded", "paid", core.NormalizedStatusSucceeded},
		{"checkout.session.async_payment_failed", "unpaid", core.NormalizedStatusFailed},
		{"checkout.session.expired", "unpaid", core.NormalizedStatusExpired},
		{"charge.refunded", "refunded", core.NormalizedStatusReversed},
		{"charge.dispute.closed", "lost", core.NormalizedStatusReversed},
	}
	for _, tc := range cases {
		got, err := NormalizeEvent(tc.eventType, tc.paymentStatus)
		if err != nil || got != tc.want {
			t.Fatalf("%s/%s: expected %s, got %s (%v)", tc.eventType, tc.paymentStatus, tc.want, got, err)
		}
	}
	for _, tc := range [][2]string{
		{"invoice.paid", ""},
		{"charge.refunded", "partially_refunded"},
		{"charge.dispute.closed", "won"},
	} {
		if _, err := NormalizeEvent(tc[0], tc[1]); !errors.Is(err, ErrUnsupportedEvent) {
			t.Fatalf("%s/%s: expected unsupported event error, got %v", tc[0], tc[1], err)
		}
	}
}

func TestBindingVerifiesStripeSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	binding := Binding("whsec_test", 5*time.Minute, func() time.Time { return now })
	raw := []byte(`{"id":"evt_1"}`)

	header := webhooks.SignTimestampedHMAC([]byte("whsec_test"), raw, now, "v1")
	ok, err := binding.Verifier.Verify(context.Background(), raw, header)
	if err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}
	replayed := webhooks.SignTimestampedHMAC([]byte("whsec_test"), raw, now.Add(-time.Hour), "v1")
	if _, err := binding.Verifier.Verify(context.Background(), raw, replayed); !errors.Is(err, webhooks.ErrMalformedSignature) {
		t.Fatalf("expected stale timestamp rejection, got %v", err)
	}
}

type stubSessions struct {
	sessions map[string]string
	err      error
	calls    []string
}

func (s *stubSessions) SessionForPaymentIntent(_ context.Context, paymentIntentID string) (string, error) {
	s.calls = append(s.calls, paymentIntentID)
	if s.err != nil {
		return "", s.err
	}
	return s.sessions[paymentIntentID], nil
}

func chargeRefundedEvent(refunded bool) []byte {
	flag := "false"
	if refunded {
		flag = "true"
	}
	return []byte(`{
		"id": "evt_refund_1",
		"type": "charge.refunded",
		"created": 1772370300,
		"data": {"object": {
			"id": "ch_1",
			"object": "charge",
			"payment_intent": "pi_1",
			"amount": 1000,
			"amount_refunded": 1000,
			"refunded": ` + flag + `,
			"currency": "eur"
		}}
	}`)
}

func TestCodecKeysFullRefundByCheckoutSession(t *testing.T) {
	sessions := &stubSessions{sessions: map[string]string{"pi_1": "cs_test_1"}}
	event, err := NewCodec(WithSessionLookup(sessions)).ParseContext(context.Background(), chargeRefundedEvent(true))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.RemoteID != "cs_test_1" || event.EventID != "evt_refund_1" {
		t.Fatalf("expected session keyed refund, got %+v", event)
	}
	if event.Status != core.NormalizedStatusReversed || event.AmountMinor != 1000 || event.Currency != "EUR" {
		t.Fatalf("unexpected refund event %+v", event)
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if len(sessions.calls) != 1 || sessions.calls[0] != "pi_1" {
		t.Fatalf("expected one lookup for pi_1, got %v", sessions.calls)
	}
}

func TestCodecKeysLostDisputeByCheckoutSession(t *testing.T) {
	raw := []byte(`{
		"id": "evt_dispute_1",
		"type": "charge.dispute.closed",
		"created": 1772370300,
		"data": {"object": {
			"id": "dp_1",
			"object": "dispute",
			"charge": "ch_1",
			"payment_intent": "pi_1",
			"amount": 1000,
			"currency": "eur",
			"reason": "fraudulent",
			"status": "lost"
		}}
	}`)
	sessions := &stubSessions{sessions: map[string]string{"pi_1": "cs_test_1"}}
	event, err := NewCodec(WithSessionLookup(sessions)).Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.RemoteID != "cs_test_1" || event.Status != core.NormalizedStatusReversed || event.FailureReason != "fraudulent" {
		t.Fatalf("unexpected dispute event %+v", event)
	}
}

func TestCodecRefundEdgeCases(t *testing.T) {
	t.Run("partial refund", func(t *testing.T) {
		sessions := &stubSessions{sessions: map[string]string{"pi_1": "cs_test_1"}}
		_, err := NewCodec(WithSessionLookup(sessions)).Parse(chargeRefundedEvent(false))
		if !errors.Is(err, ErrUnsupportedEvent) {
			t.Fatalf("expected unsupported partial refund, got %v", err)
		}
		if len(sessions.calls) != 0 {
			t.Fatalf("expected no lookup, got %v", sessions.calls)
		}
	})
	t.Run("no lookup configured", func(t *testing.T) {
		if _, err := NewCodec().Parse(chargeRefundedEvent(true)); !errors.Is(err, ErrUnsupportedEvent) {
			t.Fatalf("expected unsupported event, got %v", err)
		}
	})
	t.Run("intent outside checkout", func(t *testing.T) {
		sessions := &stubSessions{sessions: map[string]string{}}
		if _, err := NewCodec(WithSessionLookup(sessions)).Parse(chargeRefundedEvent(true)); !errors.Is(err, ErrUnsupportedEvent) {
			t.Fatalf("expected unsupported event, got %v", err)
		}
	})
	t.Run("lookup unavailable", func(t *testing.T) {
		sessions := &stubSessions{err: errors.New("connection reset")}
		_, err := NewCodec(WithSessionLookup(sessions)).Parse(chargeRefundedEvent(true))
		if !errors.Is(err, webhooks.ErrRemoteLookup) || errors.Is(err, ErrUnsupportedEvent) {
			t.Fatalf("expected remote lookup error, got %v", err)
		}
	})
}

func TestGatewayResolvesSessionForPaymentIntent(t *testing.T) {
	var query url.Values
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		query = r.URL.Query()
		if r.URL.Path != checkoutSessionsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if query.Get("payment_intent") == "pi_missing" {
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"cs_test_1"}]}`))
	}))
	defer server.Close()

	gateway, err := New(Config{SecretKey: "sk_test", BaseURL: server.URL, SuccessURL: "https://shop.example.test/done"}, transport.NewRESTAdapter(server.Client()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	sessionID, err := gateway.SessionForPaymentIntent(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sessionID != "cs_test_1" || method != http.MethodGet || query.Get("limit") != "1" {
		t.Fatalf("unexpected lookup %q method=%s query=%v", sessionID, method, query)
	}
	sessionID, err = gateway.SessionForPaymentIntent(context.Background(), "pi_missing")
	if err != nil || sessionID != "" {
		t.Fatalf("expected empty session, got %q %v", sessionID, err)
	}
}
