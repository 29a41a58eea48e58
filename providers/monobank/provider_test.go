package monobank

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/transport"
	"github.com/goliatone/go-payments/webhooks"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type fakeAPI struct {
	t       *testing.T
	mu      sync.Mutex
	keys    []string
	keyHits int
	created []createInvoiceRequest
	removed []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Token") != "token-1" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case invoiceCreatePath:
		var body createInvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("decode create body: %v", err)
		}
		f.created = append(f.created, body)
		_ = json.NewEncoder(w).Encode(createInvoiceResponse{InvoiceID: "inv_1", PageURL: "https://pay.example.test/inv_1"})
	case invoiceRemovePath:
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.removed = append(f.removed, body["invoiceId"])
		_, _ = w.Write([]byte(`{}`))
	case publicKeyPath:
		key := f.keys[min(f.keyHits, len(f.keys)-1)]
		f.keyHits++
		_ = json.NewEncoder(w).Encode(publicKeyResponse{Key: key})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestGateway(t *testing.T, api *fakeAPI) *Gateway {
	t.Helper()
	api.t = t
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	gateway, err := New(Config{
		Token:      "token-1",
		BaseURL:    server.URL + "/",
		WebhookURL: "https://shop.example.test/webhooks/monobank",
	}, transport.NewRESTAdapter(server.Client()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway
}

func TestGatewayCreatesAndRemovesInvoice(t *testing.T) {
	api := &fakeAPI{}
	gateway := newTestGateway(t, api)

	invoice, err := gateway.CreateInvoice(context.Background(), core.CreateInvoiceRequest{
		OrderID:     "order-1",
		AttemptID:   "attempt-1",
		AmountMinor: 1000,
		Currency:    "uah",
		Reference:   "order:order-1:attempt:1",
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if invoice.RemoteID != "inv_1" || invoice.PageURL == "" {
		t.Fatalf("unexpected invoice %+v", invoice)
	}
	if len(api.created) != 1 {
		t.Fatalf("expected one create call, got %d", len(api.created))
	}
	sent := api.created[0]
	if sent.Amount != 1000 || sent.Ccy != 980 || sent.MerchantPaymInfo.Reference != "order:order-1:attempt:1" {
		t.Fatalf("unexpected create body %+v", sent)
	}
	if sent.Validity != int64((24 * time.Hour).Seconds()) {
		t.Fatalf("expected default validity, got %d", sent.Validity)
	}

	if err := gateway.CancelInvoice(context.Background(), "inv_1"); err != nil {
		t.Fatalf("cancel invoice: %v", err)
	}
	if len(api.removed) != 1 || api.removed[0] != "inv_1" {
		t.Fatalf("expected invoice removal, got %v", api.removed)
	}
}

func TestGatewayRejectsUnsupportedCurrency(t *testing.T) {
	gateway := newTestGateway(t, &fakeAPI{})
	_, err := gateway.CreateInvoice(context.Background(), core.CreateInvoiceRequest{AmountMinor: 1000, Currency: "JPY"})
	if err == nil {
		t.Fatalf("expected unsupported currency error")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestCodecParsesInvoiceWebhook(t *testing.T) {
	raw := []byte(`{
		"invoiceId": "inv_1",
		"status": "success",
		"amount": 1000,
		"ccy": 980,
		"finalAmount": 1000,
		"reference": "order:order-1:attempt:1",
		"createdDate": "2026-03-01T12:00:00Z",
		"modifiedDate": "2026-03-01T12:05:00+02:00"
	}`)
	event, err := NewCodec().Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.RemoteID != "inv_1" || event.Status != core.NormalizedStatusSucceeded {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Currency != "UAH" || event.AmountMinor != 1000 {
		t.Fatalf("unexpected amount %d %s", event.AmountMinor, event.Currency)
	}
	if !event.ModifiedAt.Equal(time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)) {
		t.Fatalf("unexpected modified time %s", event.ModifiedAt)
	}
	if event.EventID != "" {
		t.Fatalf("expected no provider event id, got %q", event.EventID)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]core.NormalizedStatus{
		"created":    core.NormalizedStatusPending,
		"processing": core.NormalizedStatusPending,
		"hold":       core.NormalizedStatusPending,
		"success":    core.NormalizedStatusSucceeded,
		"failure":    core.NormalizedStatusFailed,
		"expired":    core.NormalizedStatusExpired,
		"reversed":   core.NormalizedStatusReversed,
	}
	for raw, want := range cases {
		got, ok := NormalizeStatus(raw)
		if !ok || got != want {
			t.Fatalf("%s: expected %s, got %s", raw, want, got)
		}
	}
	if _, ok := NormalizeStatus("refunded"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
	if _, err := NewCodec().Parse([]byte(`{"invoiceId":"inv_1","status":"mystery"}`)); err == nil {
		t.Fatalf("expected unknown status parse error")
	}
}

func TestBindingVerifiesAfterKeyRotation(t *testing.T) {
	oldKey, newKey := generateKey(t), generateKey(t)
	api := &fakeAPI{keys: []string{encodeKey(t, oldKey), encodeKey(t, newKey)}}
	gateway := newTestGateway(t, api)

	config := repositorycache.DefaultConfig()
	config.TTL = time.Hour
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	keys, err := webhooks.NewCachedKeyProvider(ProviderID, cacheService, gateway.FetchPublicKey)
	if err != nil {
		t.Fatalf("new key provider: %v", err)
	}
	binding := Binding(keys)

	raw := []byte(`{"invoiceId":"inv_1","status":"success"}`)
	ctx := context.Background()
	ok, err := binding.Verifier.Verify(ctx, raw, sign(t, oldKey, raw))
	if err != nil || !ok {
		t.Fatalf("expected old key to verify, ok=%v err=%v", ok, err)
	}

	ok, err = binding.Verifier.Verify(ctx, raw, sign(t, newKey, raw))
	if err != nil || !ok {
		t.Fatalf("expected rotated key to verify after refresh, ok=%v err=%v", ok, err)
	}
	if api.keyHits != 2 {
		t.Fatalf("expected exactly two key fetches, got %d", api.keyHits)
	}

	ok, err = binding.Verifier.Verify(ctx, raw, sign(t, newKey, raw))
	if err != nil || !ok || api.keyHits != 2 {
		t.Fatalf("expected cached key reuse, ok=%v err=%v fetches=%d", ok, err, api.keyHits)
	}
}

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func encodeKey(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	encoded, err := webhooks.EncodeECDSAPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return encoded
}

func sign(t *testing.T, key *ecdsa.PrivateKey, raw []byte) string {
	t.Helper()
	digest := sha256.Sum256(raw)
	signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(signature)
}
