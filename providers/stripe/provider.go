package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/ratelimit"
	"github.com/goliatone/go-payments/transport"
)

const (
	ProviderID      = core.ProviderStripe
	BaseURL         = "https://api.stripe.com"
	SignatureHeader = "Stripe-Signature"

	checkoutSessionsPath = "/v1/checkout/sessions"
)

type Config struct {
	SecretKey  string
	BaseURL    string
	SuccessURL string
	CancelURL  string
}

func DefaultConfig() Config {
	return Config{BaseURL: BaseURL}
}

func ConfigFrom(cfg core.StripeConfig) Config {
	return Config{
		SecretKey:  cfg.SecretKey,
		BaseURL:    cfg.BaseURL,
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
	}
}

// Gateway issues Stripe Checkout sessions as remote invoices.
type Gateway struct {
	config Config
	rest   *transport.RESTAdapter
}

func New(cfg Config, rest *transport.RESTAdapter) (*Gateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("stripe: secret key is required")
	}
	if strings.TrimSpace(cfg.SuccessURL) == "" {
		return nil, fmt.Errorf("stripe: success url is required")
	}
	if rest == nil {
		rest = transport.NewRESTAdapter(nil)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Gateway{config: cfg, rest: rest}, nil
}

func (*Gateway) Provider() core.Provider {
	return ProviderID
}

type checkoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Gateway) CreateInvoice(ctx context.Context, req core.CreateInvoiceRequest) (core.Invoice, error) {
	if req.AmountMinor <= 0 {
		return core.Invoice{}, fmt.Errorf("stripe: invoice amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return core.Invoice{}, fmt.Errorf("stripe: currency is required")
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", g.config.SuccessURL)
	if g.config.CancelURL != "" {
		form.Set("cancel_url", g.config.CancelURL)
	}
	form.Set("client_reference_id", req.Reference)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", "Order "+req.OrderID)
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[attempt_id]", req.AttemptID)

	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers["Idempotency-Key"] = key
	}
	var session checkoutSession
	if err := g.post(ctx, checkoutSessionsPath, form, headers, &session); err != nil {
		return core.Invoice{}, err
	}
	if strings.TrimSpace(session.ID) == "" {
		return core.Invoice{}, fmt.Errorf("stripe: checkout session response has no id")
	}
	return core.Invoice{RemoteID: session.ID, PageURL: session.URL, Reference: req.Reference}, nil
}

// CancelInvoice expires an open checkout session.
func (g *Gateway) CancelInvoice(ctx context.Context, remoteID string) error {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return fmt.Errorf("stripe: session id is required")
	}
	return g.post(ctx, checkoutSessionsPath+"/"+url.PathEscape(remoteID)+"/expire", url.Values{}, nil, nil)
}

type sessionList struct {
	Data []checkoutSession `json:"data"`
}

// SessionForPaymentIntent returns the checkout session that created the
// payment intent, or an empty id when no session did.
func (g *Gateway) SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (string, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return "", fmt.Errorf("stripe: payment intent id is required")
	}
	query := url.Values{}
	query.Set("payment_intent", paymentIntentID)
	query.Set("limit", "1")
	var list sessionList
	if err := g.call(ctx, http.MethodGet, checkoutSessionsPath+"?"+query.Encode(), nil, nil, &list); err != nil {
		return "", err
	}
	if len(list.Data) == 0 {
		return "", nil
	}
	return list.Data[0].ID, nil
}

func (g *Gateway) post(ctx context.Context, path string, form url.Values, headers map[string]string, out any) error {
	return g.call(ctx, http.MethodPost, path, []byte(form.Encode()), headers, out)
}

func (g *Gateway) call(ctx context.Context, method string, path string, body []byte, headers map[string]string, out any) error {
	request := transport.Request{
		Method: method,
		URL:    g.config.BaseURL + path,
		Headers: map[string]string{
			"Authorization": "Bearer " + g.config.SecretKey,
		},
		Body:   body,
		Budget: ratelimit.Key{Provider: string(ProviderID), Bucket: "checkout"},
	}
	if method == http.MethodPost {
		request.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	}
	for key, value := range headers {
		request.Headers[key] = value
	}
	res, err := g.rest.Do(ctx, request)
	if err != nil {
		return err
	}
	if !res.OK() {
		var decoded apiError
		_ = json.Unmarshal(res.Body, &decoded)
		return goerrors.Wrap(transport.StatusError{StatusCode: res.StatusCode}, goerrors.CategoryExternal, "stripe request failed").
			WithCode(http.StatusBadGateway).
			WithTextCode(core.ServiceErrorProviderFailed).
			WithMetadata(map[string]any{
				"status_code": res.StatusCode,
				"error_type":  decoded.Error.Type,
				"error_code":  decoded.Error.Code,
			})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return fmt.Errorf("stripe: decode response: %w", err)
	}
	return nil
}

var (
	_ core.PaymentGateway = (*Gateway)(nil)
	_ SessionLookup       = (*Gateway)(nil)
)
