package monobank

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/ratelimit"
	"github.com/goliatone/go-payments/transport"
	"github.com/goliatone/go-payments/webhooks"
)

const (
	ProviderID      = core.ProviderMonobank
	BaseURL         = "https://api.monobank.ua"
	SignatureHeader = "X-Sign"

	invoiceCreatePath = "/api/merchant/invoice/create"
	invoiceRemovePath = "/api/merchant/invoice/remove"
	publicKeyPath     = "/api/merchant/pubkey"
)

type Config struct {
	Token           string
	BaseURL         string
	WebhookURL      string
	RedirectURL     string
	InvoiceValidity time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:         BaseURL,
		InvoiceValidity: 24 * time.Hour,
	}
}

// ConfigFrom maps the service provider section onto the gateway config.
func ConfigFrom(cfg core.MonobankConfig) Config {
	return Config{
		Token:           cfg.Token,
		BaseURL:         cfg.BaseURL,
		WebhookURL:      cfg.WebhookURL,
		RedirectURL:     cfg.RedirectURL,
		InvoiceValidity: cfg.InvoiceValidity,
	}
}

// Gateway issues monobank acquiring invoices.
type Gateway struct {
	config Config
	rest   *transport.RESTAdapter
}

func New(cfg Config, rest *transport.RESTAdapter) (*Gateway, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.InvoiceValidity <= 0 {
		cfg.InvoiceValidity = defaults.InvoiceValidity
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("monobank: token is required")
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

type merchantPaymInfo struct {
	Reference   string `json:"reference"`
	Destination string `json:"destination,omitempty"`
}

type createInvoiceRequest struct {
	Amount           int64            `json:"amount"`
	Ccy              int              `json:"ccy"`
	MerchantPaymInfo merchantPaymInfo `json:"merchantPaymInfo"`
	RedirectURL      string           `json:"redirectUrl,omitempty"`
	WebHookURL       string           `json:"webHookUrl,omitempty"`
	Validity         int64            `json:"validity,omitempty"`
}

type createInvoiceResponse struct {
	InvoiceID string `json:"invoiceId"`
	PageURL   string `json:"pageUrl"`
}

func (g *Gateway) CreateInvoice(ctx context.Context, req core.CreateInvoiceRequest) (core.Invoice, error) {
	ccy, ok := CurrencyCode(req.Currency)
	if !ok {
		return core.Invoice{}, fmt.Errorf("monobank: unsupported currency %q", req.Currency)
	}
	if req.AmountMinor <= 0 {
		return core.Invoice{}, fmt.Errorf("monobank: invoice amount must be positive")
	}
	body := createInvoiceRequest{
		Amount: req.AmountMinor,
		Ccy:    ccy,
		MerchantPaymInfo: merchantPaymInfo{
			Reference:   req.Reference,
			Destination: "Order " + req.OrderID,
		},
		RedirectURL: g.config.RedirectURL,
		WebHookURL:  g.config.WebhookURL,
		Validity:    int64(g.config.InvoiceValidity / time.Second),
	}
	var out createInvoiceResponse
	_, err := g.rest.DoJSON(ctx, g.request(http.MethodPost, invoiceCreatePath, "invoice"), body, &out)
	if err != nil {
		return core.Invoice{}, err
	}
	if strings.TrimSpace(out.InvoiceID) == "" {
		return core.Invoice{}, fmt.Errorf("monobank: invoice response has no invoice id")
	}
	return core.Invoice{RemoteID: out.InvoiceID, PageURL: out.PageURL, Reference: req.Reference}, nil
}

// CancelInvoice removes an unpaid invoice so it can no longer be paid.
func (g *Gateway) CancelInvoice(ctx context.Context, remoteID string) error {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return fmt.Errorf("monobank: invoice id is required")
	}
	_, err := g.rest.DoJSON(ctx, g.request(http.MethodPost, invoiceRemovePath, "invoice"), map[string]string{"invoiceId": remoteID}, nil)
	return err
}

type publicKeyResponse struct {
	Key string `json:"key"`
}

// FetchPublicKey loads the key monobank signs webhooks with. It satisfies
// webhooks.KeyFetcher.
func (g *Gateway) FetchPublicKey(ctx context.Context) (webhooks.VerificationKey, error) {
	var out publicKeyResponse
	if _, err := g.rest.DoJSON(ctx, g.request(http.MethodGet, publicKeyPath, "pubkey"), nil, &out); err != nil {
		return webhooks.VerificationKey{}, err
	}
	key, err := webhooks.ParseECDSAPublicKey(out.Key)
	if err != nil {
		return webhooks.VerificationKey{}, err
	}
	return webhooks.VerificationKey{ID: "monobank", PublicKey: key}, nil
}

func (g *Gateway) request(method string, path string, bucket string) transport.Request {
	return transport.Request{
		Method:  method,
		URL:     g.config.BaseURL + path,
		Headers: map[string]string{"X-Token": g.config.Token},
		Budget:  ratelimit.Key{Provider: string(ProviderID), Bucket: bucket},
	}
}

var _ core.PaymentGateway = (*Gateway)(nil)
