package inbound

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/webhooks"
)

const DefaultMaxBodyBytes int64 = 64 << 10

// WebhookIngestor runs one delivery through the inline pipeline.
type WebhookIngestor interface {
	SignatureHeader(providerID string) (string, bool)
	Ingest(ctx context.Context, req webhooks.IngestRequest) (webhooks.IngestResult, error)
}

type AttemptCreator interface {
	CreateAttemptAndRemoteInvoice(ctx context.Context, orderID string) (core.AttemptResult, error)
}

// HealthCheck reports whether the process can serve traffic.
type HealthCheck func(ctx context.Context) error

type Router struct {
	ingestor     WebhookIngestor
	attempts     AttemptCreator
	health       HealthCheck
	logger       core.Logger
	maxBodyBytes int64
}

type Option func(*Router)

func WithLogger(logger core.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithAttemptCreator(attempts AttemptCreator) Option {
	return func(r *Router) {
		r.attempts = attempts
	}
}

func WithHealthCheck(check HealthCheck) Option {
	return func(r *Router) {
		r.health = check
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(r *Router) {
		if limit > 0 {
			r.maxBodyBytes = limit
		}
	}
}

func NewRouter(ingestor WebhookIngestor, opts ...Option) *Router {
	router := &Router{
		ingestor:     ingestor,
		logger:       glog.Nop(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(router)
		}
	}
	return router
}

// Handler mounts the webhook, checkout helper, and health routes.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", r.handleHealth)
	mux.Post("/webhooks/{provider}", r.handleWebhook)
	if r.attempts != nil {
		mux.Post("/orders/{orderID}/payment-attempts", r.handleCreateAttempt)
	}
	return mux
}

type WebhookResponse struct {
	OK      bool   `json:"ok"`
	Deduped bool   `json:"deduped,omitempty"`
	Result  string `json:"result,omitempty"`
	Reason  string `json:"reason,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if r.ingestor == nil {
		writeError(w, inboundInternal("webhook ingestor is not configured", nil))
		return
	}
	providerID := strings.ToLower(strings.TrimSpace(chi.URLParam(req, "provider")))
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.LogWithLevel(req.Context(), r.logger, "warn", "webhook body too large", map[string]any{
				"provider_id": providerID,
				"body_bytes":  tooLarge.Limit,
			})
			writeError(w, inboundBodyTooLarge(tooLarge.Limit))
			return
		}
		writeError(w, inboundBadInput("webhook body could not be read", map[string]any{"provider_id": providerID}))
		return
	}

	signature := ""
	if header, ok := r.ingestor.SignatureHeader(providerID); ok {
		signature = strings.TrimSpace(req.Header.Get(header))
	}
	result, err := r.ingestor.Ingest(req.Context(), webhooks.IngestRequest{
		ProviderID: providerID,
		Body:       body,
		Signature:  signature,
		Origin:     clientOrigin(req),
	})
	if err != nil {
		core.LogWithLevel(req.Context(), r.logger, "error", "webhook ingestion error", map[string]any{
			"provider_id": providerID,
			"error":       err.Error(),
		})
		writeError(w, inboundInternal("webhook ingestion failed", err))
		return
	}

	status := result.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	if result.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(result.RetryAfter))
	}
	writeJSON(w, status, WebhookResponse{
		OK:      result.OK,
		Deduped: result.Deduped,
		Result:  string(result.Result),
		Reason:  result.ErrorCode,
		EventID: result.EventID,
	})
}

type AttemptResponse struct {
	AttemptID     string `json:"attempt_id"`
	AttemptNumber int    `json:"attempt_number"`
	InvoiceID     string `json:"invoice_id"`
	PageURL       string `json:"page_url"`
	Reused        bool   `json:"reused"`
}

func (r *Router) handleCreateAttempt(w http.ResponseWriter, req *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(req, "orderID"))
	if orderID == "" {
		writeError(w, inboundBadInput("order id is required", nil))
		return
	}
	result, err := r.attempts.CreateAttemptAndRemoteInvoice(req.Context(), orderID)
	if err != nil {
		if core.IsAttemptInFlight(err) {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, AttemptResponse{
		AttemptID:     result.AttemptID,
		AttemptNumber: result.AttemptNumber,
		InvoiceID:     result.InvoiceID,
		PageURL:       result.PageURL,
		Reused:        result.Reused,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.health(ctx); err != nil {
			core.LogWithLevel(req.Context(), r.logger, "warn", "health check failed", map[string]any{"error": err.Error()})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientOrigin is the throttling subject of a request: the peer address
// without its port.
func clientOrigin(req *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	return strconv.FormatInt(max(seconds, 1), 10)
}
