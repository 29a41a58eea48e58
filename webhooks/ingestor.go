package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/ratelimit"
)

const (
	ReasonSignatureMissing = "SIGNATURE_MISSING"
	ReasonSignatureInvalid = "SIGNATURE_INVALID"
	ReasonMalformedPayload = "MALFORMED_PAYLOAD"
	ReasonUnknownProvider  = "UNKNOWN_PROVIDER"
	ReasonKeyUnavailable   = "KEY_UNAVAILABLE"
	ReasonLookupFailed     = "REMOTE_LOOKUP_FAILED"
)

// ErrRemoteLookup marks a parse that needed the provider API to resolve the
// remote id and could not reach it. The delivery is refused so the provider
// redelivers it.
var ErrRemoteLookup = errors.New("webhooks: remote lookup failed")

// ContextCodec is implemented by codecs whose parse calls the provider API.
type ContextCodec interface {
	ParseContext(ctx context.Context, raw []byte) (core.ProviderEvent, error)
}

// Limiter throttles unsigned or badly signed traffic per subject.
type Limiter interface {
	Allow(ctx context.Context, subject string) error
}

// ProviderBinding pairs the codec and verifier of one provider.
type ProviderBinding struct {
	Codec    core.WebhookCodec
	Verifier SignatureVerifier
}

type IngestRequest struct {
	ProviderID string
	Body       []byte
	Signature  string
	Origin     string
}

type IngestResult struct {
	OK         bool
	HTTPStatus int
	Deduped    bool
	Result     core.AppliedResult
	ErrorCode  string
	EventID    string
	RetryAfter time.Duration
}

// Ingestor runs the inline webhook pipeline: throttle unsigned traffic,
// verify, parse, reserve the event key, apply, and persist the decision.
type Ingestor struct {
	Events      core.WebhookEventStore
	Applier     Applier
	Limiter     Limiter
	Logger      core.Logger
	Metrics     core.MetricsRecorder
	WorkerID    string
	ClaimLease  time.Duration
	MaxAttempts int
	RetryPolicy RetryPolicy
	Now         func() time.Time

	mu        sync.RWMutex
	providers map[core.Provider]ProviderBinding
}

func NewIngestor(events core.WebhookEventStore, applier Applier, limiter Limiter) *Ingestor {
	return &Ingestor{
		Events:      events,
		Applier:     applier,
		Limiter:     limiter,
		Logger:      glog.Nop(),
		Metrics:     core.NopMetricsRecorder{},
		WorkerID:    "ingest",
		ClaimLease:  30 * time.Second,
		MaxAttempts: 8,
		RetryPolicy: ExponentialRetryPolicy{Initial: 5 * time.Second, Max: 10 * time.Minute},
		Now: func() time.Time {
			return time.Now().UTC()
		},
		providers: map[core.Provider]ProviderBinding{},
	}
}

func (i *Ingestor) Register(binding ProviderBinding) error {
	if i == nil {
		return fmt.Errorf("webhooks: ingestor is nil")
	}
	if binding.Codec == nil || binding.Verifier == nil {
		return fmt.Errorf("webhooks: provider binding requires codec and verifier")
	}
	provider := binding.Codec.Provider()
	if !provider.Remote() {
		return fmt.Errorf("webhooks: provider %q does not send webhooks", provider)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.providers == nil {
		i.providers = map[core.Provider]ProviderBinding{}
	}
	if _, exists := i.providers[provider]; exists {
		return fmt.Errorf("webhooks: provider %q already registered", provider)
	}
	i.providers[provider] = binding
	return nil
}

// SignatureHeader returns the header the provider signs with.
func (i *Ingestor) SignatureHeader(providerID string) (string, bool) {
	binding, ok := i.binding(providerID)
	if !ok {
		return "", false
	}
	return binding.Codec.SignatureHeader(), true
}

// Ingest never fails a request for business reasons: verification and parse
// failures are acknowledged with 200, throttled unsigned traffic gets 429,
// and only transient failures return 503.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if i == nil || i.Events == nil || i.Applier == nil {
		return IngestResult{}, fmt.Errorf("webhooks: ingestor requires event store and applier")
	}
	startedAt := time.Now()
	rawHash := RawSHA256(req.Body)
	fields := map[string]any{
		"provider_id": strings.ToLower(strings.TrimSpace(req.ProviderID)),
		"raw_sha256":  rawHash,
		"body_bytes":  len(req.Body),
	}

	binding, ok := i.binding(req.ProviderID)
	if !ok {
		fields["reason"] = ReasonUnknownProvider
		core.LogWithLevel(ctx, i.Logger, "warn", "webhook for unknown provider", fields)
		return i.finish(ctx, startedAt, fields, IngestResult{HTTPStatus: http.StatusNotFound, ErrorCode: ReasonUnknownProvider}), nil
	}
	provider := binding.Codec.Provider()

	verified := false
	reason := ReasonSignatureMissing
	if strings.TrimSpace(req.Signature) != "" {
		reason = ReasonSignatureInvalid
		var err error
		verified, err = binding.Verifier.Verify(ctx, req.Body, req.Signature)
		if err != nil && !errors.Is(err, ErrMalformedSignature) {
			fields["reason"] = ReasonKeyUnavailable
			fields["error"] = err.Error()
			core.LogWithLevel(ctx, i.Logger, "error", "webhook verification key unavailable", fields)
			return i.finish(ctx, startedAt, fields, IngestResult{HTTPStatus: http.StatusServiceUnavailable, ErrorCode: ReasonKeyUnavailable}), nil
		}
	}
	if !verified {
		if i.Limiter != nil {
			if err := i.Limiter.Allow(ctx, OriginSubject(req.Origin)); err != nil {
				var throttled ratelimit.ThrottledError
				if errors.As(err, &throttled) {
					fields["reason"] = core.ServiceErrorRateLimited
					core.LogWithLevel(ctx, i.Logger, "warn", "unsigned webhook traffic throttled", fields)
					return i.finish(ctx, startedAt, fields, IngestResult{
						HTTPStatus: http.StatusTooManyRequests,
						ErrorCode:  core.ServiceErrorRateLimited,
						RetryAfter: throttled.RetryAfter,
					}), nil
				}
				fields["error"] = err.Error()
				core.LogWithLevel(ctx, i.Logger, "error", "webhook rate limiter unavailable", fields)
			}
		}
		fields["reason"] = reason
		core.LogWithLevel(ctx, i.Logger, "warn", "webhook signature rejected", fields)
		return i.finish(ctx, startedAt, fields, IngestResult{HTTPStatus: http.StatusOK, ErrorCode: reason}), nil
	}

	payload, err := parseEvent(ctx, binding.Codec, req.Body)
	if errors.Is(err, ErrRemoteLookup) {
		fields["reason"] = ReasonLookupFailed
		fields["error"] = err.Error()
		core.LogWithLevel(ctx, i.Logger, "error", "webhook remote lookup failed", fields)
		return i.finish(ctx, startedAt, fields, IngestResult{HTTPStatus: http.StatusServiceUnavailable, ErrorCode: ReasonLookupFailed}), nil
	}
	if err == nil {
		err = payload.Validate()
	}
	if err != nil {
		fields["reason"] = ReasonMalformedPayload
		fields["error"] = err.Error()
		core.LogWithLevel(ctx, i.Logger, "warn", "webhook payload rejected", fields)
		return i.finish(ctx, startedAt, fields, IngestResult{HTTPStatus: http.StatusOK, ErrorCode: ReasonMalformedPayload}), nil
	}
	payload.Provider = provider

	now := i.now()
	eventKey := EventKey(provider, payload.EventID, rawHash)
	fields["event_key"] = eventKey
	fields["remote_id"] = payload.RemoteID
	fields["provider_status"] = payload.ProviderStatus
	stored, created, err := i.Events.Reserve(ctx, core.ReserveEventInput{
		Event: core.WebhookEvent{
			Provider:           provider,
			EventKey:           eventKey,
			RawSHA256:          rawHash,
			Payload:            payload,
			ReceivedAt:         now,
			ProviderModifiedAt: payload.ModifiedAt,
		},
		WorkerID: i.workerID(),
		Lease:    i.claimLease(),
	})
	if err != nil {
		return i.unavailable(ctx, startedAt, fields, err), nil
	}
	fields["event_id"] = stored.ID

	if !created {
		result := IngestResult{OK: true, HTTPStatus: http.StatusOK, Deduped: true, EventID: stored.ID}
		if stored.Decided() {
			result.Result = core.AppliedResultNoop
			result.ErrorCode = core.ReasonAlreadyApplied
		}
		core.LogWithLevel(ctx, i.Logger, "info", "duplicate webhook acknowledged", fields)
		return i.finish(ctx, startedAt, fields, result), nil
	}

	outcome, applyErr := i.Applier.Apply(ctx, stored)
	settled, err := i.settler().settle(ctx, stored, outcome, applyErr)
	if err != nil {
		return i.unavailable(ctx, startedAt, fields, err), nil
	}
	if settled.Retrying {
		return i.finish(ctx, startedAt, fields, IngestResult{
			HTTPStatus: http.StatusServiceUnavailable,
			ErrorCode:  settled.ErrorCode,
			EventID:    stored.ID,
			RetryAfter: settled.RetryAt.Sub(now),
		}), nil
	}
	return i.finish(ctx, startedAt, fields, IngestResult{
		OK:         true,
		HTTPStatus: http.StatusOK,
		Result:     settled.Result,
		ErrorCode:  settled.ErrorCode,
		EventID:    stored.ID,
	}), nil
}

func parseEvent(ctx context.Context, codec core.WebhookCodec, raw []byte) (core.ProviderEvent, error) {
	if resolver, ok := codec.(ContextCodec); ok {
		return resolver.ParseContext(ctx, raw)
	}
	return codec.Parse(raw)
}

func (i *Ingestor) unavailable(ctx context.Context, startedAt time.Time, fields map[string]any, err error) IngestResult {
	fields["reason"] = core.ReasonStoreUnavailable
	fields["error"] = err.Error()
	core.LogWithLevel(ctx, i.Logger, "error", "webhook ingestion failed", fields)
	return i.finish(ctx, startedAt, fields, IngestResult{
		HTTPStatus: http.StatusServiceUnavailable,
		ErrorCode:  core.ReasonStoreUnavailable,
	})
}

func (i *Ingestor) finish(ctx context.Context, startedAt time.Time, fields map[string]any, result IngestResult) IngestResult {
	if i.Metrics == nil {
		return result
	}
	tags := map[string]string{
		"provider_id": fmt.Sprint(fields["provider_id"]),
		"status":      fmt.Sprint(result.HTTPStatus),
		"result":      string(result.Result),
	}
	i.Metrics.IncCounter(ctx, core.MetricWebhookIngest, 1, tags)
	i.Metrics.ObserveHistogram(ctx, core.MetricWebhookIngestTime, float64(time.Since(startedAt).Milliseconds()), tags)
	return result
}

func (i *Ingestor) binding(providerID string) (ProviderBinding, bool) {
	provider, err := core.ParseProvider(providerID)
	if err != nil {
		return ProviderBinding{}, false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	binding, ok := i.providers[provider]
	return binding, ok
}

func (i *Ingestor) settler() settler {
	retry := i.RetryPolicy
	if retry == nil {
		retry = ExponentialRetryPolicy{}
	}
	maxAttempts := i.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return settler{events: i.Events, retry: retry, maxAttempts: maxAttempts, now: i.now, logger: i.Logger}
}

func (i *Ingestor) now() time.Time {
	if i != nil && i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func (i *Ingestor) workerID() string {
	if id := strings.TrimSpace(i.WorkerID); id != "" {
		return id
	}
	return "ingest"
}

func (i *Ingestor) claimLease() time.Duration {
	if i != nil && i.ClaimLease > 0 {
		return i.ClaimLease
	}
	return 30 * time.Second
}
