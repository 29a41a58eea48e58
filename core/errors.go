package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorBadInput             = "PAYMENTS_BAD_INPUT"
	ServiceErrorNotFound             = "PAYMENTS_NOT_FOUND"
	ServiceErrorConflict             = "PAYMENTS_CONFLICT"
	ServiceErrorAttemptInFlight      = "PAYMENTS_ATTEMPT_IN_FLIGHT"
	ServiceErrorRateLimited          = "PAYMENTS_RATE_LIMITED"
	ServiceErrorProviderTimeout      = "PAYMENTS_PROVIDER_TIMEOUT"
	ServiceErrorProviderFailed       = "PAYMENTS_PROVIDER_FAILED"
	ServiceErrorInvoicePersistFailed = "PAYMENTS_INVOICE_PERSIST_FAILED"
	ServiceErrorSignatureInvalid     = "PAYMENTS_SIGNATURE_INVALID"
	ServiceErrorInternal             = "PAYMENTS_INTERNAL_ERROR"
)

// Reason codes persisted on events and attempts.
const (
	ReasonOutOfOrder           = "OUT_OF_ORDER"
	ReasonAlreadyApplied       = "ALREADY_APPLIED"
	ReasonNonTerminal          = "NON_TERMINAL"
	ReasonAttemptNotFound      = "ATTEMPT_NOT_FOUND"
	ReasonAmountMismatch       = "AMOUNT_MISMATCH"
	ReasonLateSuccess          = "LATE_SUCCESS"
	ReasonStaleCreating        = "STALE_CREATING"
	ReasonMissingRemoteID      = "MISSING_REMOTE_ID"
	ReasonInvoicePersistFailed = "INVOICE_PERSIST_FAILED"
	ReasonProviderTimeout      = "PROVIDER_TIMEOUT"
	ReasonProviderError        = "PROVIDER_ERROR"
	ReasonStoreUnavailable     = "STORE_UNAVAILABLE"
	ReasonMaxAttempts          = "MAX_ATTEMPTS_EXCEEDED"
	ReasonUnsupportedStatus    = "UNSUPPORTED_STATUS"
	ReasonStaleOrder           = "STALE_ORDER"
)

// NewAttemptInFlightError reports a live creating attempt for the order.
func NewAttemptInFlightError(orderID string, attemptID string) error {
	return goerrors.New("payment attempt creation is already in flight", goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(ServiceErrorAttemptInFlight).
		WithMetadata(map[string]any{"order_id": orderID, "attempt_id": attemptID})
}

// NewInvoicePersistFailedError is returned after compensation ran for an
// invoice that could not be persisted. It is terminal.
func NewInvoicePersistFailedError(orderID string, attemptID string, cause error) error {
	return goerrors.Wrap(cause, goerrors.CategoryInternal, "remote invoice could not be persisted").
		WithCode(http.StatusInternalServerError).
		WithTextCode(ServiceErrorInvoicePersistFailed).
		WithMetadata(map[string]any{"order_id": orderID, "attempt_id": attemptID})
}

func IsAttemptInFlight(err error) bool {
	return hasTextCode(err, ServiceErrorAttemptInFlight)
}

func IsInvoicePersistFailed(err error) bool {
	return hasTextCode(err, ServiceErrorInvoicePersistFailed)
}

// ProviderFailure wraps a provider error in the payments envelope. Deadline
// errors map to the distinguished provider timeout code.
func ProviderFailure(err error, metadata map[string]any) error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode == ServiceErrorProviderTimeout {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err) {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "payment provider call timed out").
			WithCode(http.StatusGatewayTimeout).
			WithTextCode(ServiceErrorProviderTimeout).
			WithMetadata(metadata)
	}
	return goerrors.Wrap(err, goerrors.CategoryExternal, "payment provider call failed").
		WithCode(http.StatusBadGateway).
		WithTextCode(ServiceErrorProviderFailed).
		WithMetadata(metadata)
}

// IsProviderTimeout reports whether err carries the provider timeout code.
func IsProviderTimeout(err error) bool {
	return hasTextCode(err, ServiceErrorProviderTimeout)
}

// IsTerminal reports errors that must not be retried by the caller.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return hasTextCode(err, ServiceErrorInvoicePersistFailed) ||
		hasTextCode(err, ServiceErrorBadInput) ||
		hasTextCode(err, ServiceErrorNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrAttemptNotFound)
}

// IsRetryable reports transient errors: timeouts, in-flight conflicts, and
// infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	if hasTextCode(err, ServiceErrorAttemptInFlight) || hasTextCode(err, ServiceErrorProviderTimeout) {
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		switch rich.Category {
		case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryNotFound,
			goerrors.CategoryAuth, goerrors.CategoryAuthz:
			return false
		}
	}
	return true
}

func hasTextCode(err error, code string) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich == nil {
		return false
	}
	return rich.TextCode == code
}

func isTimeoutError(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func MapServiceError(err error) *goerrors.Error {
	return serviceErrorMapper(err)
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrAttemptNotFound),
		errors.Is(err, ErrWebhookEventNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorNotFound)
	case errors.Is(err, ErrInsufficientStock):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorConflict)
	case errors.Is(err, context.DeadlineExceeded):
		return newServiceError(err.Error(), goerrors.CategoryExternal, ServiceErrorProviderTimeout)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, ServiceErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	if mapped.Category == goerrors.CategoryInternal {
		mapped.TextCode = ServiceErrorInternal
	}
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ServiceErrorSignatureInvalid
	case goerrors.CategoryConflict:
		return ServiceErrorConflict
	case goerrors.CategoryRateLimit:
		return ServiceErrorRateLimited
	case goerrors.CategoryExternal:
		return ServiceErrorProviderFailed
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
