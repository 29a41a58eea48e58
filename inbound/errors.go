package inbound

import (
	"encoding/json"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payments/core"
)

func inboundError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundBadInput(message string, metadata map[string]any) *goerrors.Error {
	return inboundError(
		message,
		goerrors.CategoryBadInput,
		http.StatusBadRequest,
		core.ServiceErrorBadInput,
		metadata,
	)
}

func inboundBodyTooLarge(limit int64) *goerrors.Error {
	return inboundError(
		"request body exceeds the size limit",
		goerrors.CategoryBadInput,
		http.StatusRequestEntityTooLarge,
		core.ServiceErrorBadInput,
		map[string]any{"limit_bytes": limit},
	)
}

func inboundInternal(message string, source error) *goerrors.Error {
	if source == nil {
		return inboundError(message, goerrors.CategoryInternal, http.StatusInternalServerError, core.ServiceErrorInternal, nil)
	}
	return goerrors.Wrap(source, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ServiceErrorInternal)
}

// ErrorBody is the JSON envelope of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// errorResponse maps err onto the service envelope. Internal failures never
// leak their cause text.
func errorResponse(err error) (int, ErrorBody) {
	mapped := core.MapServiceError(err)
	if mapped == nil {
		mapped = inboundInternal("An unexpected error occurred", nil)
	}
	status := mapped.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	message := strings.TrimSpace(mapped.Message)
	if mapped.Category == goerrors.CategoryInternal {
		message = "An unexpected error occurred"
	}
	return status, ErrorBody{Error: ErrorDetail{
		Category: mapped.Category.String(),
		Code:     mapped.TextCode,
		Message:  message,
		Metadata: core.SafeFields(mapped.Metadata),
	}}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	writeJSON(w, status, body)
}
