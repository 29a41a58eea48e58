package core

import "strings"

const RedactedValue = "[REDACTED]"

// SafeFields keeps allow-listed log keys. Sensitive keys are redacted and any
// other key is dropped.
func SafeFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		key = strings.ToLower(strings.TrimSpace(key))
		switch {
		case key == "":
			continue
		case shouldRedactKey(key):
			out[key] = RedactedValue
		case isAllowedLogKey(key):
			out[key] = value
		}
	}
	return out
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isAllowedLogKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"signature",
		"card",
		"pan",
		"payload",
		"body",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isAllowedLogKey(key string) bool {
	switch key {
	case "order_id",
		"attempt_id",
		"attempt_number",
		"event_id",
		"event_key",
		"remote_id",
		"provider_id",
		"provider_status",
		"from",
		"to",
		"source",
		"reason",
		"result",
		"error_code",
		"error",
		"raw_sha256",
		"body_bytes",
		"worker_id",
		"job",
		"dry_run",
		"limit",
		"processed",
		"applied",
		"noop",
		"failed",
		"count",
		"oldest_age_minutes",
		"attempts",
		"status",
		"duration_ms",
		"idempotency_key",
		"subject",
		"request_id",
		"trace_id":
		return true
	default:
		return false
	}
}
