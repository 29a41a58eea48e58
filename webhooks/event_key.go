package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/goliatone/go-payments/core"
)

// RawSHA256 returns the hex digest of the request body as received.
func RawSHA256(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EventKey derives the dedup key: the provider's stable event id when it
// sends one, otherwise the digest of the raw body.
func EventKey(provider core.Provider, eventID string, rawSHA256 string) string {
	prefix := strings.ToLower(strings.TrimSpace(string(provider)))
	if eventID = strings.TrimSpace(eventID); eventID != "" {
		return prefix + ":" + eventID
	}
	return prefix + ":sha256:" + strings.ToLower(strings.TrimSpace(rawSHA256))
}

// OriginSubject is the rate-limit subject for unsigned traffic. The origin
// itself is never stored.
func OriginSubject(origin string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(origin))))
	return "origin:" + hex.EncodeToString(sum[:8])
}
