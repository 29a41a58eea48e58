package webhooks

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedSignature marks a signature header that can never verify, no
// matter which key is used.
var ErrMalformedSignature = errors.New("webhooks: malformed signature")

// VerificationKey carries whichever material the provider signs with.
type VerificationKey struct {
	ID        string
	Secret    []byte
	PublicKey *ecdsa.PublicKey
}

type KeyProvider interface {
	Current(ctx context.Context) (VerificationKey, error)
	// Refresh discards any cached key and loads the provider's current one.
	Refresh(ctx context.Context) (VerificationKey, error)
}

// SignatureCheck reports whether signature matches raw under key. Mismatches
// return false; inputs that cannot be decoded return ErrMalformedSignature.
type SignatureCheck func(key VerificationKey, raw []byte, signature string) (bool, error)

type SignatureVerifier interface {
	Verify(ctx context.Context, raw []byte, signature string) (bool, error)
}

// KeyedVerifier checks against the current key and, on mismatch, refreshes
// the key exactly once before checking again.
type KeyedVerifier struct {
	Keys  KeyProvider
	Check SignatureCheck
}

func NewKeyedVerifier(keys KeyProvider, check SignatureCheck) *KeyedVerifier {
	return &KeyedVerifier{Keys: keys, Check: check}
}

func (v *KeyedVerifier) Verify(ctx context.Context, raw []byte, signature string) (bool, error) {
	if v == nil || v.Keys == nil || v.Check == nil {
		return false, fmt.Errorf("webhooks: verifier requires key provider and check")
	}
	if strings.TrimSpace(signature) == "" {
		return false, nil
	}
	key, err := v.Keys.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("webhooks: load verification key: %w", err)
	}
	ok, err := v.Check(key, raw, signature)
	if err != nil || ok {
		return ok, err
	}
	refreshed, err := v.Keys.Refresh(ctx)
	if err != nil {
		return false, fmt.Errorf("webhooks: refresh verification key: %w", err)
	}
	return v.Check(refreshed, raw, signature)
}

// HMACCheck verifies a hex or base64 HMAC-SHA256 of the raw body, with an
// optional prefix such as "sha256=".
func HMACCheck(prefix string, encoding string) SignatureCheck {
	return func(key VerificationKey, raw []byte, signature string) (bool, error) {
		if len(key.Secret) == 0 {
			return false, fmt.Errorf("webhooks: signature secret is required")
		}
		value := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), prefix))
		decoded, err := decodeSignature(value, encoding)
		if err != nil {
			return false, err
		}
		return hmac.Equal(decoded, hmacSHA256(key.Secret, raw)), nil
	}
}

// TimestampedHMACCheck verifies headers of the form "t=<unix>,v1=<hex>" where
// the MAC covers "<t>.<raw>". Timestamps outside tolerance never verify.
func TimestampedHMACCheck(scheme string, tolerance time.Duration, now func() time.Time) SignatureCheck {
	if strings.TrimSpace(scheme) == "" {
		scheme = "v1"
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(key VerificationKey, raw []byte, signature string) (bool, error) {
		if len(key.Secret) == 0 {
			return false, fmt.Errorf("webhooks: signature secret is required")
		}
		timestamp, candidates, err := parseTimestampedHeader(signature, scheme)
		if err != nil {
			return false, err
		}
		if tolerance > 0 {
			signedAt := time.Unix(timestamp, 0).UTC()
			age := now().UTC().Sub(signedAt)
			if age > tolerance || age < -tolerance {
				return false, fmt.Errorf("%w: timestamp outside tolerance", ErrMalformedSignature)
			}
		}
		payload := make([]byte, 0, len(raw)+24)
		payload = append(payload, strconv.FormatInt(timestamp, 10)...)
		payload = append(payload, '.')
		payload = append(payload, raw...)
		expected := hmacSHA256(key.Secret, payload)
		for _, candidate := range candidates {
			if subtle.ConstantTimeCompare(candidate, expected) == 1 {
				return true, nil
			}
		}
		return false, nil
	}
}

// SignTimestampedHMAC builds a header accepted by TimestampedHMACCheck.
func SignTimestampedHMAC(secret []byte, raw []byte, signedAt time.Time, scheme string) string {
	if strings.TrimSpace(scheme) == "" {
		scheme = "v1"
	}
	timestamp := strconv.FormatInt(signedAt.Unix(), 10)
	payload := append([]byte(timestamp+"."), raw...)
	return "t=" + timestamp + "," + scheme + "=" + hex.EncodeToString(hmacSHA256(secret, payload))
}

// ECDSACheck verifies a base64 ASN.1 ECDSA signature over SHA-256 of the raw body.
func ECDSACheck() SignatureCheck {
	return func(key VerificationKey, raw []byte, signature string) (bool, error) {
		if key.PublicKey == nil {
			return false, fmt.Errorf("webhooks: ecdsa public key is required")
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
		if err != nil {
			return false, fmt.Errorf("%w: decode base64: %v", ErrMalformedSignature, err)
		}
		digest := sha256.Sum256(raw)
		return ecdsa.VerifyASN1(key.PublicKey, digest[:], decoded), nil
	}
}

// ParseECDSAPublicKey accepts a PEM block, optionally base64 wrapped as
// provider key endpoints return it.
func ParseECDSAPublicKey(value string) (*ecdsa.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("webhooks: public key is required")
	}
	data := []byte(value)
	if !strings.Contains(value, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("webhooks: decode public key: %w", err)
		}
		data = decoded
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("webhooks: public key is not PEM encoded")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("webhooks: parse public key: %w", err)
	}
	publicKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("webhooks: public key type %T is not ecdsa", parsed)
	}
	return publicKey, nil
}

// EncodeECDSAPublicKey renders key the way ParseECDSAPublicKey reads it back.
func EncodeECDSAPublicKey(key *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return base64.StdEncoding.EncodeToString(block), nil
}

func parseTimestampedHeader(header string, scheme string) (int64, [][]byte, error) {
	var (
		timestamp  int64
		haveTime   bool
		candidates [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(name) {
		case "t":
			parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedSignature, err)
			}
			timestamp = parsed
			haveTime = true
		case scheme:
			decoded, err := hex.DecodeString(strings.TrimSpace(value))
			if err != nil {
				continue
			}
			candidates = append(candidates, decoded)
		}
	}
	if !haveTime {
		return 0, nil, fmt.Errorf("%w: timestamp is required", ErrMalformedSignature)
	}
	if len(candidates) == 0 {
		return 0, nil, fmt.Errorf("%w: no %s signature", ErrMalformedSignature, scheme)
	}
	return timestamp, candidates, nil
}

func decodeSignature(value string, encoding string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: signature value is required", ErrMalformedSignature)
	}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("%w: decode base64: %v", ErrMalformedSignature, err)
		}
		return decoded, nil
	default:
		decoded, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("%w: decode hex: %v", ErrMalformedSignature, err)
		}
		return decoded, nil
	}
}

func hmacSHA256(secret []byte, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

var _ SignatureVerifier = (*KeyedVerifier)(nil)
