package webhooks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestHMACCheckAcceptsPrefixedHex(t *testing.T) {
	check := HMACCheck("sha256=", "hex")
	body := []byte(`{"ok":true}`)
	key := VerificationKey{Secret: []byte(testSecret)}

	ok, err := check(key, body, "sha256="+testSign(body))
	if err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}
	ok, err = check(key, []byte(`{"ok":false}`), "sha256="+testSign(body))
	if err != nil || ok {
		t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
	}
	if _, err := check(key, body, "sha256=zz"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature error, got %v", err)
	}
}

func TestTimestampedHMACCheckEnforcesTolerance(t *testing.T) {
	now := testStart
	check := TimestampedHMACCheck("v1", 5*time.Minute, func() time.Time { return now })
	body := []byte(`{"id":"evt_1"}`)
	key := VerificationKey{Secret: []byte(testSecret)}

	header := SignTimestampedHMAC(key.Secret, body, now.Add(-time.Minute), "v1")
	if ok, err := check(key, body, header); err != nil || !ok {
		t.Fatalf("expected valid header, ok=%v err=%v", ok, err)
	}

	old := SignTimestampedHMAC(key.Secret, body, now.Add(-10*time.Minute), "v1")
	if _, err := check(key, body, old); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected tolerance rejection, got %v", err)
	}

	other := SignTimestampedHMAC([]byte("other"), body, now, "v1")
	if ok, err := check(key, body, other); err != nil || ok {
		t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
	}
	if _, err := check(key, body, "v1=abcd"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected missing timestamp error, got %v", err)
	}
}

func TestECDSACheckVerifiesRawBody(t *testing.T) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body := []byte(`{"invoiceId":"inv_1","status":"success"}`)
	digest := sha256.Sum256(body)
	signed, err := ecdsa.SignASN1(rand.Reader, private, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signature := base64.StdEncoding.EncodeToString(signed)
	key := VerificationKey{PublicKey: &private.PublicKey}

	check := ECDSACheck()
	if ok, err := check(key, body, signature); err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}
	if ok, err := check(key, append(body, ' '), signature); err != nil || ok {
		t.Fatalf("expected reformatted body to fail, ok=%v err=%v", ok, err)
	}
	if _, err := check(key, body, "%%%"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature, got %v", err)
	}
}

func TestECDSAPublicKeyRoundTrip(t *testing.T) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded, err := EncodeECDSAPublicKey(&private.PublicKey)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := ParseECDSAPublicKey(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(&private.PublicKey) {
		t.Fatalf("expected parsed key to match")
	}
	if _, err := ParseECDSAPublicKey("bm90IGEga2V5"); err == nil {
		t.Fatalf("expected non-PEM key to fail")
	}
}

type countingKeys struct {
	current   VerificationKey
	refreshed VerificationKey
	refreshes int
}

func (k *countingKeys) Current(context.Context) (VerificationKey, error) {
	return k.current, nil
}

func (k *countingKeys) Refresh(context.Context) (VerificationKey, error) {
	k.refreshes++
	k.current = k.refreshed
	return k.refreshed, nil
}

func TestKeyedVerifierRefreshesOnceOnMismatch(t *testing.T) {
	body := []byte(`{"id":1}`)
	keys := &countingKeys{
		current:   VerificationKey{Secret: []byte("rotated-out")},
		refreshed: VerificationKey{Secret: []byte(testSecret)},
	}
	checks := 0
	hmacCheck := HMACCheck("", "hex")
	verifier := NewKeyedVerifier(keys, func(key VerificationKey, raw []byte, signature string) (bool, error) {
		checks++
		return hmacCheck(key, raw, signature)
	})

	ok, err := verifier.Verify(context.Background(), body, testSign(body))
	if err != nil || !ok {
		t.Fatalf("expected refreshed key to verify, ok=%v err=%v", ok, err)
	}
	if keys.refreshes != 1 || checks != 2 {
		t.Fatalf("expected one refresh and two checks, got %d/%d", keys.refreshes, checks)
	}

	keys.refreshed = VerificationKey{Secret: []byte("still-wrong")}
	keys.current = keys.refreshed
	checks = 0
	ok, err = verifier.Verify(context.Background(), body, testSign(body))
	if err != nil || ok {
		t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
	}
	if keys.refreshes != 2 || checks != 2 {
		t.Fatalf("expected a single extra refresh, got %d/%d", keys.refreshes, checks)
	}
}

func TestKeyedVerifierDoesNotRefreshForMalformedSignature(t *testing.T) {
	keys := &countingKeys{current: VerificationKey{Secret: []byte(testSecret)}}
	verifier := NewKeyedVerifier(keys, HMACCheck("", "hex"))
	if _, err := verifier.Verify(context.Background(), []byte("{}"), "not-hex"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature, got %v", err)
	}
	if keys.refreshes != 0 {
		t.Fatalf("expected no refresh, got %d", keys.refreshes)
	}
}
