// Package crypto handles the management console's admin token material:
// ephemeral per-startup signing keys and HMAC-SHA256 signed, expiring
// bearer tokens. Tokens are deliberately not persisted — a gateway
// restart invalidates every admin session, which is the safe default for
// an operator surface.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys holds the ephemeral signing material generated at gateway startup.
type Keys struct {
	// SigningKey is the HMAC-SHA256 key for admin tokens (32 bytes).
	SigningKey []byte
}

// GenerateKeys creates fresh ephemeral keys.
//
// The SigningKey is HKDF-SHA256-derived from a master key that never
// leaves this function. A random per-startup salt ensures the derived key
// is unique across gateway restarts even if the PRNG output were somehow
// repeated.
func GenerateKeys() (*Keys, error) {
	// masterKey is ephemeral IKM — never stored, never returned from this function.
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}

	startupSalt := make([]byte, 32)
	if _, err := rand.Read(startupSalt); err != nil {
		return nil, fmt.Errorf("generating startup salt: %w", err)
	}

	return &Keys{
		SigningKey: DeriveKey(masterKey, startupSalt, "gatewayd-admin-token-v1", 32),
	}, nil
}

// DeriveKey derives a fixed-length key using HKDF-SHA256 (RFC 5869).
//
// This is a single-round HKDF implementation valid for output lengths up
// to 32 bytes (one SHA-256 hash output).
//
//   - Extract: PRK = HMAC-SHA256(salt, ikm)
//   - Expand:  T(1) = HMAC-SHA256(PRK, info || 0x01)   (one round, L ≤ 32)
//
// Use distinct info strings to produce independent keys from the same IKM.
func DeriveKey(ikm, salt []byte, info string, length int) []byte {
	if length > 32 {
		panic("gatewayd: DeriveKey length exceeds one HKDF-SHA256 round (max 32)")
	}

	extractor := hmac.New(sha256.New, salt)
	extractor.Write(ikm)
	prk := extractor.Sum(nil)

	expander := hmac.New(sha256.New, prk)
	expander.Write([]byte(info))
	expander.Write([]byte{0x01})
	okm := expander.Sum(nil)

	return okm[:length]
}

// SignAdminToken issues a token valid until expiresAt. Format:
// base64url(expiry-unix) "." base64url(HMAC(key, expiry-unix)).
func (k *Keys) SignAdminToken(expiresAt time.Time) string {
	payload := strconv.FormatInt(expiresAt.Unix(), 10)
	mac := hmac.New(sha256.New, k.SigningKey)
	mac.Write([]byte(payload))
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(sig)
}

// VerifyAdminToken checks a token's signature and expiry against now.
func (k *Keys) VerifyAdminToken(token string, now time.Time) bool {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, k.SigningKey)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return false
	}

	expiry, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return false
	}
	return now.Unix() < expiry
}
