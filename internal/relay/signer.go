package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw request body
	SignatureHeader = "X-Signature"

	// bearerTokenTTL bounds how long a JWT-mode token is accepted
	bearerTokenTTL = 5 * time.Minute
)

// AuthMode selects how outbound notifications are authenticated.
type AuthMode string

const (
	// AuthModeHMAC signs the raw body and sends the hex digest in
	// SignatureHeader. This is the default.
	AuthModeHMAC AuthMode = "hmac"

	// AuthModeJWT sends an HS256 bearer token binding the body hash
	AuthModeJWT AuthMode = "jwt"

	// AuthModeNone sends notifications unauthenticated
	AuthModeNone AuthMode = "none"
)

// Signer produces the authentication headers for outbound notifications.
// The receiver verifies by reproducing the signature over the exact body
// bytes it received.
type Signer struct {
	mode AuthMode
}

// NewSigner creates a signer for the configured auth mode. "bearer" is
// accepted as an alias for jwt.
func NewSigner(mode string) (*Signer, error) {
	switch AuthMode(mode) {
	case AuthModeHMAC, AuthModeJWT, AuthModeNone:
		return &Signer{mode: AuthMode(mode)}, nil
	case "bearer":
		return &Signer{mode: AuthModeJWT}, nil
	case "":
		return &Signer{mode: AuthModeHMAC}, nil
	default:
		return nil, fmt.Errorf("unknown callback auth mode %q", mode)
	}
}

// Mode returns the active auth mode.
func (s *Signer) Mode() AuthMode {
	return s.mode
}

// Headers returns the auth headers for one delivery.
func (s *Signer) Headers(payload []byte, secret string) (map[string]string, error) {
	switch s.mode {
	case AuthModeHMAC:
		return map[string]string{SignatureHeader: s.Sign(payload, secret)}, nil
	case AuthModeJWT:
		token, err := s.bearerToken(payload, secret)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	default:
		return nil, nil
	}
}

// Sign computes the hex HMAC-SHA256 of the payload.
func (s *Signer) Sign(payload []byte, secret string) string {
	return hmacSHA256Hex(payload, secret)
}

// Verify checks a signature in constant time.
func (s *Signer) Verify(payload []byte, signature, secret string) bool {
	expected := hmacSHA256Hex(payload, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// bearerToken issues an HS256 token binding the payload hash, so the
// token cannot be replayed with a different body.
func (s *Signer) bearerToken(payload []byte, secret string) (string, error) {
	digest := sha256.Sum256(payload)
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":            "docrelay",
		"iat":            now.Unix(),
		"exp":            now.Add(bearerTokenTTL).Unix(),
		"payload_sha256": hex.EncodeToString(digest[:]),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign bearer token: %w", err)
	}
	return token, nil
}

// hmacSHA256Hex computes HMAC-SHA256 and returns hex-encoded result (lowercase)
func hmacSHA256Hex(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
