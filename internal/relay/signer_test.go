package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerHMACHeaders(t *testing.T) {
	s, err := NewSigner("hmac")
	require.NoError(t, err)

	payload := []byte(`{"task_id":"task_1","status":"completed"}`)
	headers, err := s.Headers(payload, "s3cret")
	require.NoError(t, err)

	sig, ok := headers[SignatureHeader]
	require.True(t, ok)
	assert.True(t, s.Verify(payload, sig, "s3cret"))
	assert.False(t, s.Verify(payload, sig, "wrong"))
	assert.False(t, s.Verify([]byte("tampered"), sig, "s3cret"))
}

func TestSignerSignIsDeterministic(t *testing.T) {
	s, err := NewSigner("hmac")
	require.NoError(t, err)

	payload := []byte("body")
	assert.Equal(t, s.Sign(payload, "k"), s.Sign(payload, "k"))
	assert.NotEqual(t, s.Sign(payload, "k"), s.Sign(payload, "other"))
	// Hex, lowercase, SHA-256 width
	sig := s.Sign(payload, "k")
	assert.Len(t, sig, 64)
	assert.Equal(t, strings.ToLower(sig), sig)
}

func TestSignerJWTHeaders(t *testing.T) {
	s, err := NewSigner("jwt")
	require.NoError(t, err)

	payload := []byte(`{"task_id":"task_1"}`)
	headers, err := s.Headers(payload, "s3cret")
	require.NoError(t, err)

	auth, ok := headers["Authorization"]
	require.True(t, ok)
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(tok *jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims := token.Claims.(jwt.MapClaims)
	digest := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(digest[:]), claims["payload_sha256"])
	assert.Equal(t, "docrelay", claims["iss"])
}

func TestSignerNoneMode(t *testing.T) {
	s, err := NewSigner("none")
	require.NoError(t, err)

	headers, err := s.Headers([]byte("{}"), "s3cret")
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestSignerDefaultsToHMAC(t *testing.T) {
	s, err := NewSigner("")
	require.NoError(t, err)
	assert.Equal(t, AuthModeHMAC, s.Mode())
}

func TestSignerUnknownMode(t *testing.T) {
	_, err := NewSigner("basic")
	require.Error(t, err)
}
