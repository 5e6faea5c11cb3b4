package kaeru

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signRequest sets the signature headers Discord would send for the
// given request body.
func signRequest(t testing.TB, req *http.Request, key ed25519.PrivateKey, body []byte) {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)
}

func newSignedRequest(
	t testing.TB,
	key ed25519.PrivateKey,
	body []byte,
) *http.Request {
	t.Helper()
	req := httptest.NewRequest(
		http.MethodPost,
		apiDiscordInteractions,
		bytes.NewReader(body),
	)
	signRequest(t, req, key, body)
	return req
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	body := []byte(`{"type":1}`)
	req := newSignedRequest(t, priv, body)
	assert.True(t, verifyRequest(req, pub))

	// The body must still be readable after verification
	remaining, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, remaining)
}

func TestVerifyRequestRejectsBadSignatures(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	body := []byte(`{"type":1}`)

	t.Run("missing signature header", func(t *testing.T) {
		req := httptest.NewRequest(
			http.MethodPost,
			apiDiscordInteractions,
			bytes.NewReader(body),
		)
		assert.False(t, verifyRequest(req, pub))
	})

	t.Run("missing timestamp header", func(t *testing.T) {
		req := newSignedRequest(t, priv, body)
		req.Header.Del("X-Signature-Timestamp")
		assert.False(t, verifyRequest(req, pub))
	})

	t.Run("signature isn't hex", func(t *testing.T) {
		req := newSignedRequest(t, priv, body)
		req.Header.Set("X-Signature-Ed25519", "not-hex")
		assert.False(t, verifyRequest(req, pub))
	})

	t.Run("signed with the wrong key", func(t *testing.T) {
		req := newSignedRequest(t, otherPriv, body)
		assert.False(t, verifyRequest(req, pub))
	})

	t.Run("body tampered after signing", func(t *testing.T) {
		req := newSignedRequest(t, priv, body)
		req.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":2}`)))
		assert.False(t, verifyRequest(req, pub))
	})
}

func TestDiscordRequestAuthenticationMiddleware(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestIDMiddleware(), discordRequestAuthenticationMiddleware(pub))
	r.POST(
		apiDiscordInteractions, func(c *gin.Context) {
			c.Status(http.StatusOK)
		},
	)

	body := []byte(`{"type":1}`)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, newSignedRequest(t, priv, body))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(
		http.MethodPost,
		apiDiscordInteractions,
		bytes.NewReader(body),
	)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
}
