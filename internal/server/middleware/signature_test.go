package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calprice/auctiond/internal/crypto"
)

func signedRequest(t *testing.T, signer *crypto.Signer, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	ts := time.Now().UnixMilli()
	req.Header.Set(crypto.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(crypto.HeaderSignature, signer.SignAt(method, path, []byte(body), ts))
	return req
}

func okHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		// The body must still be readable downstream.
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}), &called
}

func TestSignatureValidRequestPasses(t *testing.T) {
	signer := crypto.NewSigner("secret")
	next, called := okHandler()
	h := Signature(signer, true)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/api/thing", `{"x":1}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)
}

func TestSignatureInvalidRejected(t *testing.T) {
	signer := crypto.NewSigner("secret")
	next, called := okHandler()
	h := Signature(signer, false)(next)

	req := signedRequest(t, signer, http.MethodPost, "/api/thing", `{"x":1}`)
	req.Header.Set(crypto.HeaderSignature, "bogus")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, *called)
}

func TestSignatureUnsignedOptionalPasses(t *testing.T) {
	next, called := okHandler()
	h := Signature(crypto.NewSigner("secret"), false)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)
}

func TestSignatureUnsignedRequiredRejected(t *testing.T) {
	next, called := okHandler()
	h := Signature(crypto.NewSigner("secret"), true)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, *called)
}

func TestSignatureWebsocketUpgradeExempt(t *testing.T) {
	next, called := okHandler()
	h := Signature(crypto.NewSigner("secret"), true)(next)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, *called)
}

func TestSignatureBodyPreserved(t *testing.T) {
	signer := crypto.NewSigner("secret")

	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got = string(data)
	})
	h := Signature(signer, true)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/x", `{"amount":51}`))
	assert.Equal(t, `{"amount":51}`, got)
}
