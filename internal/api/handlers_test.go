package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aiprivatesearch/licensord/internal/engine"
	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/aiprivatesearch/licensord/internal/registry"
	"github.com/aiprivatesearch/licensord/internal/revocation"
	"github.com/aiprivatesearch/licensord/internal/store"
	"github.com/aiprivatesearch/licensord/internal/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *engine.Engine) {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	eng := engine.New(s, licensing.NewCodec(priv, pub),
		throttle.New(s), registry.New(s), revocation.New(s), "api-test-salt")
	return NewRouter(eng), eng
}

func postJSON(t *testing.T, router *Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:51423"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestActivateEndpoint(t *testing.T) {
	router, eng := newTestRouter(t)
	_, err := eng.RegisterCustomer(context.Background(), "alice@example.com")
	require.NoError(t, err)

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email":      "alice@example.com",
		"hardwareId": "hw-a",
		"deviceName": "workstation",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp activateResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, 1, resp.Tier)
	assert.Equal(t, "standard", resp.TierName)
	assert.Equal(t, 2, resp.DeviceLimit)
	assert.Equal(t, 1, resp.DevicesUsed)
	assert.False(t, resp.Existing)
}

func TestActivateUnknownEmailIs404(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email":      "nobody@example.com",
		"hardwareId": "hw-a",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(licensing.ReasonCustomerNotFound), resp.Reason)
}

func TestActivateMissingFieldsIs400(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email": "alice@example.com",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(licensing.ReasonValidation), resp.Reason)
}

func TestActivateRejectsUnknownJSONFields(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email":      "alice@example.com",
		"hardwareId": "hw-a",
		"bogus":      "field",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaExceededIs403(t *testing.T) {
	router, eng := newTestRouter(t)
	_, err := eng.RegisterCustomer(context.Background(), "alice@example.com")
	require.NoError(t, err)

	for _, hw := range []string{"hw-a", "hw-b"} {
		rec := postJSON(t, router, "/api/license/activate", map[string]string{
			"email": "alice@example.com", "hardwareId": hw,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email": "alice@example.com", "hardwareId": "hw-c",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(licensing.ReasonQuotaExceeded), resp.Reason)
}

func TestRateLimitIs429(t *testing.T) {
	router, _ := newTestRouter(t)

	body := map[string]string{"email": "nobody@example.com", "hardwareId": "hw-a"}
	for i := 0; i < throttle.DefaultMaxAttempts; i++ {
		rec := postJSON(t, router, "/api/license/activate", body)
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	rec := postJSON(t, router, "/api/license/activate", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRefreshAndValidateEndpoints(t *testing.T) {
	router, eng := newTestRouter(t)
	_, err := eng.RegisterCustomer(context.Background(), "alice@example.com")
	require.NoError(t, err)

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email": "alice@example.com", "hardwareId": "hw-a",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var act activateResponse
	decodeBody(t, rec, &act)

	rec = postJSON(t, router, "/api/license/refresh", map[string]string{
		"refreshToken": act.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var refreshed map[string]string
	decodeBody(t, rec, &refreshed)
	assert.NotEmpty(t, refreshed["token"])

	rec = postJSON(t, router, "/api/license/validate", map[string]string{
		"token": refreshed["token"],
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var val validateResponse
	decodeBody(t, rec, &val)
	assert.True(t, val.Valid)
	assert.Equal(t, "alice@example.com", val.Email)
	assert.NotEmpty(t, val.ExpiresAt)
}

func TestValidateRevokedTokenIs200Invalid(t *testing.T) {
	router, eng := newTestRouter(t)
	_, err := eng.RegisterCustomer(context.Background(), "alice@example.com")
	require.NoError(t, err)

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email": "alice@example.com", "hardwareId": "hw-a",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var act activateResponse
	decodeBody(t, rec, &act)

	rec = postJSON(t, router, "/api/license/revoke", map[string]string{
		"token": act.Token, "reason": "device lost",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Business-state failures come back as valid:false, not an HTTP error.
	rec = postJSON(t, router, "/api/license/validate", map[string]string{
		"token": act.Token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var val validateResponse
	decodeBody(t, rec, &val)
	assert.False(t, val.Valid)
	assert.Equal(t, string(licensing.ReasonRevoked), val.Reason)
}

func TestValidateGarbageTokenIs401(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/license/validate", map[string]string{
		"token": "not.a.token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckLimitsEndpoint(t *testing.T) {
	router, eng := newTestRouter(t)
	_, err := eng.RegisterCustomer(context.Background(), "alice@example.com")
	require.NoError(t, err)

	rec := postJSON(t, router, "/api/license/activate", map[string]string{
		"email": "alice@example.com", "hardwareId": "hw-a", "deviceName": "laptop",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/license/check-limits?email=alice@example.com", nil)
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	var resp checkLimitsResponse
	decodeBody(t, out, &resp)
	assert.True(t, resp.Exists)
	assert.Equal(t, 2, resp.MaxDevices)
	assert.Equal(t, 1, resp.CurrentDevices)
	assert.True(t, resp.CanActivate)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "laptop", resp.Devices[0].Label)
}

func TestCheckLimitsUnknownEmail(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/license/check-limits?email=nobody@example.com", nil)
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	var resp checkLimitsResponse
	decodeBody(t, out, &resp)
	assert.False(t, resp.Exists)
}

func TestPublicKeyEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/license/public-key", nil)
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	var resp map[string]string
	decodeBody(t, out, &resp)
	assert.Equal(t, "EdDSA", resp["algorithm"])
	_, err := licensing.DecodePublicKey(resp["publicKey"])
	assert.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr only", "203.0.113.9:51423", "", "203.0.113.9"},
		{"single forwarded hop", "10.0.0.1:80", "198.51.100.7", "198.51.100.7"},
		{"multiple forwarded hops", "10.0.0.1:80", "198.51.100.7, 10.0.0.2", "198.51.100.7"},
		{"no port", "203.0.113.9", "", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
