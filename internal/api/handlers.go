// Package api exposes the licensing engine over JSON HTTP. Handlers are
// thin: input validation, error-to-reason mapping, and logging only.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aiprivatesearch/licensord/internal/engine"
	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/rs/zerolog/log"
)

// Router serves the licensing API.
type Router struct {
	engine *engine.Engine
	mux    *http.ServeMux
}

// NewRouter builds the licensing API router.
func NewRouter(eng *engine.Engine) *Router {
	r := &Router{
		engine: eng,
		mux:    http.NewServeMux(),
	}
	r.mux.HandleFunc("POST /api/license/activate", r.handleActivate)
	r.mux.HandleFunc("POST /api/license/refresh", r.handleRefresh)
	r.mux.HandleFunc("POST /api/license/validate", r.handleValidate)
	r.mux.HandleFunc("POST /api/license/revoke", r.handleRevoke)
	r.mux.HandleFunc("GET /api/license/check-limits", r.handleCheckLimits)
	r.mux.HandleFunc("GET /api/license/public-key", r.handlePublicKey)
	r.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

type activateRequest struct {
	Email      string `json:"email"`
	HardwareID string `json:"hardwareId"`
	AppVersion string `json:"appVersion,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
}

type activateResponse struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refreshToken"`
	Tier         int      `json:"tier"`
	TierName     string   `json:"tierName"`
	Features     []string `json:"features"`
	DeviceLimit  int      `json:"deviceLimit"`
	DevicesUsed  int      `json:"devicesUsed"`
	Existing     bool     `json:"existing"`
	ExpiresIn    int64    `json:"expiresIn"`
}

func (r *Router) handleActivate(w http.ResponseWriter, req *http.Request) {
	var body activateRequest
	if err := decodeJSON(w, req, &body); err != nil {
		return
	}

	result, err := r.engine.Activate(req.Context(), engine.ActivateInput{
		Email:      body.Email,
		HardwareID: body.HardwareID,
		AppVersion: body.AppVersion,
		Label:      body.DeviceName,
		Origin:     clientIP(req),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, activateResponse{
		Token:        result.Token,
		RefreshToken: result.RefreshToken,
		Tier:         int(result.Tier),
		TierName:     result.TierName,
		Features:     result.Features,
		DeviceLimit:  result.DeviceLimit,
		DevicesUsed:  result.DevicesUsed,
		Existing:     result.Existing,
		ExpiresIn:    result.ExpiresIn,
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(w, req, &body); err != nil {
		return
	}

	token, err := r.engine.Refresh(req.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type validateResponse struct {
	Valid     bool     `json:"valid"`
	Reason    string   `json:"reason,omitempty"`
	Email     string   `json:"email,omitempty"`
	Tier      int      `json:"tier,omitempty"`
	Features  []string `json:"features,omitempty"`
	ExpiresAt string   `json:"expiresAt,omitempty"`
}

func (r *Router) handleValidate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, req, &body); err != nil {
		return
	}

	result, err := r.engine.Validate(req.Context(), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := validateResponse{Valid: result.Valid, Reason: string(result.Reason)}
	if result.Valid {
		resp.Email = result.Email
		resp.Tier = int(result.Tier)
		resp.Features = result.Features
		resp.ExpiresAt = result.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleRevoke(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Token  string `json:"token"`
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeJSON(w, req, &body); err != nil {
		return
	}

	if err := r.engine.Revoke(req.Context(), body.Token, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type checkLimitsResponse struct {
	Exists         bool           `json:"exists"`
	Tier           int            `json:"tier,omitempty"`
	TierName       string         `json:"tierName,omitempty"`
	MaxDevices     int            `json:"maxDevices,omitempty"`
	CurrentDevices int            `json:"currentDevices"`
	AvailableSlots int            `json:"availableSlots"`
	CanActivate    bool           `json:"canActivate"`
	Features       []string       `json:"features,omitempty"`
	Devices        []deviceRecord `json:"devices"`
}

type deviceRecord struct {
	DeviceID  string `json:"deviceId"`
	Label     string `json:"deviceName"`
	FirstSeen string `json:"firstSeen"`
	LastSeen  string `json:"lastSeen"`
}

func (r *Router) handleCheckLimits(w http.ResponseWriter, req *http.Request) {
	limits, err := r.engine.CheckLimits(req.Context(), req.URL.Query().Get("email"))
	if err != nil {
		writeError(w, err)
		return
	}

	devices := make([]deviceRecord, 0, len(limits.Devices))
	for _, d := range limits.Devices {
		devices = append(devices, deviceRecord{
			DeviceID:  d.DeviceID,
			Label:     d.Label,
			FirstSeen: d.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:  d.LastSeen.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, checkLimitsResponse{
		Exists:         limits.Exists,
		Tier:           int(limits.Tier),
		TierName:       limits.TierName,
		MaxDevices:     limits.MaxDevices,
		CurrentDevices: limits.CurrentDevices,
		AvailableSlots: limits.AvailableSlots,
		CanActivate:    limits.CanActivate,
		Features:       limits.Features,
		Devices:        devices,
	})
}

func (r *Router) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": r.engine.PublicKey(),
		"algorithm": "EdDSA",
	})
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "request body is not valid JSON",
			Reason: string(licensing.ReasonValidation),
		})
		return err
	}
	return nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, err error) {
	reason := licensing.ReasonFor(err)
	status := statusFor(reason)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("licensing request failed")
	} else {
		log.Debug().Err(err).Str("reason", string(reason)).Msg("licensing request rejected")
	}
	writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Reason: string(reason),
	})
}

func statusFor(reason licensing.Reason) int {
	switch reason {
	case licensing.ReasonValidation:
		return http.StatusBadRequest
	case licensing.ReasonRateLimited:
		return http.StatusTooManyRequests
	case licensing.ReasonQuotaExceeded, licensing.ReasonLicenseInactive,
		licensing.ReasonLicenseExpired, licensing.ReasonLicenseSuspended:
		return http.StatusForbidden
	case licensing.ReasonCustomerNotFound, licensing.ReasonDeviceNotFound:
		return http.StatusNotFound
	case licensing.ReasonInvalidToken, licensing.ReasonTokenExpired, licensing.ReasonRevoked:
		return http.StatusUnauthorized
	case licensing.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// clientIP extracts the caller's network origin, honoring the first hop
// of X-Forwarded-For when present.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
