// Package activation implements the device OTA enrollment and
// challenge/response activation flow devices perform once before their
// first session handshake: GET on the enrollment endpoint returns
// connection info plus an activation challenge for devices the store does
// not yet know about; POST submits the signed challenge to complete
// activation.
package activation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/xiaozhi-go/xiaozhi-server/internal/store"
)

// challengeTTL bounds how long an issued challenge remains valid.
const challengeTTL = 5 * time.Minute

// challengeLength is the number of random bytes in a generated challenge,
// hex-encoded on the wire.
const challengeLength = 16

// Config carries the connection info and shared secret the handler needs to
// answer enrollment requests.
type Config struct {
	// WebsocketURL is the URL a newly-enrolled device should dial for its
	// session handshake.
	WebsocketURL string
	// SignatureKey is the shared secret used to verify a device's signed
	// activation challenge response (HMAC-SHA256).
	SignatureKey string
	// FirmwareVersion is reported back to devices checking for updates.
	FirmwareVersion string
}

// Handler serves the OTA enrollment and activation endpoints.
type Handler struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Handler backed by st.
func New(st store.Store, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, cfg: cfg, logger: logger}
}

// Register adds the enrollment routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /xiaozhi/ota/", h.Enroll)
	mux.HandleFunc("POST /xiaozhi/ota/", h.Activate)
}

// enrollResponse is what a device receives on enrollment.
type enrollResponse struct {
	Websocket  websocketInfo   `json:"websocket"`
	ServerTime serverTimeInfo  `json:"server_time"`
	Activation *activationInfo `json:"activation,omitempty"`
	Firmware   firmwareInfo    `json:"firmware"`
}

type websocketInfo struct {
	URL string `json:"url"`
}

type serverTimeInfo struct {
	TimestampMs    int64 `json:"timestamp"`
	TimezoneOffset int   `json:"timezone_offset"`
}

type activationInfo struct {
	Message   string `json:"message"`
	Challenge string `json:"challenge"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type firmwareInfo struct {
	Version string `json:"version"`
}

// Enroll handles GET /xiaozhi/ota/: returns connection info, and — for a
// device the store does not yet recognize as activated — a freshly issued
// challenge the device must sign and submit to Activate.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("Device-Id")
	if deviceID == "" {
		http.Error(w, "missing Device-Id header", http.StatusBadRequest)
		return
	}

	resp := enrollResponse{
		Websocket:  websocketInfo{URL: h.cfg.WebsocketURL},
		ServerTime: serverTimeInfo{TimestampMs: time.Now().UnixMilli(), TimezoneOffset: 0},
		Firmware:   firmwareInfo{Version: h.cfg.FirmwareVersion},
	}

	activated, err := h.store.IsActivated(r.Context(), deviceID)
	if err != nil {
		h.logger.Warn("activation: check device status", "device", deviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !activated {
		challenge, err := h.issueChallenge(r, deviceID)
		if err != nil {
			h.logger.Warn("activation: issue challenge", "device", deviceID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.Activation = &activationInfo{
			Message:   "device not activated",
			Challenge: challenge,
			TimeoutMs: challengeTTL.Milliseconds(),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) issueChallenge(r *http.Request, deviceID string) (string, error) {
	buf := make([]byte, challengeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	challenge := hex.EncodeToString(buf)
	if err := h.store.AddChallenge(r.Context(), deviceID, challenge, challengeTTL); err != nil {
		return "", err
	}
	return challenge, nil
}

// activationRequest is the device's signed response to its issued challenge.
type activationRequest struct {
	Payload struct {
		Algorithm string `json:"algorithm"`
		Signature string `json:"signature"`
	} `json:"payload"`
}

// Activate handles POST /xiaozhi/ota/: verifies the device's HMAC-SHA256
// signature over its previously issued challenge and, on success, marks the
// device activated.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("Device-Id")
	if deviceID == "" {
		http.Error(w, "missing Device-Id header", http.StatusBadRequest)
		return
	}

	var req activationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Payload.Algorithm != "hmac-sha256" {
		http.Error(w, "unsupported algorithm", http.StatusBadRequest)
		return
	}

	challenge, err := h.store.GetChallenge(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "no pending challenge or expired", http.StatusForbidden)
		return
	}

	expected := signChallenge(h.cfg.SignatureKey, challenge)
	if !hmac.Equal([]byte(expected), []byte(req.Payload.Signature)) {
		h.logger.Warn("activation: signature mismatch", "device", deviceID)
		http.Error(w, "device verification failed", http.StatusUnauthorized)
		return
	}

	if err := h.store.ActivateDevice(r.Context(), deviceID); err != nil {
		h.logger.Warn("activation: mark device activated", "device", deviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// signChallenge computes HMAC-SHA256(key, challenge), hex-encoded — the
// signature a legitimate device, sharing the same signing key, is expected
// to produce.
func signChallenge(key, challenge string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
