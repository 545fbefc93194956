package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/developingchet/shield-proxy/internal/config"
	"github.com/developingchet/shield-proxy/internal/escalate"
	"github.com/developingchet/shield-proxy/internal/policy"
	"github.com/developingchet/shield-proxy/internal/telemetry"
)

// authHeader carries the administrative shared secret.
const authHeader = "X-Sentinel-Auth"

// adminHandler serves the operator surface: runtime policy read/update,
// unjail, and manual isolation. Every route requires the shared secret.
type adminHandler struct {
	secret   string
	policies *policy.Store
	machine  *escalate.Machine
	sink     telemetry.Sink
	log      zerolog.Logger
	mux      *http.ServeMux
}

func newAdminHandler(cfg *config.Config, policies *policy.Store, machine *escalate.Machine, sink telemetry.Sink, log zerolog.Logger) http.Handler {
	h := &adminHandler{
		secret:   cfg.AdminSecret,
		policies: policies,
		machine:  machine,
		sink:     sink,
		log:      log,
		mux:      http.NewServeMux(),
	}

	prefix := strings.TrimSuffix(cfg.AdminPathPrefix, "/")
	h.mux.HandleFunc(prefix+"/config", h.handleConfig)
	h.mux.HandleFunc(prefix+"/unjail", h.handleUnjail)
	h.mux.HandleFunc(prefix+"/ban", h.handleBan)
	return h
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(authHeader)), []byte(h.secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *adminHandler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.policies.Snapshot())

	case http.MethodPost, http.MethodPut:
		var update policy.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "invalid policy document", http.StatusBadRequest)
			return
		}
		if err := update.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if h.policies.Apply(update) {
			doc := h.policies.Snapshot()
			h.sink.Emit(telemetry.EventConfigChanged, telemetry.ConfigChangedPayload{Document: doc})
			h.log.Info().Msg("runtime policy updated")
			writeJSON(w, http.StatusOK, doc)
			return
		}
		writeJSON(w, http.StatusOK, h.policies.Snapshot())

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// unjailRequest identifies the target of an administrative action.
type unjailRequest struct {
	Fingerprint string `json:"fingerprint"`
}

func (h *adminHandler) handleUnjail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req unjailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" {
		http.Error(w, "fingerprint required", http.StatusBadRequest)
		return
	}

	if err := h.machine.ClearIsolation(r.Context(), req.Fingerprint); err != nil {
		h.log.Error().Err(err).Str("fingerprint", req.Fingerprint).Msg("unjail failed")
		http.Error(w, "isolation clear failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "fingerprint": req.Fingerprint})
}

// banRequest is the manual-isolation document.
type banRequest struct {
	Fingerprint string `json:"fingerprint"`
	Permanent   bool   `json:"permanent"`
}

func (h *adminHandler) handleBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" {
		http.Error(w, "fingerprint required", http.StatusBadRequest)
		return
	}

	if req.Permanent {
		h.machine.ManualBan(r.Context(), req.Fingerprint)
	} else {
		h.machine.ManualJail(r.Context(), req.Fingerprint)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "isolated", "fingerprint": req.Fingerprint})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
