package handler

import (
	"encoding/json"
	"net/http"

	"ratelimit/pkg/response"
	"ratelimit/pkg/validator"
)

// Handler serves internal/adminapi's introspection/control surface,
// grounded in the teacher's handler.AuthHandler/ProductHandler shape: a
// struct holding its collaborators, one method per route, responses via
// pkg/response.
type Handler struct {
	limiter   *LimiterStats
	peers     *PeerRegistryStats
	validator *validator.CustomValidator
}

// LimiterStats is the read-only surface of a running Limiter this handler
// reports on.
type LimiterStats struct {
	ActiveCount    func() int64
	EffectiveQuota func() any
	QueueDepth     func() int
}

// PeerRegistryStats is the read-only/control surface of a running
// DistributedQuotaManager this handler reports on and can unregister. Nil
// when the demo binary has no distributed manager configured.
type PeerRegistryStats struct {
	SelfID      func() string
	Peers       func() map[string]int64
	Diagnostics func() any
	Unregister  func() error
}

// New builds a Handler. peers may be nil for a local-only deployment.
func New(limiter *LimiterStats, peers *PeerRegistryStats) *Handler {
	return &Handler{
		limiter:   limiter,
		peers:     peers,
		validator: validator.NewValidator(),
	}
}

// Stats serves GET /v1/stats: active count, current effective quota, and
// queue depth for the running Limiter.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, "ok", map[string]any{
		"activeCount":    h.limiter.ActiveCount(),
		"effectiveQuota": h.limiter.EffectiveQuota(),
		"queueDepth":     h.limiter.QueueDepth(),
	})
}

// Peers serves GET /v1/peers: a snapshot of the peer registry plus
// per-peer clock-skew diagnostics. Returns an empty registry, not an
// error, when running without a DistributedQuotaManager.
func (h *Handler) Peers(w http.ResponseWriter, r *http.Request) {
	if h.peers == nil {
		response.Success(w, http.StatusOK, "ok", map[string]any{
			"selfId":      nil,
			"peers":       map[string]int64{},
			"diagnostics": []any{},
		})
		return
	}

	response.Success(w, http.StatusOK, "ok", map[string]any{
		"selfId":      h.peers.SelfID(),
		"peers":       h.peers.Peers(),
		"diagnostics": h.peers.Diagnostics(),
	})
}

// unregisterRequest is the optional JSON body accepted by POST
// /v1/unregister: an operator-supplied audit note, not required for the
// operation itself.
type unregisterRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=200"`
}

// Unregister serves POST /v1/unregister: broadcasts GOODBYE and tears down
// the coordination protocol for this instance. A no-op (but not an error)
// when running without a DistributedQuotaManager.
func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "malformed request body", nil)
			return
		}
		if err := h.validator.Validate(req); err != nil {
			response.ValidationError(w, h.validator.FormatValidationErrors(err))
			return
		}
	}

	if h.peers == nil {
		response.Success(w, http.StatusOK, "no distributed manager configured", nil)
		return
	}

	if err := h.peers.Unregister(); err != nil {
		response.InternalServerError(w, "failed to unregister: "+err.Error())
		return
	}
	response.Success(w, http.StatusOK, "unregistered", nil)
}

// Health serves GET /v1/health: a trivial liveness probe, matching the
// teacher's router.healthCheck.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
