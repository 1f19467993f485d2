// Package health provides health check HTTP handlers for the cell gateway.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/cellmesh/cell-gateway/pkg/breaker"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// degradedScore is the health score below which a destination degrades the
// gateway's overall status.
const degradedScore = 50

// SnapshotSource returns the current breaker snapshot for every destination
// the gateway has called.
type SnapshotSource func() map[string]breaker.Snapshot

// CircuitStatus is the per-destination entry in the /health response.
type CircuitStatus struct {
	State       string  `json:"state"`
	HealthScore float64 `json:"healthScore"`
}

// Status is the /health response body.
type Status struct {
	Status   string                   `json:"status"` // "healthy" or "degraded"
	Circuits map[string]CircuitStatus `json:"circuits"`
}

// Handler provides /health and /live endpoints.
type Handler struct {
	snapshots SnapshotSource
}

// New creates a health Handler reading breaker state from snapshots.
func New(snapshots SnapshotSource) *Handler {
	return &Handler{snapshots: snapshots}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/live", h.liveness)
	mux.HandleFunc("/health", h.health)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.Evaluate())
}

// Evaluate computes the current gateway status from breaker snapshots.
// A single destination scoring below 50 degrades the whole gateway.
func (h *Handler) Evaluate() Status {
	snaps := h.snapshots()

	st := Status{
		Status:   "healthy",
		Circuits: make(map[string]CircuitStatus, len(snaps)),
	}
	for name, snap := range snaps {
		st.Circuits[name] = CircuitStatus{
			State:       snap.State.String(),
			HealthScore: snap.HealthScore,
		}
		if snap.HealthScore < degradedScore {
			st.Status = "degraded"
		}
	}
	return st
}
