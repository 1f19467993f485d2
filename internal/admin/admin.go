// Package admin provides admin API endpoints for runtime inspection of
// gateway state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/cellmesh/cell-gateway/internal/config"
	"github.com/cellmesh/cell-gateway/pkg/breaker"
)

// CircuitSource exposes the gateway client's breaker state for inspection
// and manual intervention.
type CircuitSource interface {
	Snapshot() map[string]breaker.Snapshot
	ResetBreaker(destination string) bool
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	circuits    CircuitSource
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, circuits CircuitSource, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		circuits:    circuits,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/circuits", h.guard(h.circuitsHandler))
	mux.HandleFunc("POST /admin/circuits/{domain}/{name}/reset", h.guard(h.resetHandler))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// circuitsHandler returns the full breaker snapshot for every destination,
// including the transition log and cumulative call metrics.
func (h *Handler) circuitsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": h.circuits.Snapshot(),
	})
}

// resetHandler forces a destination's breaker back to closed.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	destination := r.PathValue("domain") + "/" + r.PathValue("name")
	if !h.circuits.ResetBreaker(destination) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown destination " + destination,
		})
		return
	}
	h.logger.Info("circuit breaker manually reset", "destination", destination, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{
		"destination": destination,
		"state":       breaker.StateClosed.String(),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
