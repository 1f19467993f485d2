// Package forwarder exposes the cell-call client over HTTP so that local
// processes can reach other cells through the daemon instead of linking the
// client library. It speaks the same wire contract as the cells themselves:
// invoke, capabilities, and health of any destination are one hop away.
package forwarder

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/cellmesh/cell-gateway/internal/middleware"
	"github.com/cellmesh/cell-gateway/pkg/cellclient"
	"github.com/cellmesh/cell-gateway/pkg/cellerror"
	"github.com/cellmesh/cell-gateway/pkg/schema"
)

// maxBodyBytes bounds inbound payload size.
const maxBodyBytes = 4 << 20

// Handler forwards inbound cell-call requests through the client.
type Handler struct {
	client *cellclient.Client
	logger *slog.Logger
}

// New creates a forwarding Handler backed by client.
func New(client *cellclient.Client, logger *slog.Logger) *Handler {
	return &Handler{client: client, logger: logger}
}

// RegisterRoutes adds the forwarding routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/cells/{domain}/{name}/{version}/{operation}", h.invoke)
	mux.HandleFunc("GET /api/cells/{domain}/{name}/{version}/capabilities", h.capabilities)
	mux.HandleFunc("GET /api/cells/{domain}/{name}/{version}/health", h.destinationHealth)
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, &cellerror.Error{
			Code:          cellerror.CodeValidation,
			Message:       "X-Tenant-ID header is required",
			CorrelationID: middleware.GetCorrelationID(r.Context()),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, &cellerror.Error{
			Code:    cellerror.CodeValidation,
			Message: "reading request body: " + err.Error(),
		})
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, &cellerror.Error{
			Code:    cellerror.CodeValidation,
			Message: "request body exceeds size limit",
		})
		return
	}

	req := cellclient.Request{
		Domain:         r.PathValue("domain"),
		Name:           r.PathValue("name"),
		Version:        r.PathValue("version"),
		Operation:      r.PathValue("operation"),
		TenantID:       tenantID,
		UserID:         r.Header.Get("X-User-ID"),
		CorrelationID:  middleware.GetCorrelationID(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if len(body) > 0 {
		req.Body = json.RawMessage(body)
	}

	env, err := h.client.Invoke(r.Context(), req)
	if err != nil {
		h.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	doc, err := h.client.Capabilities(r.Context(), r.PathValue("domain"), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		h.writeCallError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

func (h *Handler) destinationHealth(w http.ResponseWriter, r *http.Request) {
	env, err := h.client.DestinationHealth(r.Context(), r.PathValue("domain"), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		h.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// writeCallError maps a client error to an HTTP response. Destination
// business failures (2xx with success=false) are re-wrapped as envelopes so
// the forwarder stays transparent to the cell protocol; everything else
// becomes a gateway error body with the taxonomy code.
func (h *Handler) writeCallError(w http.ResponseWriter, err error) {
	ce := cellerror.AsError(err)
	if ce == nil {
		ce = cellerror.Wrap(cellerror.CodeInternal, "call failed", err)
	}

	if ce.Status >= 200 && ce.Status <= 299 {
		writeJSON(w, http.StatusOK, destinationEnvelope(ce))
		return
	}

	writeError(w, statusFor(ce), ce)
}

// destinationEnvelope rebuilds a success=false envelope from a
// destination-reported failure.
func destinationEnvelope(ce *cellerror.Error) *schema.Envelope {
	return &schema.Envelope{
		Version:   "1.0",
		RequestID: ce.CorrelationID,
		Success:   false,
		Error: &schema.ErrorBody{
			Code:    string(ce.Code),
			Message: ce.Message,
			Details: ce.Details,
		},
		Meta: schema.Meta{RequestID: ce.CorrelationID},
	}
}

// statusFor maps a gateway error code to an inbound HTTP status.
func statusFor(ce *cellerror.Error) int {
	if s := cellerror.HTTPStatus(ce.Code); s != 0 {
		return s
	}
	switch ce.Code {
	case cellerror.CodeValidation:
		return http.StatusBadRequest
	case cellerror.CodeResponseValidation, cellerror.CodeNetwork:
		return http.StatusBadGateway
	case cellerror.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case cellerror.CodeRateLimited:
		return http.StatusTooManyRequests
	case cellerror.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	if ce.Status >= 400 {
		return ce.Status
	}
	return http.StatusInternalServerError
}

// errorBody is the inbound error response shape.
type errorBody struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Cell          string         `json:"cell,omitempty"`
	Operation     string         `json:"operation,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Retryable     bool           `json:"retryable"`
	Attempts      int            `json:"attempts,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, ce *cellerror.Error) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:          string(ce.Code),
		Message:       ce.Message,
		Cell:          ce.Cell,
		Operation:     ce.Operation,
		CorrelationID: ce.CorrelationID,
		Retryable:     ce.Retryable,
		Attempts:      ce.Attempts,
		Details:       ce.Details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
