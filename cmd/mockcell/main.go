// Package main provides a mock cell for exercising the gateway. It speaks
// the cell wire contract: envelope responses, capability and health
// operations, and an echo operation that reflects request details. Scripted
// endpoints force arbitrary status codes and latency for testing retries,
// circuit breaking, and timeouts.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

var serviceName string

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "mockcell", "cell name reported in responses")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("CELL_NAME"); n != "" {
		*name = n
	}
	serviceName = *name

	mux := http.NewServeMux()

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	mux.HandleFunc("/__status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeErrorEnvelope(w, r, code, "HTTP_"+strconv.Itoa(code), http.StatusText(code))
	})

	// /__sleep/{ms} delays before answering. Useful for timeout testing.
	mux.HandleFunc("/__sleep/{ms}", func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(r.PathValue("ms"))
		if err != nil || ms < 0 {
			ms = 0
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		writeEnvelope(w, r, map[string]any{"slept_ms": ms})
	})

	mux.HandleFunc("GET /api/cells/{domain}/{name}/{version}/capabilities", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, r, map[string]any{
			"cell":       serviceName,
			"domain":     r.PathValue("domain"),
			"version":    r.PathValue("version"),
			"operations": []string{"echo"},
		})
	})

	mux.HandleFunc("GET /api/cells/{domain}/{name}/{version}/health", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, r, map[string]any{"status": "healthy"})
	})

	// Any other operation echoes the request back inside an envelope.
	mux.HandleFunc("POST /api/cells/{domain}/{name}/{version}/{operation}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		var payload json.RawMessage
		if json.Valid(body) {
			payload = body
		}
		writeEnvelope(w, r, map[string]any{
			"cell":      serviceName,
			"operation": r.PathValue("operation"),
			"payload":   payload,
			"headers":   flattenHeaders(r.Header),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", serviceName, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, data any) {
	requestID := r.Header.Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"version":   "1.0",
		"requestId": requestID,
		"success":   true,
		"data":      data,
		"meta": map[string]any{
			"tenantId":  r.Header.Get("X-Tenant-ID"),
			"requestId": requestID,
		},
	})
}

func writeErrorEnvelope(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := r.Header.Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"version":   "1.0",
		"requestId": requestID,
		"success":   false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"meta": map[string]any{
			"tenantId":  r.Header.Get("X-Tenant-ID"),
			"requestId": requestID,
		},
	})
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
