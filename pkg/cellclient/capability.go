package cellclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cellmesh/cell-gateway/internal/metrics"
	"github.com/cellmesh/cell-gateway/pkg/cellerror"
	"github.com/cellmesh/cell-gateway/pkg/schema"
)

// capsEntry is a cached capability document with its fetch time.
type capsEntry struct {
	doc       json.RawMessage
	fetchedAt time.Time
}

// capabilityCache is a TTL-checked LRU of destination capability documents.
// Capability contracts change on deploys, not per request, so a short TTL
// keeps lookups cheap without serving stale contracts for long.
type capabilityCache struct {
	cache *lru.Cache[string, capsEntry]
	ttl   time.Duration
}

func newCapabilityCache(size int, ttl time.Duration) *capabilityCache {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, _ := lru.New[string, capsEntry](size)
	return &capabilityCache{cache: cache, ttl: ttl}
}

func (c *capabilityCache) get(key string) (json.RawMessage, bool) {
	entry, ok := c.cache.Get(key)
	if !ok || time.Since(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return entry.doc, true
}

func (c *capabilityCache) put(key string, doc json.RawMessage) {
	c.cache.Add(key, capsEntry{doc: doc, fetchedAt: time.Now()})
}

// Capabilities returns the destination's capability document, served from
// the LRU cache when fresh.
func (c *Client) Capabilities(ctx context.Context, domain, name, version string) (json.RawMessage, error) {
	key := domain + "/" + name + "/" + version
	if doc, ok := c.caps.get(key); ok {
		return doc, nil
	}

	env, err := c.get(ctx, domain, name, version, "capabilities")
	if err != nil {
		return nil, err
	}
	c.caps.put(key, env.Data)
	return env.Data, nil
}

// DestinationHealth probes the destination's health operation. The probe is
// a single attempt (no retries) but still passes the circuit breaker gate
// and records its outcome.
func (c *Client) DestinationHealth(ctx context.Context, domain, name, version string) (*schema.Envelope, error) {
	return c.get(ctx, domain, name, version, "health")
}

// get performs a single-attempt GET against a destination's read-only
// operation (health, capabilities).
func (c *Client) get(ctx context.Context, domain, name, version, operation string) (*schema.Envelope, error) {
	req := Request{Domain: domain, Name: name, Version: version, Operation: operation, TenantID: "-"}
	dest := req.destination()
	correlationID := uuid.NewString()

	b := c.breakers.For(dest)
	if !b.Allow() {
		metrics.CircuitOpenRejections.WithLabelValues(dest).Inc()
		return nil, c.fail(req, correlationID, cellerror.New(cellerror.CodeCircuitOpen, "destination circuit is open"))
	}

	timeout := c.policy.AttemptTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	env, err := c.doGet(attemptCtx, req, correlationID)
	latency := time.Since(start)

	if err != nil {
		if isTransportFailure(err) {
			b.RecordFailure(latency)
		} else {
			b.RecordSuccess(latency)
		}
		return nil, c.fail(req, correlationID, err)
	}

	b.RecordSuccess(latency)
	metrics.CallsTotal.WithLabelValues(dest, operation, "ok").Inc()
	return env, nil
}

func (c *Client) doGet(ctx context.Context, req Request, correlationID string) (*schema.Envelope, error) {
	url := c.baseURL + "/api/cells/" + req.Domain + "/" + req.Name + "/" + req.Version + "/" + req.Operation

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cellerror.Wrap(cellerror.CodeInternal, "building request", err)
	}
	if err := c.setHeaders(httpReq, req, uuid.NewString(), correlationID); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	return c.decodeResponse(req, correlationID, resp.StatusCode, data)
}
