// Package cellclient provides the resilient remote-call client cells use to
// invoke other cells' capabilities over HTTP instead of importing them
// directly. It composes schema validation on both edges, a per-destination
// circuit breaker, a bounded retry executor, correlation-ID propagation,
// and per-destination metrics.
package cellclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cellmesh/cell-gateway/internal/metrics"
	"github.com/cellmesh/cell-gateway/pkg/breaker"
	"github.com/cellmesh/cell-gateway/pkg/cellerror"
	"github.com/cellmesh/cell-gateway/pkg/retry"
	"github.com/cellmesh/cell-gateway/pkg/schema"
)

// maxResponseBytes bounds how much of a destination response is read.
const maxResponseBytes = 4 << 20

// RateLimitSettings configures the optional outbound per-destination token
// bucket. A zero RequestsPerSecond disables limiting.
type RateLimitSettings struct {
	RequestsPerSecond float64
	Burst             int
}

// Config holds the client settings. Zero values take defaults.
type Config struct {
	// BaseURL is the target host for all outbound calls. Required.
	BaseURL string

	// Timeout bounds each individual attempt. Default 8s.
	Timeout time.Duration

	// Retries is the maximum retry count per logical call. Nil takes the
	// default of 3; an explicit zero disables retries.
	Retries *int

	// RetryBaseDelay is the backoff unit between retries. Default 100ms.
	RetryBaseDelay time.Duration

	// Breaker holds the circuit breaker thresholds shared by all
	// destinations.
	Breaker breaker.Settings

	// StrictValidation makes response-schema failures hard errors even on
	// HTTP 200. When false, failures are logged and the response returned.
	StrictValidation bool

	// RateLimit optionally bounds the outbound call rate per destination.
	RateLimit RateLimitSettings

	// ServiceAuth optionally attaches a signed service token to every
	// outbound call.
	ServiceAuth *ServiceAuthSettings

	// CapabilityCacheSize and CapabilityCacheTTL size the LRU cache of
	// destination capability documents. Defaults 128 entries, 5m.
	CapabilityCacheSize int
	CapabilityCacheTTL  time.Duration

	// HTTPClient overrides the transport. Defaults to a plain http.Client;
	// per-attempt timeouts come from the request context.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Request describes one logical inter-cell call.
type Request struct {
	Domain    string
	Name      string
	Version   string
	Operation string

	// TenantID is required; it routes and audits the call downstream.
	TenantID string

	// UserID, CorrelationID, and IdempotencyKey are optional passthrough
	// identifiers. A missing CorrelationID is generated and reused across
	// all retry attempts of this call.
	UserID         string
	CorrelationID  string
	IdempotencyKey string

	// Body is the operation payload, marshalled to JSON.
	Body any
}

// destination returns the breaker key for this request.
func (r Request) destination() string {
	return r.Domain + "/" + r.Name
}

func (r Request) specKey() string {
	return r.Domain + "/" + r.Name + "/" + r.Version + "/" + r.Operation
}

func (r Request) checkFields() error {
	var missing []string
	if r.Domain == "" {
		missing = append(missing, "domain")
	}
	if r.Name == "" {
		missing = append(missing, "name")
	}
	if r.Version == "" {
		missing = append(missing, "version")
	}
	if r.Operation == "" {
		missing = append(missing, "operation")
	}
	if r.TenantID == "" {
		missing = append(missing, "tenantId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Client is the gateway instance. It owns one circuit breaker per
// destination for the process lifetime; construct once at startup and
// inject into callers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
	breakers   *breaker.Registry
	limiter    *destLimiter
	tokens     *serviceTokenSource
	caps       *capabilityCache
	logger     *slog.Logger

	strict atomic.Bool

	specsMu sync.RWMutex
	specs   map[string]schema.Spec
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cellclient: base URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var tokens *serviceTokenSource
	if cfg.ServiceAuth != nil {
		var err error
		tokens, err = newServiceTokenSource(*cfg.ServiceAuth)
		if err != nil {
			return nil, fmt.Errorf("cellclient: %w", err)
		}
	}

	retries := 3
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		policy: retry.Policy{
			MaxRetries:     retries,
			BaseDelay:      cfg.RetryBaseDelay,
			AttemptTimeout: cfg.Timeout,
		},
		breakers: breaker.NewRegistry(cfg.Breaker, logger),
		limiter:  newDestLimiter(cfg.RateLimit),
		tokens:   tokens,
		caps:     newCapabilityCache(cfg.CapabilityCacheSize, cfg.CapabilityCacheTTL),
		logger:   logger,
		specs:    make(map[string]schema.Spec),
	}
	c.strict.Store(cfg.StrictValidation)
	return c, nil
}

// RegisterOperation declares the validators for one operation. Calls to
// unregistered operations are validated against the envelope shape only.
func (c *Client) RegisterOperation(domain, name, version, operation string, spec schema.Spec) {
	key := Request{Domain: domain, Name: name, Version: version, Operation: operation}.specKey()
	c.specsMu.Lock()
	c.specs[key] = spec
	c.specsMu.Unlock()
}

// SetStrictValidation toggles strict response validation at runtime.
func (c *Client) SetStrictValidation(strict bool) {
	c.strict.Store(strict)
}

// SetRateLimit replaces the outbound rate limit settings at runtime.
func (c *Client) SetRateLimit(settings RateLimitSettings) {
	c.limiter.update(settings)
}

// SetBreakerSettings replaces the thresholds for breakers created from now
// on. Existing destinations keep their current breaker state.
func (c *Client) SetBreakerSettings(settings breaker.Settings) {
	c.breakers.UpdateSettings(settings)
}

// Snapshot returns copies of every destination's breaker state.
func (c *Client) Snapshot() map[string]breaker.Snapshot {
	return c.breakers.Snapshots()
}

// ResetBreaker forces a destination's breaker closed. Returns false if no
// breaker exists for the destination.
func (c *Client) ResetBreaker(destination string) bool {
	b, ok := c.breakers.Get(destination)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Invoke performs one logical call: request validation, circuit breaker
// gate, retry loop, response validation. It returns either a validated
// envelope or a *cellerror.Error; never a partial result. The breaker
// observes one aggregate outcome per logical call, so transient retries
// that eventually succeed do not count as breaker failures.
func (c *Client) Invoke(ctx context.Context, req Request) (*schema.Envelope, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	requestID := uuid.NewString()
	dest := req.destination()

	if err := req.checkFields(); err != nil {
		return nil, c.fail(req, correlationID, cellerror.Wrap(cellerror.CodeValidation, "invalid request", err))
	}

	if spec, ok := c.specFor(req); ok && spec.Request != nil {
		if err := spec.Request.Validate(req.Body); err != nil {
			metrics.ValidationFailures.WithLabelValues(dest, req.Operation, "request").Inc()
			return nil, c.fail(req, correlationID, cellerror.Wrap(cellerror.CodeValidation, "request payload failed validation", err))
		}
	}

	if !c.limiter.allow(dest) {
		metrics.RateLimitRejections.WithLabelValues(dest).Inc()
		return nil, c.fail(req, correlationID, cellerror.New(cellerror.CodeRateLimited, "outbound rate limit exceeded"))
	}

	b := c.breakers.For(dest)
	if !b.Allow() {
		metrics.CircuitOpenRejections.WithLabelValues(dest).Inc()
		return nil, c.fail(req, correlationID, cellerror.New(cellerror.CodeCircuitOpen, "destination circuit is open"))
	}

	body, err := marshalBody(req.Body)
	if err != nil {
		return nil, c.fail(req, correlationID, cellerror.Wrap(cellerror.CodeValidation, "encoding request payload", err))
	}

	var env *schema.Envelope
	start := time.Now()
	attempts, callErr := retry.Do(ctx, c.policy, c.logger, dest, req.Operation, func(ctx context.Context) error {
		e, aerr := c.doAttempt(ctx, req, body, requestID, correlationID)
		if aerr != nil {
			return aerr
		}
		env = e
		return nil
	})
	latency := time.Since(start)
	metrics.CallDuration.WithLabelValues(dest, req.Operation).Observe(latency.Seconds())

	if callErr != nil {
		if isTransportFailure(callErr) {
			b.RecordFailure(latency)
		} else {
			b.RecordSuccess(latency)
		}
		ce := c.fail(req, correlationID, callErr)
		ce.Attempts = attempts
		return nil, ce
	}

	b.RecordSuccess(latency)
	metrics.CallsTotal.WithLabelValues(dest, req.Operation, "ok").Inc()
	return env, nil
}

// fail annotates err with call context and records the outcome metric.
// It always returns a *cellerror.Error.
func (c *Client) fail(req Request, correlationID string, err error) *cellerror.Error {
	ce := cellerror.AsError(err)
	if ce == nil {
		ce = cellerror.Wrap(cellerror.CodeInternal, "unclassified call failure", err)
	}
	ce.Cell = req.destination()
	ce.Operation = req.Operation
	ce.CorrelationID = correlationID
	metrics.CallsTotal.WithLabelValues(ce.Cell, req.Operation, string(ce.Code)).Inc()
	return ce
}

func (c *Client) specFor(req Request) (schema.Spec, bool) {
	c.specsMu.RLock()
	spec, ok := c.specs[req.specKey()]
	c.specsMu.RUnlock()
	return spec, ok
}

// doAttempt performs one physical HTTP attempt.
func (c *Client) doAttempt(ctx context.Context, req Request, body []byte, requestID, correlationID string) (*schema.Envelope, error) {
	url := c.baseURL + "/api/cells/" + req.Domain + "/" + req.Name + "/" + req.Version + "/" + req.Operation

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, cellerror.Wrap(cellerror.CodeInternal, "building request", err)
	}
	if err := c.setHeaders(httpReq, req, requestID, correlationID); err != nil {
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

// decodeResponse turns a raw destination response into a validated envelope
// or a classified error.
func (c *Client) decodeResponse(req Request, correlationID string, status int, data []byte) (*schema.Envelope, error) {
	if status < 200 || status > 299 {
		return nil, destinationError(status, data)
	}

	var env schema.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// An unparsable body leaves nothing to hand back, so this is a
		// hard error even in lenient mode.
		return nil, cellerror.Wrap(cellerror.CodeResponseValidation, "response is not a valid envelope", err)
	}

	if verr := c.validateResponse(req, &env); verr != nil {
		metrics.ValidationFailures.WithLabelValues(req.destination(), req.Operation, "response").Inc()
		if c.strict.Load() {
			return nil, cellerror.Wrap(cellerror.CodeResponseValidation, "response failed validation", verr)
		}
		c.logger.Warn("response validation failed, returning anyway",
			"cell", req.destination(),
			"operation", req.Operation,
			"correlation_id", correlationID,
			"error", verr,
		)
	}

	if !env.Success {
		return nil, envelopeError(&env, status)
	}
	return &env, nil
}

func (c *Client) validateResponse(req Request, env *schema.Envelope) error {
	if err := schema.ValidateEnvelope(env); err != nil {
		return err
	}
	if spec, ok := c.specFor(req); ok && spec.Response != nil && env.Success {
		return spec.Response.Validate(env)
	}
	return nil
}

func (c *Client) setHeaders(httpReq *http.Request, req Request, requestID, correlationID string) error {
	h := httpReq.Header
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-ID", requestID)
	h.Set("X-Correlation-ID", correlationID)
	h.Set("X-Tenant-ID", req.TenantID)
	h.Set("X-Timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	if req.UserID != "" {
		h.Set("X-User-ID", req.UserID)
	}
	if req.IdempotencyKey != "" {
		h.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.bearer(time.Now())
		if err != nil {
			return cellerror.Wrap(cellerror.CodeInternal, "minting service token", err)
		}
		h.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(body)
}

// classifyTransportError maps a transport failure to the gateway taxonomy.
// A per-attempt deadline counts as a retryable timeout; everything else is
// a retryable network failure unless the parent context was cancelled.
func classifyTransportError(ctx context.Context, err error) *cellerror.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ce := cellerror.Wrap(cellerror.CodeTimeout, "attempt timed out", err)
		ce.Retryable = true
		return ce
	}
	if errors.Is(err, context.Canceled) {
		return cellerror.Wrap(cellerror.CodeNetwork, "call cancelled", err)
	}
	ce := cellerror.Wrap(cellerror.CodeNetwork, "network failure", err)
	ce.Retryable = true
	return ce
}

// destinationError builds the error for a non-2xx response. 5xx is
// retryable; 4xx propagates immediately.
func destinationError(status int, body []byte) *cellerror.Error {
	message := http.StatusText(status)
	var env schema.Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		message = env.Error.Message
	}

	ce := cellerror.New(cellerror.HTTPCode(status), message)
	ce.Status = status
	ce.Retryable = status >= 500
	return ce
}

// envelopeError surfaces a destination-reported failure (HTTP 2xx with
// success=false) using the destination's own error code.
func envelopeError(env *schema.Envelope, status int) *cellerror.Error {
	code := cellerror.CodeInternal
	message := "destination reported failure without error detail"
	var details map[string]any
	if env.Error != nil {
		if env.Error.Code != "" {
			code = cellerror.Code(env.Error.Code)
		}
		message = env.Error.Message
		details = env.Error.Details
	}
	ce := cellerror.New(code, message)
	ce.Status = status
	ce.Details = details
	return ce
}

// isTransportFailure reports whether a terminal call error counts toward
// the breaker's failure threshold. 4xx outcomes record as breaker
// successes: the destination answered, the caller was wrong.
func isTransportFailure(err error) bool {
	ce := cellerror.AsError(err)
	if ce == nil {
		return false
	}
	switch ce.Code {
	case cellerror.CodeNetwork, cellerror.CodeTimeout:
		return true
	}
	return ce.Status >= 500
}
