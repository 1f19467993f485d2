// Package config provides YAML configuration loading with validation and
// environment variable substitution for the cell gateway daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Gateway        GatewayConfig        `yaml:"gateway" json:"gateway"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Validation     ValidationConfig     `yaml:"validation" json:"validation"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Capabilities   CapabilitiesConfig   `yaml:"capabilities" json:"capabilities"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds the daemon's HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // "debug", "info", "warn", "error"; default: "info"
	Output string `yaml:"output" json:"output"` // "stdout" or "stderr"; default: "stdout"
}

// GatewayConfig holds the outbound call settings.
type GatewayConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms"`
	Retries   *int   `yaml:"retries" json:"retries"`
}

// Timeout returns the per-attempt abort threshold as a time.Duration.
func (g GatewayConfig) Timeout() time.Duration {
	if g.TimeoutMs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// MaxRetries returns the retry bound (defaults to 3).
func (g GatewayConfig) MaxRetries() int {
	if g.Retries == nil {
		return 3
	}
	return *g.Retries
}

// CircuitBreakerConfig holds breaker thresholds applied to all destinations.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
}

// ValidationConfig controls response schema validation.
// StrictMode defaults to true.
type ValidationConfig struct {
	StrictMode *bool `yaml:"strict_mode" json:"strict_mode"`
}

// IsStrict returns whether response validation failures are hard errors.
func (v ValidationConfig) IsStrict() bool {
	if v.StrictMode == nil {
		return true
	}
	return *v.StrictMode
}

// RateLimitConfig holds the outbound per-destination rate limit.
// Zero requests_per_second disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds service-token settings for outbound calls.
type AuthConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	JWTSecret   string        `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer      string        `yaml:"issuer" json:"issuer"`
	Audience    string        `yaml:"audience" json:"audience"`
	ServiceName string        `yaml:"service_name" json:"service_name"`
	TokenTTL    time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// CapabilitiesConfig sizes the capability document cache.
type CapabilitiesConfig struct {
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Outbound retries can run long; the write timeout must outlast a
		// full retry loop.
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Gateway.TimeoutMs == 0 {
		cfg.Gateway.TimeoutMs = 8000
	}

	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 3
	}

	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 10
	}

	if cfg.Auth.Enabled && cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 5 * time.Minute
	}

	if cfg.Capabilities.CacheSize == 0 {
		cfg.Capabilities.CacheSize = 128
	}
	if cfg.Capabilities.CacheTTL == 0 {
		cfg.Capabilities.CacheTTL = 5 * time.Minute
	}
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		return fmt.Errorf("logging.output must be stdout or stderr, got %q", cfg.Logging.Output)
	}

	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	u, err := url.Parse(cfg.Gateway.BaseURL)
	if err != nil {
		return fmt.Errorf("gateway.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway.base_url: host is required")
	}
	if cfg.Gateway.Retries != nil && *cfg.Gateway.Retries < 0 {
		return fmt.Errorf("gateway.retries must be non-negative")
	}

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	if cb.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive")
	}

	if cfg.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be non-negative")
	}
	if cfg.RateLimit.BurstSize < 0 {
		return fmt.Errorf("rate_limit.burst_size must be non-negative")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
		if cfg.Auth.ServiceName == "" {
			return fmt.Errorf("auth.service_name is required when auth is enabled")
		}
	}

	if cfg.Capabilities.CacheSize < 1 {
		return fmt.Errorf("capabilities.cache_size must be positive")
	}
	if cfg.Capabilities.CacheTTL <= 0 {
		return fmt.Errorf("capabilities.cache_ttl must be positive")
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	return warnings
}
