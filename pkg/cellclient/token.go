package cellclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceAuthSettings configures outbound service-token minting. Destination
// cells verify these HS256 tokens against the shared secret.
type ServiceAuthSettings struct {
	Secret      string
	Issuer      string
	Audience    string
	ServiceName string

	// TokenTTL bounds each minted token's lifetime. Default 5m.
	TokenTTL time.Duration
}

// renewMargin is how long before expiry a cached token is re-minted.
const renewMargin = 30 * time.Second

// serviceTokenSource mints and caches the bearer token attached to every
// outbound call.
type serviceTokenSource struct {
	mu       sync.Mutex
	settings ServiceAuthSettings
	token    string
	expires  time.Time
}

func newServiceTokenSource(settings ServiceAuthSettings) (*serviceTokenSource, error) {
	if settings.Secret == "" {
		return nil, fmt.Errorf("service auth: secret is required")
	}
	if settings.Issuer == "" || settings.Audience == "" || settings.ServiceName == "" {
		return nil, fmt.Errorf("service auth: issuer, audience, and service name are required")
	}
	if settings.TokenTTL <= 0 {
		settings.TokenTTL = 5 * time.Minute
	}
	return &serviceTokenSource{settings: settings}, nil
}

// bearer returns a valid token, re-minting when the cached one is near
// expiry.
func (s *serviceTokenSource) bearer(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && now.Before(s.expires.Add(-renewMargin)) {
		return s.token, nil
	}

	expires := now.Add(s.settings.TokenTTL)
	claims := jwt.MapClaims{
		"iss": s.settings.Issuer,
		"aud": s.settings.Audience,
		"sub": s.settings.ServiceName,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.settings.Secret))
	if err != nil {
		return "", fmt.Errorf("signing service token: %w", err)
	}

	s.token = token
	s.expires = expires
	return token, nil
}
