package breaker

import (
	"log/slog"
	"sync"
)

// Registry owns one breaker per destination for the lifetime of the process.
// Breakers are created lazily on first use and never destroyed.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	logger   *slog.Logger
	breakers map[string]*Breaker
}

// NewRegistry creates an empty Registry. All breakers it creates share the
// given settings.
func NewRegistry(settings Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		settings: settings.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a destination, creating it on first use.
func (r *Registry) For(destination string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[destination]
	if !ok {
		b = New(destination, r.settings, r.logger)
		r.breakers[destination] = b
	}
	return b
}

// UpdateSettings replaces the thresholds used for breakers created from now
// on. Existing breakers keep their settings; a live state machine is not
// re-thresholded mid-flight.
func (r *Registry) UpdateSettings(settings Settings) {
	r.mu.Lock()
	r.settings = settings.withDefaults()
	r.mu.Unlock()
}

// Get returns the breaker for a destination if one exists.
func (r *Registry) Get(destination string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[destination]
	return b, ok
}

// Snapshots returns point-in-time copies of every breaker, keyed by
// destination.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make(map[string]Snapshot, len(breakers))
	for _, b := range breakers {
		snap := b.Snapshot()
		snaps[snap.Destination] = snap
	}
	return snaps
}
