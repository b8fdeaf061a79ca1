package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/saisie/idgen"
)

// RegistryOptions tunes the Registry.
type RegistryOptions struct {
	// Retention is how long a dispatched session is kept so late attachments
	// can still be recorded. Default: 10 minutes.
	Retention time.Duration
	// SweepInterval is the eviction poll frequency. Default: 1 minute.
	SweepInterval time.Duration
	// NewID overrides the session id generator.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *RegistryOptions) defaults() {
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("sess_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Registry is the single owner of all live capture sessions.
//
// Undispatched sessions are never evicted by age: a capture still in
// progress must not disappear under the extension. An abandoned capture
// therefore occupies memory until the process restarts.
type Registry struct {
	opts RegistryOptions

	mu       sync.RWMutex
	sessions map[string]*Session

	created atomic.Int64
	reused  atomic.Int64
	evicted atomic.Int64
	sweeps  atomic.Int64
}

// RegistryStats are point-in-time counters.
type RegistryStats struct {
	Live    int   `json:"live"`
	Created int64 `json:"created"`
	Reused  int64 `json:"reused"`
	Evicted int64 `json:"evicted"`
	Sweeps  int64 `json:"sweeps"`
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	opts.defaults()
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create stores a new Session and returns it. When id is empty a fresh one
// is generated. Calling Create twice with the same explicit id returns the
// existing session untouched — duplicate extension retries must not
// reinitialize capture state.
func (r *Registry) Create(id, sourceURI string, items []map[string]any) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if existing, ok := r.sessions[id]; ok {
			r.reused.Add(1)
			return existing
		}
	} else {
		id = r.opts.NewID()
	}
	s := New(id, sourceURI, items, time.Now())
	r.sessions[id] = s
	r.created.Add(1)
	return s
}

// Get resolves a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns the current counters.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Live:    r.Len(),
		Created: r.created.Load(),
		Reused:  r.reused.Load(),
		Evicted: r.evicted.Load(),
		Sweeps:  r.sweeps.Load(),
	}
}

// Sweep evicts expired sessions on a ticker until ctx is cancelled.
func (r *Registry) Sweep(ctx context.Context) {
	log := r.opts.Logger
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	log.Info("registry: sweep started", "interval", r.opts.SweepInterval, "retention", r.opts.Retention)
	for {
		select {
		case <-ctx.Done():
			log.Info("registry: sweep stopped")
			return
		case <-ticker.C:
			if n := r.EvictNow(time.Now()); n > 0 {
				log.Info("registry: evicted sessions", "count", n)
			}
		}
	}
}

// EvictNow removes sessions that are dispatched and older than the
// retention window, judged against now. It returns the number evicted.
func (r *Registry) EvictNow(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps.Add(1)
	var n int
	for id, s := range r.sessions {
		if s.Dispatched() && s.Age(now) > r.opts.Retention {
			delete(r.sessions, id)
			n++
		}
	}
	r.evicted.Add(int64(n))
	return n
}
