// internal/payload/registry.go
package payload

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type pending struct {
	body       string
	recordedAt time.Time
}

// Registry maps opaque correlation ids to request bodies recorded by page
// scripts before the native layer sees the request. Each entry is read once.
//
// With a zero TTL entries live until consumed or cleared; an id whose header
// never reaches the interceptor stays in memory.
type Registry struct {
	mu      sync.Mutex
	entries map[string]pending
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewRegistry creates an empty Registry. A positive ttl enables Sweep.
func NewRegistry(ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]pending),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.Named("payload_registry"),
	}
}

// Record stores body under a fresh random id and returns the id.
func (r *Registry) Record(body string) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.entries[id] = pending{body: body, recordedAt: r.now()}
	r.mu.Unlock()

	return id
}

// Consume returns and removes the body recorded under id.
// ok is false when the id is unknown or was already consumed.
func (r *Registry) Consume(id string) (body string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		return "", false
	}
	delete(r.entries, id)
	return p.body, true
}

// Len returns the number of unconsumed entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]pending)
}

// Sweep removes entries recorded more than ttl before now and returns how many
// were removed. It is a no-op when the registry has no ttl.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, p := range r.entries {
		if p.recordedAt.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Debug("Evicted unconsumed payloads.", zap.Int("count", n), zap.Duration("ttl", r.ttl))
			}
		}
	}
}
