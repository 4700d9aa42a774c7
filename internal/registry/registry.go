// Package registry maps document identifiers to live transport handles
// without keeping those handles alive. The editor opens short-lived
// inner channels freely (one per embedded frame); holding strong
// references to each would pin memory for the life of the page, so
// entries are weak and pruned when their handle is collected.
package registry

import (
	"log"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/webdocs/emulator/internal/transport"
)

// DefaultCleanupInterval is how often the background sweep runs.
const DefaultCleanupInterval = time.Minute

// Registry is a weak map from identifier to transport handle. Weak
// pruning is best-effort hygiene with no guaranteed timing; callers that
// need determinism use Cleanup and Dispose.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]weak.Pointer[transport.Handle]
	disposed bool

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cleanupInterval time.Duration) *Registry {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	r := &Registry{
		entries: make(map[string]weak.Pointer[transport.Handle]),
		stop:    make(chan struct{}),
	}
	go r.sweepLoop(cleanupInterval)
	return r
}

// Register stores a non-owning reference to h under id. A finalizer
// prunes the entry once h becomes unreachable. Registering on a disposed
// registry is a no-op.
func (r *Registry) Register(id string, h *transport.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.entries[id] = weak.Make(h)
	runtime.AddCleanup(h, func(id string) { r.removeIfDead(id) }, id)
}

// Get returns the live handle for id. An expired weak entry is lazily
// deleted and reported absent.
func (r *Registry) Get(id string) (*transport.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	h := ref.Value()
	if h == nil {
		delete(r.entries, id)
		return nil, false
	}
	return h, true
}

// EmitToSession delivers msg to the handle registered under id and
// reports whether delivery happened. A missing entry, a disconnected
// handle, or a delivery failure all count as non-delivery; delivery
// errors are reported in the log, never propagated.
func (r *Registry) EmitToSession(id string, msg any) bool {
	h, ok := r.Get(id)
	if !ok {
		return false
	}
	if !h.Connected() {
		return false
	}
	if err := h.Emit(msg); err != nil {
		log.Printf("registry: delivery to %q failed: %v", id, err)
		return false
	}
	return true
}

// Broadcast delivers msg to every distinct live, connected handle and
// returns the delivery count.
func (r *Registry) Broadcast(msg any) int {
	r.mu.Lock()
	seen := make(map[*transport.Handle]struct{}, len(r.entries))
	for id, ref := range r.entries {
		h := ref.Value()
		if h == nil {
			delete(r.entries, id)
			continue
		}
		seen[h] = struct{}{}
	}
	r.mu.Unlock()

	count := 0
	for h := range seen {
		if !h.Connected() {
			continue
		}
		if err := h.Emit(msg); err != nil {
			log.Printf("registry: broadcast delivery failed: %v", err)
			continue
		}
		count++
	}
	return count
}

// Cleanup eagerly sweeps expired weak entries and returns the number
// removed.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, ref := range r.entries {
		if ref.Value() == nil {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of registered entries, live or not yet swept.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dispose stops the sweep timer, drops all entries, and makes further
// Register calls no-ops. Idempotent.
func (r *Registry) Dispose() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
	r.entries = make(map[string]weak.Pointer[transport.Handle])
}

func (r *Registry) removeIfDead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.entries[id]
	if !ok {
		return
	}
	if ref.Value() == nil {
		delete(r.entries, id)
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Cleanup()
		case <-r.stop:
			return
		}
	}
}
