package resource

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// Store owns the ledgers for every live session and serves their media
// bytes under /resources/{session}/{key}. The emulated editor fetches the
// URLs the transport hands it straight from here.
type Store struct {
	mu      sync.RWMutex
	ledgers map[string]*Ledger

	basePath  string
	capacity  int64
	ttl       time.Duration
	onRelease ReleaseFunc
	onEvict   EvictObserver
	disposed  bool
}

type StoreOptions struct {
	BasePath  string // defaults to "/resources"
	Capacity  int64  // per-session media cache budget
	TTL       time.Duration
	OnRelease ReleaseFunc
	// OnCapacityEvict observes entries evicted under capacity pressure,
	// typically to feed a counter. It runs under the owning ledger's
	// lock and must not call back into the ledger or the store.
	OnCapacityEvict EvictObserver
}

func NewStore(opts StoreOptions) *Store {
	base := opts.BasePath
	if base == "" {
		base = "/resources"
	}
	return &Store{
		ledgers:   make(map[string]*Ledger),
		basePath:  strings.TrimSuffix(base, "/"),
		capacity:  opts.Capacity,
		ttl:       opts.TTL,
		onRelease: opts.OnRelease,
		onEvict:   opts.OnCapacityEvict,
	}
}

// NewLedger creates (or replaces) the ledger for sessionID. A replaced
// ledger is disposed first so its URLs are revoked.
func (s *Store) NewLedger(sessionID string) *Ledger {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	old := s.ledgers[sessionID]
	base := s.basePath + "/" + url.PathEscape(sessionID)
	l := newLedger(sessionID, base, s.capacity, s.ttl, s.onRelease, s)
	l.onEvict = s.onEvict
	s.ledgers[sessionID] = l
	s.mu.Unlock()

	if old != nil {
		old.Dispose()
	}
	return l
}

// Get returns the live ledger for sessionID.
func (s *Store) Get(sessionID string) (*Ledger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[sessionID]
	return l, ok
}

// Len returns the number of live ledgers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledgers)
}

// TotalSize sums the live media bytes across every ledger.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	ledgers := make([]*Ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		ledgers = append(ledgers, l)
	}
	s.mu.RUnlock()

	var total int64
	for _, l := range ledgers {
		total += l.TotalSize()
	}
	return total
}

// remove drops a disposed ledger from the index. Called by Ledger.Dispose.
// Identity-checked so disposing a replaced ledger cannot unindex its
// successor under the same session id.
func (s *Store) remove(sessionID string, l *Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgers[sessionID] == l {
		delete(s.ledgers, sessionID)
	}
}

// Dispose tears down every ledger. Idempotent.
func (s *Store) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	ledgers := make([]*Ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		ledgers = append(ledgers, l)
	}
	s.ledgers = map[string]*Ledger{}
	s.mu.Unlock()

	for _, l := range ledgers {
		l.Dispose()
	}
}

// ServeHTTP resolves GET {basePath}/{session}/{key...} to media bytes.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, s.basePath+"/")
	if rest == r.URL.Path {
		http.NotFound(w, r)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	sessionID, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	key, err := url.PathUnescape(parts[1])
	if err != nil {
		http.Error(w, "invalid resource key", http.StatusBadRequest)
		return
	}

	l, ok := s.Get(sessionID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, ok := l.GetMedia(key)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}
