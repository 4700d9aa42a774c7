// Package resource tracks every byte buffer and URL minted on behalf of
// an open document session. A Ledger owns one session's media cache and
// the URLs exposed for it; disposing the ledger revokes everything it
// ever handed out so repeated open/close cycles cannot leak.
package resource

import (
	"log"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/webdocs/emulator/internal/cache"
	"github.com/webdocs/emulator/internal/docerr"
)

// ReleaseFunc is notified whenever a tracked URL stops being valid,
// regardless of whether the cause was explicit deletion, cache eviction,
// or ledger disposal. Evictions and deletions funnel through this single
// path so no URL outlives its backing bytes.
type ReleaseFunc func(sessionID, url string)

// EvictObserver is notified of capacity evictions. It runs under the
// ledger lock; implementations must not re-enter the ledger.
type EvictObserver func(sessionID, key string, size int64)

// Ledger tracks object URLs and media bytes for one session.
type Ledger struct {
	sessionID string
	base      string // URL prefix, e.g. "/resources/<session>"

	mu       sync.Mutex
	media    *cache.Cache
	urls     map[string]struct{} // every URL ever registered and still live
	byKey    map[string]string   // media key -> exposed URL
	disposed bool

	onRelease ReleaseFunc
	onEvict   EvictObserver
	store     *Store // parent, nil outside a Store
}

func newLedger(sessionID, base string, capacity int64, ttl time.Duration, onRelease ReleaseFunc, store *Store) *Ledger {
	l := &Ledger{
		sessionID: sessionID,
		base:      base,
		urls:      make(map[string]struct{}),
		byKey:     make(map[string]string),
		onRelease: onRelease,
		store:     store,
	}
	l.media = cache.New(cache.Options{
		Capacity: capacity,
		TTL:      ttl,
		OnEvict:  l.evicted,
	})
	return l
}

// NewLedger builds a standalone ledger, mostly for tests. Ledgers created
// through a Store are additionally reachable over HTTP.
func NewLedger(sessionID string, capacity int64, onRelease ReleaseFunc) *Ledger {
	return newLedger(sessionID, "/resources/"+url.PathEscape(sessionID), capacity, 0, onRelease, nil)
}

func (l *Ledger) SessionID() string { return l.sessionID }

// RegisterURL records an externally minted URL for lifecycle tracking.
func (l *Ledger) RegisterURL(u string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return docerr.Op("resource.RegisterURL", docerr.ErrResourceDisposed, nil)
	}
	l.urls[u] = struct{}{}
	return nil
}

// UnregisterURL releases a tracked URL. Unknown URLs are a no-op; the
// release path is idempotent.
func (l *Ledger) UnregisterURL(u string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return docerr.Op("resource.UnregisterURL", docerr.ErrResourceDisposed, nil)
	}
	l.releaseLocked(u)
	return nil
}

// RegisterMedia caches bytes under key, sized by byte length, and returns
// a freshly minted URL that resolves to them. The URL is tracked and
// revoked on eviction, deletion, or disposal.
func (l *Ledger) RegisterMedia(key string, data []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return "", docerr.Op("resource.RegisterMedia", docerr.ErrResourceDisposed, nil)
	}
	u := l.base + "/" + escapeKey(key)
	if !l.media.Set(key, data, int64(len(data))) {
		return "", docerr.Op("resource.RegisterMedia", docerr.ErrInvalidOperation, nil)
	}
	l.urls[u] = struct{}{}
	l.byKey[key] = u
	return u, nil
}

// GetMedia returns the cached bytes for key.
func (l *Ledger) GetMedia(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return nil, false
	}
	v, ok := l.media.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// MediaURL returns the exposed URL for a registered media key.
func (l *Ledger) MediaURL(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.byKey[key]
	return u, ok
}

// DeleteMedia removes key and releases its URL. Reports whether the key
// was present.
func (l *Ledger) DeleteMedia(key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return false, docerr.Op("resource.DeleteMedia", docerr.ErrResourceDisposed, nil)
	}
	if !l.media.Delete(key) {
		return false, nil
	}
	if u, ok := l.byKey[key]; ok {
		delete(l.byKey, key)
		l.releaseLocked(u)
	}
	return true, nil
}

// CleanupExpired sweeps TTL-expired media; their URLs are released
// through the eviction callback.
func (l *Ledger) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.media.CleanupExpired()
}

// TotalSize returns the live media byte total.
func (l *Ledger) TotalSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.media.TotalSize()
}

// Dispose revokes every URL the ledger ever registered, drops the media
// cache, and marks the ledger unusable. Idempotent.
func (l *Ledger) Dispose() {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	l.disposed = true
	// Cache eviction callbacks run under l.mu via Clear; releaseLocked
	// handles the URLs for cached entries, the loop below catches
	// plain registered URLs.
	l.media.Dispose()
	for u := range l.urls {
		l.releaseLocked(u)
	}
	l.byKey = map[string]string{}
	store := l.store
	l.mu.Unlock()

	if store != nil {
		store.remove(l.sessionID, l)
	}
}

// evicted is the cache eviction callback. It runs with l.mu held because
// every cache mutation happens under the ledger lock.
func (l *Ledger) evicted(key string, _ any, size int64, reason cache.Reason) {
	if reason == cache.ReasonCapacity {
		log.Printf("resource: session %s evicted %q (%d bytes) under capacity pressure", l.sessionID, key, size)
		if l.onEvict != nil {
			l.onEvict(l.sessionID, key, size)
		}
	}
	if u, ok := l.byKey[key]; ok {
		delete(l.byKey, key)
		l.releaseLocked(u)
	}
}

func (l *Ledger) releaseLocked(u string) {
	if _, ok := l.urls[u]; !ok {
		return
	}
	delete(l.urls, u)
	if l.onRelease != nil {
		l.onRelease(l.sessionID, u)
	}
}

// escapeKey escapes each path segment of a media key so nested names like
// "media/image1.png" keep their slashes in the exposed URL.
func escapeKey(key string) string {
	clean := path.Clean("/" + key)[1:]
	segs := strings.Split(clean, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
