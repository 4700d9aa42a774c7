// Package savesess reassembles chunked editor saves. The editor splits a
// large save into sequential partial uploads correlated by a shared key;
// the reassembler buffers them and hands back one contiguous buffer on
// the final chunk. Abandoned sessions are dropped on an idle timer so a
// crashed editor cannot pin buffered chunks forever.
package savesess

import (
	"crypto/sha256"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/webdocs/emulator/internal/docerr"
)

// Position is the wire value of a chunk's place in its save. The numeric
// values match the editor's savetype field.
type Position int

const (
	First  Position = 0
	Middle Position = 1
	Last   Position = 2
	Single Position = 3
)

func (p Position) String() string {
	switch p {
	case First:
		return "first"
	case Middle:
		return "middle"
	case Last:
		return "last"
	case Single:
		return "single"
	}
	return "unknown"
}

// DefaultIdleTimeout is how long a save session may sit without a new
// chunk before it is abandoned.
const DefaultIdleTimeout = 5 * time.Minute

type saveSession struct {
	chunks  [][]byte
	created time.Time
	total   int
	timer   *time.Timer
}

// Reassembler buffers partial saves per key. All methods are safe for
// concurrent use.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[string]*saveSession
	idle     time.Duration
	onExpire func() // observes idle expiries, nil when unset
	disposed bool
}

func New(idle time.Duration) *Reassembler {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Reassembler{
		sessions: make(map[string]*saveSession),
		idle:     idle,
	}
}

// HandleChunk feeds one chunk into the session identified by key.
// The returned buffer is non-nil only when the save is complete: for
// Single chunks immediately, for Last chunks after concatenating every
// buffered chunk in arrival order. First/Middle return (nil, false, nil)
// on success.
func (r *Reassembler) HandleChunk(key string, data []byte, pos Position) ([]byte, bool, error) {
	if pos == Single {
		return data, true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, false, docerr.Op("savesess.HandleChunk", docerr.ErrResourceDisposed, nil)
	}

	switch pos {
	case First:
		if old, ok := r.sessions[key]; ok {
			old.timer.Stop()
			old.chunks = nil
			delete(r.sessions, key)
			log.Printf("savesess: replacing in-flight save session %s", shortKey(key))
		}
		s := &saveSession{
			chunks:  [][]byte{data},
			created: time.Now(),
			total:   len(data),
		}
		s.timer = time.AfterFunc(r.idle, func() { r.expire(key) })
		r.sessions[key] = s
		return nil, false, nil

	case Middle:
		s, err := r.sessionLocked(key)
		if err != nil {
			return nil, false, err
		}
		s.chunks = append(s.chunks, data)
		s.total += len(data)
		s.timer.Reset(r.idle)
		return nil, false, nil

	case Last:
		s, err := r.sessionLocked(key)
		if err != nil {
			return nil, false, err
		}
		s.timer.Stop()
		s.chunks = append(s.chunks, data)
		s.total += len(data)

		buf := make([]byte, 0, s.total)
		for _, c := range s.chunks {
			buf = append(buf, c...)
		}
		// Drop the chunk list right away so the memory is reclaimable
		// even if something retains the session briefly.
		s.chunks = nil
		delete(r.sessions, key)
		return buf, true, nil
	}

	return nil, false, docerr.Op("savesess.HandleChunk", docerr.ErrInvalidOperation,
		fmt.Errorf("unknown chunk position %d", pos))
}

// sessionLocked looks up an in-flight save. An idle-expired session is
// indistinguishable from one that never existed: the expiry timer drops
// all state for the key, so late chunks report the session as missing.
func (r *Reassembler) sessionLocked(key string) (*saveSession, error) {
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	return nil, docerr.Op("savesess.HandleChunk", docerr.ErrSessionNotFound, nil)
}

// expire drops an idle session and its buffered chunks.
func (r *Reassembler) expire(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	log.Printf("savesess: abandoning save session %s after %s idle (%d bytes buffered)",
		shortKey(key), r.idle, s.total)
	s.chunks = nil
	delete(r.sessions, key)
	if r.onExpire != nil {
		r.onExpire()
	}
}

// OnExpire sets an observer for idle expiries, typically a metrics
// counter. Call before feeding chunks.
func (r *Reassembler) OnExpire(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = f
}

// Len returns the number of in-flight save sessions.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Dispose cancels every idle timer and drops all buffered sessions.
// Idempotent.
func (r *Reassembler) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	for key, s := range r.sessions {
		s.timer.Stop()
		s.chunks = nil
		delete(r.sessions, key)
	}
}

// shortKey keeps correlation keys out of logs; they can embed document
// identifiers chosen by the client.
func shortKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h[:6])
}
