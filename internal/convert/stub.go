package convert

import (
	"context"
	"sync"

	"github.com/webdocs/emulator/internal/docerr"
)

// StubEngine is an in-process Engine for tests and mock mode. It tags
// input bytes instead of converting them and hands back a fixed media
// set.
type StubEngine struct {
	mu sync.Mutex

	// Media is returned from every ToInternal call.
	Media map[string][]byte
	// FailToInternal and FailFromInternal force conversion failures.
	FailToInternal   bool
	FailFromInternal bool

	// Call counters for assertions.
	ToInternalCalls   int
	FromInternalCalls int
}

func (s *StubEngine) ToInternal(_ context.Context, src []byte, formatHint string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToInternalCalls++
	if s.FailToInternal {
		return nil, docerr.Op("convert.ToInternal", docerr.ErrConversionFailed, nil)
	}
	internal := append([]byte("internal:"+formatHint+":"), src...)
	media := make(map[string][]byte, len(s.Media))
	for k, v := range s.Media {
		media[k] = v
	}
	return &Result{Internal: internal, Media: media}, nil
}

func (s *StubEngine) FromInternal(_ context.Context, src []byte, targetFormat string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FromInternalCalls++
	if s.FailFromInternal {
		return nil, docerr.Op("convert.FromInternal", docerr.ErrConversionFailed, nil)
	}
	return append([]byte(targetFormat+":"), src...), nil
}

// Calls returns the call counters under the lock.
func (s *StubEngine) Calls() (toInternal, fromInternal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ToInternalCalls, s.FromInternalCalls
}
