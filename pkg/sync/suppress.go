package sync

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultSuppressionGuard is how long events for a file are still ignored
// after a remote-driven write completes. Filesystem events can be delivered
// well after the write that caused them.
const DefaultSuppressionGuard = 500 * time.Millisecond

// Suppressor tracks the files that are being written because of a peer,
// rather than because of the user.
// A file is suppressed from the first Begin until `guard` after the matching
// End. Calls nest, so overlapping transfers of the same file keep it
// suppressed until the last one finishes.
type Suppressor struct {
	guard time.Duration

	lock     sync.Mutex
	inFlight map[string]int
	recent   *cache.Cache
}

// NewSuppressor returns a Suppressor that keeps files suppressed for `guard`
// after their writes complete.
func NewSuppressor(guard time.Duration) *Suppressor {
	return &Suppressor{
		guard:    guard,
		inFlight: map[string]int{},
		recent:   cache.New(guard, time.Minute),
	}
}

// Begin marks `name` as being written.
func (s *Suppressor) Begin(name string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.inFlight[name]++
}

// End marks that a write to `name` started with Begin has completed.
func (s *Suppressor) End(name string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.inFlight[name] <= 1 {
		delete(s.inFlight, name)
		// go-cache treats a zero duration as "never expire".
		if s.guard > 0 {
			s.recent.Set(name, struct{}{}, s.guard)
		}
		return
	}
	s.inFlight[name]--
}

// Suppressed returns whether events for `name` should be ignored.
func (s *Suppressor) Suppressed(name string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.inFlight[name] > 0 {
		return true
	}
	_, ok := s.recent.Get(name)
	return ok
}
