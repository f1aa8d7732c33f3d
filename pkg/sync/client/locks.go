package client

import (
	"context"
	goSync "sync"
)

// nameLocks is a set of mutexes keyed by file name. Waiting for a lock can be
// cancelled.
type nameLocks struct {
	mutex goSync.Mutex

	// held maps locked names to a channel that's closed when they're
	// unlocked.
	held map[string]chan struct{}
}

func newNameLocks() *nameLocks {
	return &nameLocks{held: map[string]chan struct{}{}}
}

func (l *nameLocks) lock(ctx context.Context, name string) error {
	for {
		l.mutex.Lock()
		released, ok := l.held[name]
		if !ok {
			l.held[name] = make(chan struct{})
			l.mutex.Unlock()
			return nil
		}
		l.mutex.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *nameLocks) unlock(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	close(l.held[name])
	delete(l.held, name)
}
