package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/sync"
)

var fs = afero.NewOsFs()

const (
	// DefaultDebounce is how long a file must go without events before it's
	// classified.
	DefaultDebounce = 100 * time.Millisecond

	// DefaultRenameWindow is how long a file that was renamed away waits for
	// its new name to appear before it's considered deleted.
	DefaultRenameWindow = 250 * time.Millisecond
)

// Kind is the type of change described by an Event.
type Kind int

const (
	// Changed means the file was created or its contents changed.
	Changed Kind = iota

	// Deleted means the file was removed.
	Deleted

	// Renamed means the file was moved from OldName to Name.
	Renamed
)

func (k Kind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is a change made to the sync root by the user.
type Event struct {
	Kind    Kind
	Name    string
	OldName string
	Digest  string
}

// Watcher emits an Event whenever the user changes a file at the top level of
// the sync root. Changes made by peers are suppressed, as are changes that
// leave a file's digest as it was.
type Watcher struct {
	dir        string
	classifier *classifier
	clock      clockwork.Clock
	log        logrus.FieldLogger
	events     chan Event
}

// New creates a Watcher for the directory `dir`. `root` must be a filesystem
// rooted at `dir`.
func New(dir string, root afero.Fs, hashes *sync.HashTracker, suppressor *sync.Suppressor,
	log logrus.FieldLogger) *Watcher {
	return &Watcher{
		dir:        filepath.Clean(dir),
		classifier: newClassifier(root, hashes, suppressor, log),
		clock:      clockwork.NewRealClock(),
		log:        log,
		events:     make(chan Event, 16),
	}
}

// Events returns the channel that Events are sent on. It's closed when Run
// returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run watches the directory until `ctx` is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	fi, err := fs.Stat(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: w.dir}
		}
		return errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return errors.New(fmt.Sprintf("%s is not a directory", w.dir))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithContext(err, "create watcher")
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	if err := watcher.Add(w.dir); err != nil {
		return errors.WithContext(err, fmt.Sprintf("watch %q", w.dir))
	}

	w.run(ctx, watcher.Events, watcher.Errors)
	return nil
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	var timer clockwork.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		var timerC <-chan time.Time
		if deadline, ok := w.classifier.nextDeadline(); ok {
			wait := deadline.Sub(w.clock.Now())
			if timer == nil {
				timer = w.clock.NewTimer(wait)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.Chan():
					default:
					}
				}
				timer.Reset(wait)
			}
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}

			// fsnotify doesn't watch recursively, so this is either a direct
			// child or the root itself.
			if filepath.Dir(event.Name) != w.dir {
				continue
			}
			w.emit(ctx, w.classifier.observe(filepath.Base(event.Name), event.Op, w.clock.Now()))

		case err, ok := <-errs:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("File watcher error")

		case <-timerC:
			w.emit(ctx, w.classifier.flush(w.clock.Now()))
		}
	}
}

func (w *Watcher) emit(ctx context.Context, events []Event) {
	for _, event := range events {
		w.log.WithFields(logrus.Fields{
			"file": event.Name,
			"kind": event.Kind,
		}).Debug("Detected local change")

		select {
		case w.events <- event:
		case <-ctx.Done():
			return
		}
	}
}
