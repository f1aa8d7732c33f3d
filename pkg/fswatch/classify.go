package fswatch

import (
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/sync"
)

// classifier turns raw filesystem events for the files in the sync root into
// Events. It isn't safe for concurrent use: it's owned by the Watcher's loop.
type classifier struct {
	root       afero.Fs
	hashes     *sync.HashTracker
	suppressor *sync.Suppressor
	log        logrus.FieldLogger

	debounce     time.Duration
	renameWindow time.Duration

	// dirty maps files that were created or written to the time at which
	// they'll be classified. Writes push the time back, so that bursts of
	// writes are classified once.
	dirty map[string]time.Time

	// moved holds the files that were renamed away, until either the file
	// they were renamed to is classified, or the rename window passes.
	moved map[string]movedFile
}

type movedFile struct {
	digest  string
	expires time.Time
}

func newClassifier(root afero.Fs, hashes *sync.HashTracker, suppressor *sync.Suppressor,
	log logrus.FieldLogger) *classifier {
	return &classifier{
		root:         root,
		hashes:       hashes,
		suppressor:   suppressor,
		log:          log,
		debounce:     DefaultDebounce,
		renameWindow: DefaultRenameWindow,
		dirty:        map[string]time.Time{},
		moved:        map[string]movedFile{},
	}
}

// observe records an event for the file `name`, and returns any Events that
// can be emitted right away.
func (c *classifier) observe(name string, op fsnotify.Op, now time.Time) []Event {
	if !sync.IsSyncable(name) {
		return nil
	}

	// The file is being written by a peer, and the hash table is kept up to
	// date by whatever is writing it.
	if c.suppressor.Suppressed(name) {
		return nil
	}

	switch {
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(c.dirty, name)

		// The file was replaced before we got the event.
		if exists, _ := sync.Exists(c.root, name); exists {
			c.dirty[name] = now.Add(c.debounce)
			return nil
		}

		if op&fsnotify.Rename != 0 {
			if digest, ok := c.hashes.Get(name); ok {
				c.moved[name] = movedFile{digest: digest, expires: now.Add(c.renameWindow)}
				return nil
			}
		}

		c.hashes.Remove(name)
		return []Event{{Kind: Deleted, Name: name}}

	case op&(fsnotify.Create|fsnotify.Write) != 0:
		c.dirty[name] = now.Add(c.debounce)
	}
	return nil
}

// flush classifies the files whose debounce period has passed, and expires
// renames that never completed.
func (c *classifier) flush(now time.Time) (events []Event) {
	for _, name := range sortedKeys(c.dirty) {
		if c.dirty[name].After(now) {
			continue
		}

		delete(c.dirty, name)
		if event, ok := c.classify(name); ok {
			events = append(events, event)
		}
	}

	for _, name := range sortedKeys(c.moved) {
		if c.moved[name].expires.After(now) {
			continue
		}

		delete(c.moved, name)
		if exists, _ := sync.Exists(c.root, name); exists {
			continue
		}
		c.hashes.Remove(name)
		events = append(events, Event{Kind: Deleted, Name: name})
	}
	return events
}

func (c *classifier) classify(name string) (Event, bool) {
	if c.suppressor.Suppressed(name) {
		return Event{}, false
	}

	info, err := c.root.Stat(sync.Path(name))
	if err != nil {
		// If the file was removed, the Remove event will handle it.
		return Event{}, false
	}

	// Empty files are often placeholders created during atomic saves. The
	// write that fills them in will trigger another event.
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return Event{}, false
	}

	digest, err := sync.HashFile(c.root, sync.Path(name))
	if err != nil {
		c.log.WithError(err).WithField("file", name).Debug("Failed to hash changed file")
		return Event{}, false
	}

	for _, oldName := range sortedKeys(c.moved) {
		if oldName == name || c.moved[oldName].digest != digest {
			continue
		}

		delete(c.moved, oldName)
		c.hashes.Rename(oldName, name)
		return Event{Kind: Renamed, Name: name, OldName: oldName, Digest: digest}, true
	}

	if changed := c.hashes.Set(name, digest); !changed {
		return Event{}, false
	}
	return Event{Kind: Changed, Name: name, Digest: digest}, true
}

// nextDeadline returns the earliest time at which flush will have work to do.
func (c *classifier) nextDeadline() (deadline time.Time, ok bool) {
	earliest := func(t time.Time) {
		if !ok || t.Before(deadline) {
			deadline = t
			ok = true
		}
	}

	for _, ready := range c.dirty {
		earliest(ready)
	}
	for _, moved := range c.moved {
		earliest(moved.expires)
	}
	return deadline, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
