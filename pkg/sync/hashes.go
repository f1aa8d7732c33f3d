package sync

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

// HashTracker tracks the content digest of every file the node believes is
// present and fully synced.
type HashTracker struct {
	files map[string]string
	lock  sync.Mutex
}

// NewHashTracker returns a new HashTracker.
func NewHashTracker() *HashTracker {
	return &HashTracker{files: map[string]string{}}
}

// Get returns the recorded digest for `name`.
func (tracker *HashTracker) Get(name string) (string, bool) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	digest, ok := tracker.files[name]
	return digest, ok
}

// Set records that `name` is synced with the given digest. It returns whether
// the digest differs from the previously recorded one.
func (tracker *HashTracker) Set(name, digest string) (changed bool) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	old, ok := tracker.files[name]
	tracker.files[name] = digest
	return !ok || old != digest
}

// Remove forgets `name`. It returns whether there was an entry.
func (tracker *HashTracker) Remove(name string) bool {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	_, ok := tracker.files[name]
	delete(tracker.files, name)
	return ok
}

// Rename moves the entry for `oldName` to `newName`. If `oldName` has no
// entry, any entry for `newName` is dropped so that the renamed file is
// classified again.
func (tracker *HashTracker) Rename(oldName, newName string) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	digest, ok := tracker.files[oldName]
	delete(tracker.files, oldName)
	if ok {
		tracker.files[newName] = digest
	} else {
		delete(tracker.files, newName)
	}
}

// Snapshot returns a copy of the tracked digests.
func (tracker *HashTracker) Snapshot() map[string]string {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	// Copy the underlying map because maps are reference types.
	snapshotCopy := map[string]string{}
	for k, v := range tracker.files {
		snapshotCopy[k] = v
	}
	return snapshotCopy
}

// Seed records the digest of every syncable file already in the sync root.
// Files that can't be hashed are left unclassified.
func (tracker *HashTracker) Seed(fs afero.Fs) error {
	names, err := ListFiles(fs)
	if err != nil {
		return errors.WithContext(err, "list")
	}

	for _, name := range names {
		digest, err := HashFile(fs, Path(name))
		if err != nil {
			log.WithError(err).WithField("file", name).Warn(
				"Failed to hash existing file. It will be hashed when it next changes.")
			continue
		}
		tracker.Set(name, digest)
	}
	return nil
}
