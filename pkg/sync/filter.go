package sync

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

// TempSuffix is appended to files that are still being written by a
// transfer.
const TempSuffix = ".tmp"

// Files that some programs and operating systems create next to real files.
var ignoredNames = map[string]struct{}{
	"Thumbs.db":   {},
	"desktop.ini": {},
	"Icon\r":      {},
	// Vim creates and deletes this file to check that the directory is
	// writable.
	"4913": {},
}

var transientSuffixes = []string{TempSuffix, ".swp", ".swx", ".part", ".crdownload", "~"}

// IsSyncable returns whether the file called `name` in the sync root should be
// replicated.
func IsSyncable(name string) bool {
	if !ValidName(name) || strings.HasPrefix(name, ".") {
		return false
	}

	if _, ok := ignoredNames[name]; ok {
		return false
	}

	for _, suffix := range transientSuffixes {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}

// ValidName returns whether `name` refers to an entry directly inside the
// sync root. Names from peers that fail this check could escape the root.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && name == filepath.Base(name)
}

// TempPattern returns the afero.TempFile pattern for the files a transfer
// writes to before moving the file into place. The "*" is replaced with a
// random string, so concurrent transfers never share a file. The names are
// hidden and have the temp suffix, so they're never synced.
func TempPattern(name string) string {
	return "." + name + ".*.peersync" + TempSuffix
}

// Path returns the path of `name` within a sync root filesystem.
func Path(name string) string {
	return filepath.Join(string(filepath.Separator), name)
}

// ListFiles returns the sorted names of the syncable files in the sync root.
func ListFiles(fs afero.Fs) ([]string, error) {
	infos, err := afero.ReadDir(fs, string(filepath.Separator))
	if err != nil {
		return nil, errors.WithContext(err, "read sync root")
	}

	names := []string{}
	for _, info := range infos {
		if info.IsDir() || !info.Mode().IsRegular() || !IsSyncable(info.Name()) {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists returns whether `name` is a regular file in the sync root.
func Exists(fs afero.Fs, name string) (bool, error) {
	info, err := fs.Stat(Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithContext(err, "stat")
	}
	return info.Mode().IsRegular(), nil
}
