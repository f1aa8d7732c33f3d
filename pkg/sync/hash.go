package sync

import (
	"encoding/base64"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"

	"github.com/sidkik/peersync/pkg/errors"
)

// HashFile returns the content digest of the file at the given path.
func HashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader returns the content digest of everything read from `r`.
func HashReader(r io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", errors.WithContext(err, "create hasher")
	}

	if _, err := io.Copy(hasher, r); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// HashBytes returns the content digest of `b`.
func HashBytes(b []byte) string {
	sum := blake2b.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}
