package sync

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.txt", []byte("hi"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/b.txt", []byte("hi"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/c.txt", []byte("hello"), 0644))

	a, err := HashFile(fs, "/a.txt")
	require.NoError(t, err)
	b, err := HashFile(fs, "/b.txt")
	require.NoError(t, err)
	c, err := HashFile(fs, "/c.txt")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, HashBytes([]byte("hi")), a)

	fromReader, err := HashReader(bytes.NewBufferString("hello"))
	require.NoError(t, err)
	assert.Equal(t, c, fromReader)

	_, err = HashFile(fs, "/missing")
	assert.Error(t, err)
}
