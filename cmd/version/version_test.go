package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/peersync/pkg/version"
)

func TestVersion(t *testing.T) {
	out := bytes.NewBuffer(nil)
	stdout = out

	New().Run(nil, nil)
	assert.Equal(t, "version:         "+version.EmptyValue+"\n"+
		"config versions: >= 1.0, < 2.0\n", out.String())
}
