package node

import (
	"io/ioutil"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLineHook(t *testing.T) {
	lines := make(chan string, 1)
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	logger.AddHook(newLineHook(lines))

	logger.WithField("file", "a.txt").Info("first")

	// The channel is full, so this line is dropped rather than blocking.
	logger.Info("second")

	line := <-lines
	assert.Contains(t, line, "level=info")
	assert.Contains(t, line, "msg=first")
	assert.Contains(t, line, "file=a.txt")
	assert.NotContains(t, line, "\n")
	assert.Empty(t, lines)

	// Lines below the logger's level are never produced.
	logger.Debug("hidden")
	assert.Empty(t, lines)
}
