package node

import (
	"strings"

	"github.com/sirupsen/logrus"
)

const logBufferSize = 256

// lineHook copies log entries into a channel, for display by a UI.
type lineHook struct {
	lines     chan<- string
	formatter logrus.Formatter
}

func newLineHook(lines chan<- string) *lineHook {
	return &lineHook{
		lines: lines,
		formatter: &logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		},
	}
}

func (h *lineHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *lineHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	select {
	case h.lines <- strings.TrimRight(string(line), "\n"):
	default:
	}
	return nil
}
