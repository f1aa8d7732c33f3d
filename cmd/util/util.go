package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
)

// Mocked for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the error and exits. Friendly errors are printed
// verbatim, other errors are printed with their context.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the panic along with its stack trace, and exits. It
// should be deferred at the top of every goroutine that runs for the life of
// the process.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Unexpected panic: %v", r)
		fmt.Fprintf(stderr, "Unexpected panic: %v\n", r)
		exit(2)
	}
}

// LogPanic logs a panic along with its stack trace, and lets the goroutine
// return normally. It's deferred by goroutines that handle a single request,
// so that one bad request doesn't take down the process.
func LogPanic(logger log.FieldLogger) {
	if r := recover(); r != nil {
		logger.WithField("stack", string(debug.Stack())).Errorf("Recovered from panic: %v", r)
	}
}
