package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/bugtool"
	configCmd "github.com/sidkik/peersync/cmd/config"
	"github.com/sidkik/peersync/cmd/list"
	"github.com/sidkik/peersync/cmd/peer"
	"github.com/sidkik/peersync/cmd/rendezvous"
	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "PEERSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "peersync",
		Short:        "Keep a directory identical across a group of peers",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		bugtool.New(),
		configCmd.New(),
		list.New(),
		peer.New(),
		rendezvous.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
