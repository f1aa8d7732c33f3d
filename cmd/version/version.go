package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of peersync.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "version:         %s\n", version.Version)
			fmt.Fprintf(stdout, "config versions: %s\n", config.SupportedConfigVersions)
		},
	}
}
