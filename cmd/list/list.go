package list

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/sync"
	"github.com/sidkik/peersync/pkg/sync/client"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `list` command.
func New() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "list <host:port>",
		Short: "List the files synced by a peer",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], timeout); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultConnectTimeout,
		"How long to wait for the peer to respond.")
	return cmd
}

func run(address string, timeout time.Duration) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewFriendlyError(
			"Invalid peer address %q. It must be of the form host:port.", address)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewFriendlyError("Invalid peer port %q.", portStr)
	}

	// Listing never writes to the sync root.
	c := client.New(afero.NewMemMapFs(), sync.NewHashTracker(), sync.NewSuppressor(0),
		client.Options{ConnectTimeout: timeout, ChunkTimeout: timeout}, log.StandardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()

	files, err := c.ListFiles(ctx, sync.Peer{Name: address, Host: host, Port: port})
	if err != nil {
		return errors.WithContext(err, "list files")
	}

	for _, file := range files {
		fmt.Fprintln(stdout, file)
	}
	return nil
}
