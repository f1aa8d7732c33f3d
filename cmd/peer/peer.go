package peer

import (
	"context"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/node"
)

const statusInterval = time.Second

type flags struct {
	configPath    string
	name          string
	syncRoot      string
	rendezvous    string
	advertiseHost string
	dataPort      int
	status        bool
}

// New creates a new `peer` command.
func New() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Start syncing a directory with the other peers",
		Long: `Register with the rendezvous service, and keep the sync directory
identical to the directories of the other registered peers.

Files that exist at other peers but not locally are fetched on startup.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := run(cfg, f.status); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cmd.Flags().StringVar(&f.configPath, "config", "",
		"The config file to read. Defaults to "+config.ConfigPath+".")
	cmd.Flags().StringVar(&f.name, "name", "",
		"The name to register with. A name is generated if it's not set.")
	cmd.Flags().StringVar(&f.syncRoot, "root", "",
		"The directory to sync.")
	cmd.Flags().StringVar(&f.rendezvous, "rendezvous", "",
		"The host:port of the rendezvous service.")
	cmd.Flags().StringVar(&f.advertiseHost, "advertise-host", "",
		"The address that other peers should use to reach this peer.")
	cmd.Flags().IntVar(&f.dataPort, "data-port", 0,
		"The port to listen for other peers on. 0 picks a free port.")
	cmd.Flags().BoolVar(&f.status, "status", false,
		"Periodically print the known peers and synced files instead of logs.")
	return cmd
}

// loadConfig reads the config file, and overrides it with the flags that were
// set.
func loadConfig(cmd *cobra.Command, f flags) (config.Node, error) {
	cfg, err := config.Parse(f.configPath)
	if err != nil {
		return config.Node{}, errors.WithContext(err, "parse config")
	}

	changed := cmd.Flags().Changed
	if changed("name") {
		cfg.Name = f.name
	}
	if changed("root") {
		cfg.SyncRoot = f.syncRoot
	}
	if changed("advertise-host") {
		cfg.AdvertiseHost = f.advertiseHost
	}
	if changed("data-port") {
		cfg.DataPort = f.dataPort
	}
	if changed("rendezvous") {
		if err := cfg.SetRendezvousAddress(f.rendezvous); err != nil {
			return config.Node{}, errors.NewFriendlyError(
				"Invalid rendezvous address %q. It must be of the form host:port.",
				f.rendezvous)
		}
	}
	return cfg, nil
}

func run(cfg config.Node, showStatus bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logrus.StandardLogger()
	n, err := node.New(cfg, logger)
	if err != nil {
		return errors.WithContext(err, "start peer")
	}

	if showStatus {
		// The status view shows the latest log lines itself.
		logger.SetOutput(ioutil.Discard)
		go func() {
			defer util.HandlePanic()
			printStatus(ctx, n)
		}()
	}

	if err := n.Run(ctx); err != nil {
		return errors.WithContext(err, "sync")
	}
	return nil
}
