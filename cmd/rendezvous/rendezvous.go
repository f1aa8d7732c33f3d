package rendezvous

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/rendezvous"
)

// New creates a new `rendezvous` command.
func New() *cobra.Command {
	var configPath, listen string
	var peerTTL time.Duration
	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Run the service that peers register with to find each other",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := config.Parse(configPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			if cmd.Flags().Changed("listen") {
				cfg.RendezvousListen = listen
			}
			if cmd.Flags().Changed("peer-ttl") {
				cfg.PeerTTL = config.Duration{Duration: peerTTL}
			}

			if err := run(cfg); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "",
		"The config file to read. Defaults to "+config.ConfigPath+".")
	cmd.Flags().StringVar(&listen, "listen", "",
		"The address to listen on. Defaults to the rendezvousListen config field.")
	cmd.Flags().DurationVar(&peerTTL, "peer-ttl", 0,
		"Forget peers that haven't registered within this duration. "+
			"0 keeps peers forever.")
	return cmd
}

func run(cfg config.Node) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lis, err := net.Listen("tcp", cfg.RendezvousListen)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	log.WithFields(log.Fields{
		"address": lis.Addr().String(),
		"peerTTL": cfg.PeerTTL.Duration,
	}).Info("Started rendezvous service")

	server := rendezvous.NewServer(log.StandardLogger(), cfg.PeerTTL.Duration, clockwork.NewRealClock())
	if err := server.Serve(ctx, lis); err != nil {
		return errors.WithContext(err, "serve")
	}
	return nil
}
