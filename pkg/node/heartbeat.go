package node

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/sync"
)

func (n *Node) runHeartbeat(ctx context.Context) {
	ticker := n.clock.NewTicker(n.cfg.HeartbeatInterval.Duration)
	defer ticker.Stop()

	for {
		n.heartbeat(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// heartbeat registers with the rendezvous service, and replaces the known
// peers with its response. If the service can't be reached, the previous
// peers are kept until the next heartbeat.
func (n *Node) heartbeat(ctx context.Context) {
	peers, err := n.rendezvous.Register(ctx, n.name, n.cfg.AdvertiseHost, n.Port())
	if err != nil {
		if ctx.Err() == nil {
			n.log.WithError(err).Warn("Failed to register with rendezvous service. " +
				"Will retry at the next heartbeat.")
		}
		return
	}

	n.peers.Replace(peers)

	select {
	case n.registered <- struct{}{}:
	default:
	}
}

// runBootstrap bootstraps after each registration until a bootstrap
// succeeds.
func (n *Node) runBootstrap(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.registered:
		}

		if err := n.bootstrap(ctx); err != nil {
			if ctx.Err() == nil {
				n.log.WithError(err).Warn("Failed to fetch files from peers. " +
					"Will retry after the next heartbeat.")
			}
			continue
		}
		return
	}
}

// bootstrap pulls the files that one peer has, and this node doesn't. It
// never removes local files, or sends them to the peer.
func (n *Node) bootstrap(ctx context.Context) error {
	peers := n.peers.Peers()
	if len(peers) == 0 {
		n.log.Info("No other peers are registered, so there's nothing to fetch")
		return nil
	}
	source := peers[0]

	names, err := n.client.ListFiles(ctx, source)
	if err != nil {
		return errors.WithContext(err, "list files")
	}

	var missing []string
	for _, name := range names {
		exists, err := sync.Exists(n.root, name)
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, name)
		}
	}

	var errs *multierror.Error
	for _, name := range missing {
		err := n.client.Pull(ctx, source, name, func(name string, fraction float64) {
			n.log.WithField("file", name).WithField("progress", fraction).Debug("Receiving file")
		})
		if err != nil {
			errs = multierror.Append(errs, errors.WithContext(err, "pull "+name))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	n.log.WithFields(logrus.Fields{
		"peer":    source.Name,
		"fetched": len(missing),
	}).Info("Fetched missing files")
	return nil
}
