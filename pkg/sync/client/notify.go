package client

import (
	"context"
	"fmt"
	goSync "sync"

	"github.com/hashicorp/go-multierror"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/sync"
)

// Notify delivers `msg` to every peer over its own short-lived connection.
// Delivery is best-effort: there's no acknowledgment and no retry.
func (c *client) Notify(ctx context.Context, peers []sync.Peer, msg protocol.Message) error {
	var (
		wg   goSync.WaitGroup
		lock goSync.Mutex
		errs *multierror.Error
	)

	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.notifyOne(ctx, peer, msg); err != nil {
				lock.Lock()
				errs = multierror.Append(errs, errors.WithContext(err, fmt.Sprintf("notify %s", peer.Name)))
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	return errs.ErrorOrNil()
}

func (c *client) notifyOne(ctx context.Context, peer sync.Peer, msg protocol.Message) error {
	conn, err := c.dial(ctx, peer.Address())
	if err != nil {
		return err
	}
	defer conn.Close()

	return c.send(conn, msg)
}
