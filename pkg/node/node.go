// Package node runs a single peer: it registers with the rendezvous service,
// answers requests from other peers, and announces the user's changes to
// them.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	goSync "sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fswatch"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/rendezvous"
	"github.com/sidkik/peersync/pkg/sync"
	"github.com/sidkik/peersync/pkg/sync/client"
	"github.com/sidkik/peersync/pkg/sync/server"
)

// Mocked for unit testing.
var (
	fs       = afero.NewOsFs()
	hostname = os.Hostname
)

// Node is a running peer. It owns the peer directory, the hash table and the
// suppression state for its sync root.
type Node struct {
	name string
	dir  string
	root afero.Fs
	cfg  config.Node
	log  logrus.FieldLogger

	peers      *sync.Directory
	hashes     *sync.HashTracker
	suppressor *sync.Suppressor

	rendezvous rendezvous.Client
	client     client.Client
	server     *server.Server
	watcher    *fswatch.Watcher
	lis        net.Listener
	clock      clockwork.Clock

	// registered is signalled after every successful registration, until
	// the bootstrap succeeds.
	registered chan struct{}

	logLines <-chan string
}

// GenerateName returns a name made of the host name and a random suffix.
func GenerateName() string {
	host, err := hostname()
	if err != nil || host == "" {
		host = "peer"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

// DefaultSyncRoot returns the sync root used by the node called `name` when
// none is configured.
func DefaultSyncRoot(name string) string {
	return "synced_files_" + name
}

// New creates a Node from `cfg`. It creates the sync root if it doesn't exist,
// and starts listening for peers, but doesn't serve them until Run.
func New(cfg config.Node, logger *logrus.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = GenerateName()
	}

	dir := cfg.SyncRoot
	if dir == "" {
		dir = DefaultSyncRoot(name)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.WithContext(err, "resolve sync root")
	}

	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WithContext(err, "create sync root")
	}

	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.DataPort)))
	if err != nil {
		return nil, errors.WithContext(err, "listen")
	}

	logLines := make(chan string, logBufferSize)
	logger.AddHook(newLineHook(logLines))
	log := logger.WithField("node", name)

	root := afero.NewBasePathFs(fs, dir)
	peers := sync.NewDirectory(name)
	hashes := sync.NewHashTracker()
	suppressor := sync.NewSuppressor(cfg.SuppressionGuard.Duration)

	peerClient := client.New(root, hashes, suppressor, client.Options{
		ConnectTimeout: cfg.ConnectTimeout.Duration,
		ChunkTimeout:   cfg.ChunkTimeout.Duration,
	}, log)

	return &Node{
		name:       name,
		dir:        dir,
		root:       root,
		cfg:        cfg,
		log:        log,
		peers:      peers,
		hashes:     hashes,
		suppressor: suppressor,
		rendezvous: rendezvous.NewClient(cfg.RendezvousAddress(), cfg.ConnectTimeout.Duration),
		client:     peerClient,
		server: server.New(root, hashes, suppressor, peers, peerClient, server.Options{
			MaxConnections: int64(cfg.MaxConnections),
			ChunkTimeout:   cfg.ChunkTimeout.Duration,
		}, log),
		watcher:    fswatch.New(dir, root, hashes, suppressor, log),
		lis:        lis,
		clock:      clockwork.NewRealClock(),
		registered: make(chan struct{}, 1),
		logLines:   logLines,
	}, nil
}

// Run syncs the node until `ctx` is cancelled, or until one of its
// components fails.
func (n *Node) Run(ctx context.Context) error {
	// Files that are already in the sync root are known, but not announced.
	if err := n.hashes.Seed(n.root); err != nil {
		n.lis.Close()
		return errors.WithContext(err, "scan sync root")
	}

	n.log.WithFields(logrus.Fields{
		"root": n.dir,
		"port": n.Port(),
	}).Info("Started peer")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.server.Serve(ctx, n.lis)
	})
	g.Go(func() error {
		return n.watcher.Run(ctx)
	})
	g.Go(func() error {
		n.announceChanges(ctx)
		return nil
	})
	g.Go(func() error {
		n.runHeartbeat(ctx)
		return nil
	})
	g.Go(func() error {
		n.runBootstrap(ctx)
		return nil
	})
	return g.Wait()
}

// announceChanges notifies every known peer of the changes detected by the
// watcher.
func (n *Node) announceChanges(ctx context.Context) {
	var notifications goSync.WaitGroup
	defer notifications.Wait()

	for event := range n.watcher.Events() {
		peers := n.peers.Peers()
		n.log.WithFields(logrus.Fields{
			"file":  event.Name,
			"kind":  event.Kind,
			"peers": len(peers),
		}).Info("Announcing local change")

		if len(peers) == 0 {
			continue
		}

		msg := announcement(n.name, event)
		notifications.Add(1)
		go func() {
			defer notifications.Done()
			if err := n.client.Notify(ctx, peers, msg); err != nil {
				n.log.WithError(err).Debug("Failed to notify some peers")
			}
		}()
	}
}

func announcement(sender string, event fswatch.Event) protocol.Message {
	switch event.Kind {
	case fswatch.Deleted:
		return protocol.NewDeleteRequest(sender, event.Name)
	case fswatch.Renamed:
		return protocol.NewRenameRequest(sender, event.OldName, event.Name)
	default:
		return protocol.NewSyncRequest(sender, event.Name)
	}
}

// Name returns the node's identity.
func (n *Node) Name() string {
	return n.name
}

// Dir returns the absolute path of the sync root.
func (n *Node) Dir() string {
	return n.dir
}

// Port returns the port the node listens for peers on.
func (n *Node) Port() int {
	return n.lis.Addr().(*net.TCPAddr).Port
}

// Peers returns the peers from the most recent successful registration,
// sorted by name.
func (n *Node) Peers() []sync.Peer {
	return n.peers.Peers()
}

// Files returns the names of the syncable files in the sync root.
func (n *Node) Files() ([]string, error) {
	return sync.ListFiles(n.root)
}

// LogLines returns the node's formatted log lines. Lines are dropped rather
// than blocking the node when the reader falls behind.
func (n *Node) LogLines() <-chan string {
	return n.logLines
}
