package sync

import (
	"net"
	"sort"
	"strconv"
	"sync"
)

// Peer is another node that's syncing the same folder.
type Peer struct {
	// Name is the peer's identity. It's unique among the registered peers.
	Name string

	// Host and Port are where the peer's sync protocol handler listens.
	Host string
	Port int
}

// Address returns the host:port of the peer's protocol handler.
func (p Peer) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Directory is the set of peers known to this node. It never contains the
// node itself.
type Directory struct {
	self string

	lock  sync.Mutex
	peers map[string]Peer
}

// NewDirectory returns an empty Directory for the node called `self`.
func NewDirectory(self string) *Directory {
	return &Directory{self: self, peers: map[string]Peer{}}
}

// Replace discards the known peers, and replaces them with `peers`.
func (d *Directory) Replace(peers []Peer) {
	updated := map[string]Peer{}
	for _, p := range peers {
		if p.Name == d.self {
			continue
		}
		updated[p.Name] = p
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	d.peers = updated
}

// Get returns the peer called `name`.
func (d *Directory) Get(name string) (Peer, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	p, ok := d.peers[name]
	return p, ok
}

// Peers returns the known peers sorted by name.
func (d *Directory) Peers() []Peer {
	d.lock.Lock()
	peers := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.lock.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Name < peers[j].Name
	})
	return peers
}
