package rendezvous

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/sync"
)

// Client registers this node with the rendezvous service.
type Client interface {
	// Register records the node's protocol handler address with the
	// service, and returns every registered peer including the node itself.
	Register(ctx context.Context, name, host string, port int) ([]sync.Peer, error)
}

type client struct {
	address string
	timeout time.Duration
}

// NewClient returns a Client for the rendezvous service at `address`.
func NewClient(address string, timeout time.Duration) Client {
	return client{address: address, timeout: timeout}
}

func (c client) Register(ctx context.Context, name, host string, port int) ([]sync.Peer, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, errors.UnreachableError{Address: c.address, Err: err}
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, errors.WithContext(err, "set deadline")
	}

	req := Request{Action: ActionRegister, Name: name, IP: host, Port: port}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, errors.WithContext(err, "send request")
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, errors.WithContext(err, "read response")
	}

	if resp.Status != StatusOK {
		return nil, errors.New("registration rejected: " + resp.Error)
	}
	return toPeers(resp.Peers), nil
}

func toPeers(addrs map[string]Address) []sync.Peer {
	peers := make([]sync.Peer, 0, len(addrs))
	for name, addr := range addrs {
		peers = append(peers, sync.Peer{Name: name, Host: addr.IP, Port: addr.Port})
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Name < peers[j].Name
	})
	return peers
}
