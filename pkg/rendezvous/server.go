package rendezvous

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/errors"
)

// requestTimeout bounds how long a single registration exchange may take.
const requestTimeout = 10 * time.Second

const acceptRetryDelay = 50 * time.Millisecond

type record struct {
	Address
	lastSeen time.Time
}

// Server is the rendezvous service. It maps peer names to the addresses of
// their protocol handlers.
type Server struct {
	// TTL is how long a registration is kept without being refreshed. Zero
	// keeps registrations forever.
	ttl   time.Duration
	clock clockwork.Clock
	log   logrus.FieldLogger

	lock  sync.Mutex
	peers map[string]record
}

// NewServer returns a Server with no registrations.
func NewServer(log logrus.FieldLogger, ttl time.Duration, clock clockwork.Clock) *Server {
	return &Server{
		ttl:   ttl,
		clock: clock,
		log:   log,
		peers: map[string]record{},
	}
}

// Register records that the peer called `name` listens at host:port, and
// returns all registered peers. A registration under an existing name
// replaces the old one.
func (s *Server) Register(name, host string, port int) map[string]Address {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.clock.Now()
	s.peers[name] = record{
		Address:  Address{IP: host, Port: port},
		lastSeen: now,
	}

	peers := map[string]Address{}
	for peerName, r := range s.peers {
		if s.ttl > 0 && now.Sub(r.lastSeen) > s.ttl {
			s.log.WithField("peer", peerName).Info("Dropping peer that stopped heartbeating")
			delete(s.peers, peerName)
			continue
		}
		peers[peerName] = r.Address
	}
	return peers
}

// Serve accepts registrations on `lis` until `ctx` is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	s.log.WithField("address", lis.Addr().String()).Info("Rendezvous service is ready")
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.log.WithError(err).Warn("Temporary accept error")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(acceptRetryDelay):
				}
				continue
			}
			return errors.WithContext(err, "accept")
		}

		go func() {
			defer util.LogPanic(s.log.WithField("remote", conn.RemoteAddr().String()))
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		s.log.WithError(err).Debug("Failed to set deadline")
	}

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).
			Debug("Ignoring malformed request")
		return
	}

	resp, err := s.handle(req, conn.RemoteAddr())
	if err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).
			Warn("Rejected request")
		resp = Response{Status: StatusError, Error: err.Error()}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.WithError(err).Debug("Failed to send response")
	}
}

func (s *Server) handle(req Request, remote net.Addr) (Response, error) {
	if req.Action != ActionRegister {
		return Response{}, errors.New("unsupported action: " + req.Action)
	}
	if req.Name == "" {
		return Response{}, errors.MissingFieldError{Field: "name"}
	}
	if req.Port <= 0 || req.Port > 65535 {
		return Response{}, errors.MissingFieldError{Field: "port"}
	}

	host := req.IP
	if host == "" {
		observed, _, err := net.SplitHostPort(remote.String())
		if err != nil {
			return Response{}, errors.WithContext(err, "parse remote address")
		}
		host = observed
	}

	peers := s.Register(req.Name, host, req.Port)
	s.log.WithFields(logrus.Fields{
		"peer":     req.Name,
		"address":  net.JoinHostPort(host, strconv.Itoa(req.Port)),
		"numPeers": len(peers),
	}).Debug("Registered peer")
	return Response{Status: StatusOK, Peers: peers}, nil
}
