package server

import (
	"context"
	"io"
	"net"
	"os"
	goSync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/sync"
	"github.com/sidkik/peersync/pkg/sync/client"
)

// Defaults for Options.
const (
	DefaultMaxConnections = 64
	DefaultChunkTimeout   = 30 * time.Second
)

const chunkSize = 4096

// Bounds of the delay before retrying a failed Accept.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Puller fetches a file from a peer. It's implemented by client.Client.
type Puller interface {
	Pull(ctx context.Context, peer sync.Peer, name string, progress client.ProgressFunc) error
}

// Options configures a Server.
type Options struct {
	// MaxConnections is the number of connections handled at once. Accept
	// blocks while all of them are busy.
	MaxConnections int64

	// ChunkTimeout bounds every read from and write to a connection.
	ChunkTimeout time.Duration
}

// Server handles the requests sent by other peers. Every connection carries
// exactly one request.
type Server struct {
	root       afero.Fs
	hashes     *sync.HashTracker
	suppressor *sync.Suppressor
	peers      *sync.Directory
	puller     Puller
	opts       Options
	log        logrus.FieldLogger

	workers *semaphore.Weighted

	// pulling tracks the files that are being pulled in response to
	// SYNC_REQ. If another request arrives for a file while it's being
	// pulled, the newest sender is recorded and the file is pulled again
	// once the current pull finishes.
	pullLock goSync.Mutex
	pulling  map[string]*sync.Peer
	pulls    goSync.WaitGroup
}

// New creates a Server that serves and modifies the files in `root`.
func New(root afero.Fs, hashes *sync.HashTracker, suppressor *sync.Suppressor,
	peers *sync.Directory, puller Puller, opts Options, log logrus.FieldLogger) *Server {

	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.ChunkTimeout == 0 {
		opts.ChunkTimeout = DefaultChunkTimeout
	}

	return &Server{
		root:       root,
		hashes:     hashes,
		suppressor: suppressor,
		peers:      peers,
		puller:     puller,
		opts:       opts,
		log:        log,
		workers:    semaphore.NewWeighted(opts.MaxConnections),
		pulling:    map[string]*sync.Peer{},
	}
}

// Serve accepts connections on `lis` until `ctx` is cancelled. It closes the
// listener, and waits for in-progress requests before returning. Accept
// errors are logged and retried with backoff.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	var conns goSync.WaitGroup
	var acceptDelay time.Duration
	defer s.pulls.Wait()
	defer conns.Wait()

	for {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return nil
		}

		conn, err := lis.Accept()
		if err != nil {
			s.workers.Release(1)
			if ctx.Err() != nil {
				return nil
			}

			// Errors such as running out of file descriptors go away once
			// other connections finish, so keep serving.
			acceptDelay *= 2
			if acceptDelay == 0 {
				acceptDelay = minAcceptDelay
			}
			if acceptDelay > maxAcceptDelay {
				acceptDelay = maxAcceptDelay
			}
			s.log.WithError(err).WithField("retryIn", acceptDelay).Warn("Failed to accept connection")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptDelay):
			}
			continue
		}
		acceptDelay = 0

		conns.Add(1)
		go func() {
			defer conns.Done()
			defer s.workers.Release(1)
			defer util.LogPanic(s.log.WithField("remote", conn.RemoteAddr().String()))
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.log.WithField("remote", conn.RemoteAddr().String())
	if err := conn.SetReadDeadline(time.Now().Add(s.opts.ChunkTimeout)); err != nil {
		logger.WithError(err).Debug("Failed to set read deadline")
		return
	}

	msg, err := protocol.Read(conn)
	if err != nil {
		logger.WithError(err).Debug("Dropping unreadable request")
		return
	}

	logger = logger.WithField("verb", msg.Verb)
	if err := s.dispatch(ctx, conn, msg); err != nil {
		if _, ok := errors.RootCause(err).(errors.ProtocolError); ok {
			logger.WithError(err).Debug("Dropping malformed request")
		} else {
			logger.WithError(err).Warn("Failed to handle request")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, msg protocol.Message) error {
	switch msg.Verb {
	case protocol.GetFile:
		if err := msg.Expect(protocol.GetFile, 1); err != nil {
			return err
		}
		return s.sendFile(conn, msg.Fields[0])

	case protocol.ListFiles:
		if err := msg.Expect(protocol.ListFiles, 0); err != nil {
			return err
		}
		names, err := sync.ListFiles(s.root)
		if err != nil {
			return err
		}
		return s.send(conn, protocol.NewFileList(names))

	case protocol.SyncReq:
		if err := msg.Expect(protocol.SyncReq, 2); err != nil {
			return err
		}
		return s.handleSyncRequest(ctx, msg.Fields[0], msg.Fields[1])

	case protocol.DeleteReq:
		if err := msg.Expect(protocol.DeleteReq, 2); err != nil {
			return err
		}
		return s.handleDelete(msg.Fields[0], msg.Fields[1])

	case protocol.RenameReq:
		if err := msg.Expect(protocol.RenameReq, 3); err != nil {
			return err
		}
		return s.handleRename(ctx, msg.Fields[0], msg.Fields[1], msg.Fields[2])
	}
	return errors.ProtocolError{Reason: "unknown verb " + msg.Verb}
}

func (s *Server) send(conn net.Conn, msg protocol.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.ChunkTimeout)); err != nil {
		return errors.WithContext(err, "set write deadline")
	}
	return protocol.Write(conn, msg)
}

func (s *Server) sendFile(conn net.Conn, name string) error {
	// Hidden and temporary files are never served, so requests can't reach
	// partially written files.
	if !sync.IsSyncable(name) {
		return s.send(conn, protocol.NewFileNotFound())
	}

	f, err := s.root.Open(sync.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return s.send(conn, protocol.NewFileNotFound())
		}
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.WithContext(err, "stat")
	}
	if !info.Mode().IsRegular() {
		return s.send(conn, protocol.NewFileNotFound())
	}

	digest, err := sync.HashReader(f)
	if err != nil {
		return errors.WithContext(err, "hash")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.WithContext(err, "seek")
	}

	size := info.Size()
	if err := s.send(conn, protocol.NewFileReady(size, digest)); err != nil {
		return errors.WithContext(err, "send header")
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.opts.ChunkTimeout)); err != nil {
		return errors.WithContext(err, "set read deadline")
	}
	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return errors.WithContext(err, "read ack")
	}

	buf := make([]byte, chunkSize)
	var sent int64
	for sent < size {
		want := int64(len(buf))
		if remaining := size - sent; remaining < want {
			want = remaining
		}

		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			return errors.WithContext(err, "read content")
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.opts.ChunkTimeout)); err != nil {
			return errors.WithContext(err, "set write deadline")
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return errors.WithContext(err, "send content")
		}
		sent += int64(n)
	}

	s.log.WithField("file", name).WithField("size", size).Debug("Served file")
	return nil
}

func (s *Server) handleSyncRequest(ctx context.Context, sender, name string) error {
	if !sync.IsSyncable(name) {
		return errors.ProtocolError{Reason: "unsyncable file name " + name}
	}

	peer, ok := s.peers.Get(sender)
	if !ok {
		s.log.WithField("sender", sender).WithField("file", name).
			Debug("Ignoring sync request from unknown peer")
		return nil
	}

	s.schedulePull(ctx, peer, name)
	return nil
}

// schedulePull pulls `name` from `peer` in the background.
func (s *Server) schedulePull(ctx context.Context, peer sync.Peer, name string) {
	s.pullLock.Lock()
	defer s.pullLock.Unlock()

	if _, ok := s.pulling[name]; ok {
		s.pulling[name] = &peer
		return
	}
	s.pulling[name] = nil

	s.pulls.Add(1)
	go func() {
		defer s.pulls.Done()

		for {
			s.pull(ctx, peer, name)

			s.pullLock.Lock()
			next := s.pulling[name]
			if next == nil || ctx.Err() != nil {
				delete(s.pulling, name)
				s.pullLock.Unlock()
				return
			}
			s.pulling[name] = nil
			s.pullLock.Unlock()
			peer = *next
		}
	}()
}

func (s *Server) pull(ctx context.Context, peer sync.Peer, name string) {
	logger := s.log.WithField("file", name).WithField("peer", peer.Name)
	defer util.LogPanic(logger)

	err := s.puller.Pull(ctx, peer, name, func(_ string, fraction float64) {
		logger.WithField("progress", fraction).Debug("Receiving file")
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to sync file")
	}
}

func (s *Server) handleDelete(sender, name string) error {
	if !sync.IsSyncable(name) {
		return errors.ProtocolError{Reason: "unsyncable file name " + name}
	}

	exists, err := sync.Exists(s.root, name)
	if err != nil {
		return err
	}
	if !exists {
		s.hashes.Remove(name)
		return nil
	}

	s.suppressor.Begin(name)
	defer s.suppressor.End(name)

	if err := s.root.Remove(sync.Path(name)); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove")
	}
	s.hashes.Remove(name)

	s.log.WithField("file", name).WithField("peer", sender).Info("Deleted file")
	return nil
}

func (s *Server) handleRename(ctx context.Context, sender, oldName, newName string) error {
	if !sync.IsSyncable(oldName) || !sync.IsSyncable(newName) {
		return errors.ProtocolError{Reason: "unsyncable file name"}
	}

	exists, err := sync.Exists(s.root, oldName)
	if err != nil {
		return err
	}

	// We never had the old file, so fetch the renamed one instead.
	if !exists {
		return s.handleSyncRequest(ctx, sender, newName)
	}

	s.suppressor.Begin(oldName)
	s.suppressor.Begin(newName)
	defer s.suppressor.End(oldName)
	defer s.suppressor.End(newName)

	if err := s.root.Rename(sync.Path(oldName), sync.Path(newName)); err != nil {
		return errors.WithContext(err, "rename")
	}
	s.hashes.Rename(oldName, newName)

	s.log.WithFields(logrus.Fields{
		"from": oldName,
		"to":   newName,
		"peer": sender,
	}).Info("Renamed file")
	return nil
}
