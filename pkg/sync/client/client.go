package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/sync"
)

// Defaults for Options.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultChunkTimeout   = 30 * time.Second
)

const chunkSize = 4096

// ProgressFunc is called after every chunk of a pull with the fraction of the
// file received so far.
type ProgressFunc func(name string, fraction float64)

// Client is the interface for talking to the protocol handlers of other
// peers.
type Client interface {
	// Pull fetches `name` from `peer` into the local sync root.
	Pull(ctx context.Context, peer sync.Peer, name string, progress ProgressFunc) error

	// ListFiles returns the names of the files in the peer's sync root.
	ListFiles(ctx context.Context, peer sync.Peer) ([]string, error)

	// Notify sends `msg` to every peer, and returns the combined errors of
	// the peers that couldn't be reached.
	Notify(ctx context.Context, peers []sync.Peer, msg protocol.Message) error
}

// Options configures a Client.
type Options struct {
	// ConnectTimeout bounds how long to wait for a peer to accept a
	// connection.
	ConnectTimeout time.Duration

	// ChunkTimeout bounds how long to wait for each chunk of file content.
	ChunkTimeout time.Duration
}

type client struct {
	root       afero.Fs
	hashes     *sync.HashTracker
	suppressor *sync.Suppressor
	opts       Options
	log        logrus.FieldLogger

	pulls *nameLocks
}

// New returns a Client that writes pulled files into `root`.
func New(root afero.Fs, hashes *sync.HashTracker, suppressor *sync.Suppressor,
	opts Options, log logrus.FieldLogger) Client {

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ChunkTimeout == 0 {
		opts.ChunkTimeout = DefaultChunkTimeout
	}

	return &client{
		root:       root,
		hashes:     hashes,
		suppressor: suppressor,
		opts:       opts,
		log:        log,
		pulls:      newNameLocks(),
	}
}

func (c *client) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.UnreachableError{Address: address, Err: err}
	}
	return conn, nil
}

func (c *client) send(conn net.Conn, msg protocol.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.ChunkTimeout)); err != nil {
		return errors.WithContext(err, "set write deadline")
	}
	return protocol.Write(conn, msg)
}

func (c *client) receive(conn net.Conn) (protocol.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.ChunkTimeout)); err != nil {
		return protocol.Message{}, errors.WithContext(err, "set read deadline")
	}
	return protocol.Read(conn)
}

// closeOnCancel closes `conn` if `ctx` is cancelled before the returned
// function is called. Closing the connection unblocks any pending read.
func closeOnCancel(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (c *client) Pull(ctx context.Context, peer sync.Peer, name string, progress ProgressFunc) error {
	if !sync.IsSyncable(name) {
		return errors.ProtocolError{Reason: fmt.Sprintf("refusing to pull %q", name)}
	}

	// Pulls of the same file run one at a time, whether they were triggered
	// by a peer's request or by bootstrapping.
	if err := c.pulls.lock(ctx, name); err != nil {
		return errors.WithContext(err, "wait for other pull")
	}
	defer c.pulls.unlock(name)

	conn, err := c.dial(ctx, peer.Address())
	if err != nil {
		return err
	}
	defer conn.Close()
	defer closeOnCancel(ctx, conn)()

	if err := c.send(conn, protocol.NewGetFile(name)); err != nil {
		return errors.WithContext(err, "send request")
	}

	resp, err := c.receive(conn)
	if err != nil {
		return errors.WithContext(err, "read response")
	}

	switch resp.Verb {
	case protocol.FileNotFound:
		return errors.FileNotFound{Path: name}
	case protocol.FileReady:
	default:
		return errors.ProtocolError{Reason: "unexpected response " + resp.Verb}
	}

	size, expDigest, err := protocol.ParseFileReady(resp)
	if err != nil {
		return err
	}

	if _, err := conn.Write([]byte{protocol.Ack}); err != nil {
		return errors.WithContext(err, "send ack")
	}

	// Suppress the filesystem events caused by writing the file, so that the
	// watcher doesn't announce the file back to our peers.
	c.suppressor.Begin(name)
	defer c.suppressor.End(name)

	tmpPath, digest, err := c.receiveFile(conn, name, size, progress)
	if err != nil {
		return err
	}

	if digest != expDigest {
		c.removeTemp(tmpPath)
		return errors.ErrFileChanged
	}

	if err := c.root.Rename(tmpPath, sync.Path(name)); err != nil {
		c.removeTemp(tmpPath)
		return errors.WithContext(err, "move into place")
	}

	c.hashes.Set(name, digest)
	c.log.WithFields(logrus.Fields{
		"file": name,
		"peer": peer.Name,
		"size": size,
	}).Info("Synced file")
	return nil
}

// receiveFile writes `size` bytes from `conn` to a new temporary file for
// `name`, and returns its path and the digest of its contents. The
// temporary file is removed if anything goes wrong.
func (c *client) receiveFile(conn net.Conn, name string, size int64, progress ProgressFunc) (
	tmpPath, digest string, err error) {

	f, err := afero.TempFile(c.root, sync.Path(""), sync.TempPattern(name))
	if err != nil {
		return "", "", errors.WithContext(err, "create")
	}
	path := sync.Path(filepath.Base(f.Name()))
	defer func() {
		if err != nil {
			c.removeTemp(path)
		}
	}()

	if err := c.copyChunks(f, conn, name, size, progress); err != nil {
		f.Close()
		return "", "", err
	}

	if err := f.Close(); err != nil {
		return "", "", errors.WithContext(err, "close")
	}

	digest, err = sync.HashFile(c.root, path)
	if err != nil {
		return "", "", errors.WithContext(err, "hash synced file")
	}
	return path, digest, nil
}

func (c *client) copyChunks(dst io.Writer, conn net.Conn, name string, size int64,
	progress ProgressFunc) error {

	if size == 0 && progress != nil {
		progress(name, 1)
	}

	buf := make([]byte, chunkSize)
	var received int64
	for received < size {
		// Bound every read so that a stalled peer can't hang the pull.
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.ChunkTimeout)); err != nil {
			return errors.WithContext(err, "set read deadline")
		}

		want := int64(len(buf))
		if remaining := size - received; remaining < want {
			want = remaining
		}

		n, readErr := conn.Read(buf[:want])
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return errors.WithContext(err, "write")
			}
			received += int64(n)
			if progress != nil {
				progress(name, float64(received)/float64(size))
			}
		}

		if readErr != nil {
			if readErr == io.EOF && received < size {
				readErr = io.ErrUnexpectedEOF
			}
			if received < size {
				return errors.WithContext(readErr, fmt.Sprintf(
					"read content (%d of %d bytes)", received, size))
			}
		}
	}
	return nil
}

func (c *client) removeTemp(path string) {
	if err := c.root.Remove(path); err != nil {
		c.log.WithError(err).WithField("path", path).Debug("Failed to remove temporary file")
	}
}

func (c *client) ListFiles(ctx context.Context, peer sync.Peer) ([]string, error) {
	conn, err := c.dial(ctx, peer.Address())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer closeOnCancel(ctx, conn)()

	if err := c.send(conn, protocol.NewListFiles()); err != nil {
		return nil, errors.WithContext(err, "send request")
	}

	resp, err := c.receive(conn)
	if err != nil {
		return nil, errors.WithContext(err, "read response")
	}

	if resp.Verb != protocol.FileList {
		return nil, errors.ProtocolError{Reason: "unexpected response " + resp.Verb}
	}

	var names []string
	for _, name := range resp.Fields {
		if !sync.IsSyncable(name) {
			c.log.WithField("file", name).WithField("peer", peer.Name).
				Debug("Ignoring unsyncable file in peer's listing")
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
