package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/sync"
)

func newTestClient() (*client, afero.Fs) {
	root := afero.NewMemMapFs()
	c := New(root, sync.NewHashTracker(), sync.NewSuppressor(0), Options{
		ConnectTimeout: time.Second,
		ChunkTimeout:   time.Second,
	}, logrus.New())
	return c.(*client), root
}

// fakePeer runs `handle` on every connection to the returned peer.
func fakePeer(t *testing.T, name string, handle func(net.Conn)) sync.Peer {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()

	return sync.Peer{Name: name, Host: "127.0.0.1", Port: lis.Addr().(*net.TCPAddr).Port}
}

func closedPeer(t *testing.T) sync.Peer {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return sync.Peer{Name: "gone", Host: "127.0.0.1", Port: port}
}

func serveFile(content []byte, digest string) func(net.Conn) {
	return func(conn net.Conn) {
		msg, err := protocol.Read(conn)
		if err != nil || msg.Verb != protocol.GetFile {
			return
		}

		if err := protocol.Write(conn, protocol.NewFileReady(int64(len(content)), digest)); err != nil {
			return
		}

		var ack [1]byte
		if _, err := io.ReadFull(conn, ack[:]); err != nil {
			return
		}
		_, _ = conn.Write(content)
	}
}

func TestPull(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	peer := fakePeer(t, "peer", serveFile(content, sync.HashBytes(content)))
	c, root := newTestClient()

	var progress []float64
	err := c.Pull(context.Background(), peer, "a.txt", func(name string, fraction float64) {
		assert.Equal(t, "a.txt", name)
		assert.True(t, c.suppressor.Suppressed("a.txt"))
		assert.False(t, c.suppressor.Suppressed("b.txt"))
		progress = append(progress, fraction)
	})
	require.NoError(t, err)

	actual, err := afero.ReadFile(root, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, content, actual)

	digest, ok := c.hashes.Get("a.txt")
	assert.True(t, ok)
	assert.Equal(t, sync.HashBytes(content), digest)

	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.True(t, progress[i] > progress[i-1])
	}

	assertFiles(t, root, "a.txt")
	assert.False(t, c.suppressor.Suppressed("a.txt"))
}

// assertFiles checks that `root` contains exactly `names`. Leftover temporary
// files would show up as extra names.
func assertFiles(t *testing.T, root afero.Fs, names ...string) {
	infos, err := afero.ReadDir(root, "/")
	require.NoError(t, err)

	actual := []string{}
	for _, info := range infos {
		actual = append(actual, info.Name())
	}
	assert.ElementsMatch(t, names, actual)
}

func TestPullConcurrent(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	digest := sync.HashBytes(content)

	var active, maxActive int32
	peer := fakePeer(t, "peer", func(conn net.Conn) {
		msg, err := protocol.Read(conn)
		if err != nil || msg.Verb != protocol.GetFile {
			return
		}

		n := atomic.AddInt32(&active, 1)
		for {
			max := atomic.LoadInt32(&maxActive)
			if n <= max || atomic.CompareAndSwapInt32(&maxActive, max, n) {
				break
			}
		}

		if err := protocol.Write(conn, protocol.NewFileReady(int64(len(content)), digest)); err != nil {
			return
		}
		var ack [1]byte
		if _, err := io.ReadFull(conn, ack[:]); err != nil {
			return
		}

		// Write slowly so that the two pulls would overlap if they could.
		half := len(content) / 2
		_, _ = conn.Write(content[:half])
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		_, _ = conn.Write(content[half:])
	})

	dir := t.TempDir()
	root := afero.NewBasePathFs(afero.NewOsFs(), dir)
	c := New(root, sync.NewHashTracker(), sync.NewSuppressor(0), Options{
		ConnectTimeout: time.Second,
		ChunkTimeout:   time.Second,
	}, logrus.New())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Pull(context.Background(), peer, "a.txt", nil) }()
	}
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errs)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))

	actual, err := afero.ReadFile(root, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, content, actual)
	assertFiles(t, root, "a.txt")
}

func TestPullWaitCancelled(t *testing.T) {
	c, _ := newTestClient()
	require.NoError(t, c.pulls.lock(context.Background(), "a.txt"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Pull(ctx, closedPeer(t), "a.txt", nil)
	assert.Equal(t, context.DeadlineExceeded, errors.RootCause(err))

	// Other files aren't blocked.
	err = c.Pull(context.Background(), closedPeer(t), "b.txt", nil)
	_, ok := err.(errors.UnreachableError)
	assert.True(t, ok, "expected UnreachableError, got %v", err)

	c.pulls.unlock("a.txt")
	err = c.Pull(context.Background(), closedPeer(t), "a.txt", nil)
	_, ok = err.(errors.UnreachableError)
	assert.True(t, ok, "expected UnreachableError, got %v", err)
}

func TestPullOverwrites(t *testing.T) {
	content := []byte("new")
	peer := fakePeer(t, "peer", serveFile(content, sync.HashBytes(content)))
	c, root := newTestClient()
	require.NoError(t, afero.WriteFile(root, "/a.txt", []byte("old contents"), 0644))

	require.NoError(t, c.Pull(context.Background(), peer, "a.txt", nil))

	actual, err := afero.ReadFile(root, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, content, actual)
}

func TestPullEmptyFile(t *testing.T) {
	peer := fakePeer(t, "peer", serveFile(nil, sync.HashBytes(nil)))
	c, root := newTestClient()

	var progress []float64
	err := c.Pull(context.Background(), peer, "empty.txt", func(_ string, fraction float64) {
		progress = append(progress, fraction)
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, progress)

	actual, err := afero.ReadFile(root, "/empty.txt")
	require.NoError(t, err)
	assert.Empty(t, actual)
}

func TestPullNotFound(t *testing.T) {
	peer := fakePeer(t, "peer", func(conn net.Conn) {
		if _, err := protocol.Read(conn); err != nil {
			return
		}
		_ = protocol.Write(conn, protocol.NewFileNotFound())
	})
	c, root := newTestClient()

	err := c.Pull(context.Background(), peer, "a.txt", nil)
	assert.Equal(t, errors.FileNotFound{Path: "a.txt"}, err)

	exists, err := afero.Exists(root, "/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, c.suppressor.Suppressed("a.txt"))
}

func TestPullDigestMismatch(t *testing.T) {
	peer := fakePeer(t, "peer", serveFile([]byte("changed"), sync.HashBytes([]byte("original"))))
	c, root := newTestClient()

	err := c.Pull(context.Background(), peer, "a.txt", nil)
	assert.Equal(t, errors.ErrFileChanged, err)

	files, err := afero.ReadDir(root, "/")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, ok := c.hashes.Get("a.txt")
	assert.False(t, ok)
}

func TestPullStalledPeer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	peer := fakePeer(t, "peer", func(conn net.Conn) {
		if _, err := protocol.Read(conn); err != nil {
			return
		}
		_ = protocol.Write(conn, protocol.NewFileReady(100, "digest"))

		var ack [1]byte
		if _, err := io.ReadFull(conn, ack[:]); err != nil {
			return
		}
		_, _ = conn.Write([]byte("only some"))
		<-release
	})
	c, root := newTestClient()
	c.opts.ChunkTimeout = 100 * time.Millisecond

	err := c.Pull(context.Background(), peer, "a.txt", nil)
	assert.Error(t, err)

	files, err := afero.ReadDir(root, "/")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.False(t, c.suppressor.Suppressed("a.txt"))
}

func TestPullTruncated(t *testing.T) {
	peer := fakePeer(t, "peer", func(conn net.Conn) {
		if _, err := protocol.Read(conn); err != nil {
			return
		}
		_ = protocol.Write(conn, protocol.NewFileReady(100, "digest"))

		var ack [1]byte
		if _, err := io.ReadFull(conn, ack[:]); err != nil {
			return
		}
		_, _ = conn.Write([]byte("short"))
	})
	c, root := newTestClient()

	err := c.Pull(context.Background(), peer, "a.txt", nil)
	assert.Equal(t, io.ErrUnexpectedEOF, errors.RootCause(err))

	assertFiles(t, root)
}

func TestPullUnreachable(t *testing.T) {
	c, _ := newTestClient()
	err := c.Pull(context.Background(), closedPeer(t), "a.txt", nil)
	_, ok := err.(errors.UnreachableError)
	assert.True(t, ok, "expected UnreachableError, got %v", err)
}

func TestPullRejectsUnsafeName(t *testing.T) {
	c, _ := newTestClient()
	for _, name := range []string{"../escape", "dir/file", ".hidden"} {
		err := c.Pull(context.Background(), closedPeer(t), name, nil)
		_, ok := err.(errors.ProtocolError)
		assert.True(t, ok, "%s: expected ProtocolError, got %v", name, err)
	}
}

func TestListFiles(t *testing.T) {
	peer := fakePeer(t, "peer", func(conn net.Conn) {
		msg, err := protocol.Read(conn)
		if err != nil || msg.Verb != protocol.ListFiles {
			return
		}
		_ = protocol.Write(conn, protocol.NewFileList([]string{"a.txt", ".hidden", "../b.txt", "c:d.txt"}))
	})
	c, _ := newTestClient()

	names, err := c.ListFiles(context.Background(), peer)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "c:d.txt"}, names)
}

func TestListFilesUnexpectedResponse(t *testing.T) {
	peer := fakePeer(t, "peer", func(conn net.Conn) {
		if _, err := protocol.Read(conn); err != nil {
			return
		}
		_ = protocol.Write(conn, protocol.NewFileNotFound())
	})
	c, _ := newTestClient()

	_, err := c.ListFiles(context.Background(), peer)
	_, ok := err.(errors.ProtocolError)
	assert.True(t, ok, "expected ProtocolError, got %v", err)
}

func TestNotify(t *testing.T) {
	received := make(chan protocol.Message, 2)
	record := func(conn net.Conn) {
		msg, err := protocol.Read(conn)
		if err == nil {
			received <- msg
		}
	}

	peers := []sync.Peer{
		fakePeer(t, "a", record),
		fakePeer(t, "b", record),
		closedPeer(t),
	}

	c, _ := newTestClient()
	msg := protocol.NewSyncRequest("me", "a.txt")
	err := c.Notify(context.Background(), peers, msg)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok, "expected a multierror, got %v", err)
	assert.Len(t, merr.Errors, 1)

	for i := 0; i < 2; i++ {
		select {
		case actual := <-received:
			assert.Equal(t, msg, actual)
		case <-time.After(5 * time.Second):
			t.Fatal("notification wasn't delivered")
		}
	}
}

func TestNotifyNoPeers(t *testing.T) {
	c, _ := newTestClient()
	assert.NoError(t, c.Notify(context.Background(), nil, protocol.NewListFiles()))
}
