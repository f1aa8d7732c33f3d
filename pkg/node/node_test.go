package node

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/fswatch"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/rendezvous"
	"github.com/sidkik/peersync/pkg/sync"
)

func startRendezvous(t *testing.T) int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := rendezvous.NewServer(logrus.New(), 0, clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx, lis)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().(*net.TCPAddr).Port
}

func startNode(t *testing.T, name string, rendezvousPort int, logger *logrus.Logger) *Node {
	cfg := config.Default()
	cfg.Name = name
	cfg.SyncRoot = t.TempDir()
	cfg.RendezvousPort = rendezvousPort
	cfg.HeartbeatInterval = config.Duration{Duration: 100 * time.Millisecond}

	n, err := New(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return n
}

func readFile(n *Node, name string) (string, bool) {
	contents, err := ioutil.ReadFile(filepath.Join(n.Dir(), name))
	return string(contents), err == nil
}

func TestSync(t *testing.T) {
	rendezvousPort := startRendezvous(t)
	aLogger, _ := logtest.NewNullLogger()
	bLogger, bLogs := logtest.NewNullLogger()
	a := startNode(t, "a", rendezvousPort, aLogger)
	b := startNode(t, "b", rendezvousPort, bLogger)

	assert.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "b", a.Peers()[0].Name)
	assert.Equal(t, "a", b.Peers()[0].Name)

	// Changes made at A show up at B.
	require.NoError(t, ioutil.WriteFile(filepath.Join(a.Dir(), "a.txt"), []byte("hi"), 0644))
	assert.Eventually(t, func() bool {
		contents, ok := readFile(b, "a.txt")
		return ok && contents == "hi"
	}, 5*time.Second, 10*time.Millisecond)

	aDigest, err := sync.HashFile(afero.NewOsFs(), filepath.Join(a.Dir(), "a.txt"))
	require.NoError(t, err)
	bDigest, err := sync.HashFile(afero.NewOsFs(), filepath.Join(b.Dir(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, aDigest, bDigest)

	// The write made by B's transfer isn't announced back.
	time.Sleep(time.Second)
	for _, entry := range bLogs.AllEntries() {
		assert.NotEqual(t, "Announcing local change", entry.Message)
	}

	// Renames and deletes are propagated too.
	require.NoError(t, os.Rename(filepath.Join(a.Dir(), "a.txt"), filepath.Join(a.Dir(), "b.txt")))
	assert.Eventually(t, func() bool {
		_, oldExists := readFile(b, "a.txt")
		contents, newExists := readFile(b, "b.txt")
		return !oldExists && newExists && contents == "hi"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(a.Dir(), "b.txt")))
	assert.Eventually(t, func() bool {
		files, err := b.Files()
		return err == nil && len(files) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncBootstrap(t *testing.T) {
	rendezvousPort := startRendezvous(t)

	dLogger, _ := logtest.NewNullLogger()
	d := startNode(t, "d", rendezvousPort, dLogger)
	require.NoError(t, ioutil.WriteFile(filepath.Join(d.Dir(), "x.txt"), []byte("x"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(d.Dir(), "y.txt"), []byte("y"), 0644))

	// Wait for D to register, so that C bootstraps from it.
	observer := rendezvous.NewClient(net.JoinHostPort("127.0.0.1", strconv.Itoa(rendezvousPort)), time.Second)
	assert.Eventually(t, func() bool {
		peers, err := observer.Register(context.Background(), "observer", "127.0.0.1", 1)
		return err == nil && len(peers) == 2 && peers[0].Name == "d"
	}, 5*time.Second, 10*time.Millisecond)

	cDir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(cDir, "x.txt"), []byte("x"), 0644))

	cfg := config.Default()
	cfg.Name = "c"
	cfg.SyncRoot = cDir
	cfg.RendezvousPort = rendezvousPort
	cfg.HeartbeatInterval = config.Duration{Duration: 100 * time.Millisecond}
	cLogger, _ := logtest.NewNullLogger()
	c, err := New(cfg, cLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	assert.Eventually(t, func() bool {
		files, err := c.Files()
		return err == nil && len(files) == 2
	}, 5*time.Second, 10*time.Millisecond)

	files, err := d.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt", "y.txt"}, files)
}

func TestNew(t *testing.T) {
	fs = afero.NewMemMapFs()
	hostname = func() (string, error) { return "laptop", nil }
	defer func() {
		fs = afero.NewOsFs()
		hostname = os.Hostname
	}()

	logger, _ := logtest.NewNullLogger()
	n, err := New(config.Default(), logger)
	require.NoError(t, err)
	defer n.lis.Close()

	assert.Regexp(t, "^laptop-[0-9a-f]{8}$", n.Name())

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "synced_files_"+n.Name()), n.Dir())

	isDir, err := afero.IsDir(fs, n.Dir())
	require.NoError(t, err)
	assert.True(t, isDir)

	files, err := n.Files()
	require.NoError(t, err)
	assert.Empty(t, files)

	logger.Info("hello")
	assert.Contains(t, <-n.LogLines(), "msg=hello")
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConnections = 0

	logger, _ := logtest.NewNullLogger()
	_, err := New(cfg, logger)
	assert.Error(t, err)
}

func TestAnnouncement(t *testing.T) {
	tests := []struct {
		event  fswatch.Event
		expMsg protocol.Message
	}{
		{
			event:  fswatch.Event{Kind: fswatch.Changed, Name: "a.txt", Digest: "digest"},
			expMsg: protocol.NewSyncRequest("me", "a.txt"),
		},
		{
			event:  fswatch.Event{Kind: fswatch.Deleted, Name: "a.txt"},
			expMsg: protocol.NewDeleteRequest("me", "a.txt"),
		},
		{
			event:  fswatch.Event{Kind: fswatch.Renamed, Name: "b.txt", OldName: "a.txt"},
			expMsg: protocol.NewRenameRequest("me", "a.txt", "b.txt"),
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.expMsg, announcement("me", test.event))
	}
}
