package envmesh

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmesh/envmesh/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T, network string) int {
	t.Helper()
	switch network {
	case "udp":
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).Port
	default:
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		return ln.Addr().(*net.TCPAddr).Port
	}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node, err := New(Config{
		DataDir:           t.TempDir(),
		Logger:            testLogger(),
		DiscoveryPort:     freePort(t, "udp"),
		TransportPort:     freePort(t, "tcp"),
		BroadcastInterval: time.Hour,
	})
	require.NoError(t, err)
	return node
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNewPersistsNodeID(t *testing.T) {
	dir := t.TempDir()

	first, err := New(Config{DataDir: dir, Logger: testLogger()})
	require.NoError(t, err)
	require.NotEmpty(t, first.NodeID())

	second, err := New(Config{DataDir: dir, Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, first.NodeID(), second.NodeID(),
		"node identity must survive restarts")
}

func TestNodeLifecycle(t *testing.T) {
	node := newTestNode(t)

	require.NoError(t, node.Start())
	require.NoError(t, node.Start(), "second Start must be a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, node.Stop(ctx))
	require.NoError(t, node.Stop(ctx), "second Stop must be a no-op")

	assert.ErrorIs(t, node.Start(), ErrClosed)
}

func TestNodeLocalPing(t *testing.T) {
	node := newTestNode(t)
	require.NoError(t, node.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = node.Stop(ctx)
	}()

	result := node.SendMessage(context.Background(), node.NodeID(), protocol.TypePing, nil)
	require.NotNil(t, result)
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, node.NodeID(), result["node_id"])
}

func TestNodeMethodsBeforeStart(t *testing.T) {
	node := newTestNode(t)

	assert.Nil(t, node.Peers())
	assert.Nil(t, node.SendMessage(context.Background(), "peer", protocol.TypePing, nil))
	assert.False(t, node.DownloadFile(context.Background(), "peer", "id", "out"))
	assert.ErrorIs(t, node.UpdateEnvironments(nil), ErrNotStarted)
	assert.ErrorIs(t, node.RegisterHandler(protocol.TypeVMList, nil), ErrNotStarted)
}

func TestNodeFeatureToggles(t *testing.T) {
	node := newTestNode(t)

	require.NoError(t, node.Settings().Set("runtime.vm.enabled", true))
	features := node.features()
	assert.Contains(t, features, "messaging")
	assert.Contains(t, features, "file_transfer")
	assert.Contains(t, features, "vm")
	assert.NotContains(t, features, "docker")
}
