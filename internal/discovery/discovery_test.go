package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// freeUDPPort asks the kernel for an unused UDP port.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func newTestService(t *testing.T, nodeID string, port int) *Service {
	t.Helper()
	s, err := New(Config{
		NodeID:            nodeID,
		Hostname:          "host-" + nodeID,
		Version:           "1.0.0",
		Port:              port,
		BroadcastInterval: 200 * time.Millisecond,
		PeerTimeout:       time.Minute,
		Logger:            testLogger(),
	})
	require.NoError(t, err)
	return s
}

func TestNewRequiresNodeID(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSelfAnnouncementIsFiltered(t *testing.T) {
	s := newTestService(t, "self", freeUDPPort(t))

	ann := testAnnouncement("self")
	data, err := EncodeAnnouncement(ann)
	require.NoError(t, err)

	s.handleDatagram(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})

	assert.Empty(t, s.Peers())
	_, ok := s.Peer("self")
	assert.False(t, ok)
}

func TestHandleDatagramInsertsForeignPeer(t *testing.T) {
	s := newTestService(t, "self", freeUDPPort(t))

	var mu sync.Mutex
	var events []Event
	s.RegisterCallback(func(event Event, peer PeerRecord) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	data, err := EncodeAnnouncement(testAnnouncement("other"))
	require.NoError(t, err)

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 7, 7), Port: 37777}
	s.handleDatagram(data, src)
	s.handleDatagram(data, src)

	peers := s.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "other", peers[0].PeerID)
	// The datagram source address wins over the announced one.
	assert.Equal(t, "192.168.7.7", peers[0].Address)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Event{EventNew, EventUpdate}, events)
}

func TestHandleDatagramDropsMalformed(t *testing.T) {
	s := newTestService(t, "self", freeUDPPort(t))
	s.handleDatagram([]byte("junk"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9)})
	assert.Empty(t, s.Peers())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	s := newTestService(t, "self", freeUDPPort(t))

	s.RegisterCallback(func(event Event, peer PeerRecord) {
		panic("callback exploded")
	})
	called := false
	s.RegisterCallback(func(event Event, peer PeerRecord) {
		called = true
	})

	data, err := EncodeAnnouncement(testAnnouncement("other"))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		s.handleDatagram(data, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2)})
	})
	assert.True(t, called, "later callbacks still run after a panic")
}

func TestPeersSweepFiresRemoveEvent(t *testing.T) {
	s := newTestService(t, "self", freeUDPPort(t))
	s.cfg.PeerTimeout = 50 * time.Millisecond

	var mu sync.Mutex
	var removed []string
	s.RegisterCallback(func(event Event, peer PeerRecord) {
		if event == EventRemove {
			mu.Lock()
			removed = append(removed, peer.PeerID)
			mu.Unlock()
		}
	})

	data, err := EncodeAnnouncement(testAnnouncement("other"))
	require.NoError(t, err)
	s.handleDatagram(data, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3)})
	require.Len(t, s.Peers(), 1)

	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, s.Peers())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"other"}, removed)

	// The record survives as inactive for auditing.
	rec, ok := s.Peer("other")
	require.True(t, ok)
	assert.Equal(t, PeerInactive, rec.Status)
}

func TestStartStopIdempotent(t *testing.T) {
	s := newTestService(t, "self", freeUDPPort(t))

	require.NoError(t, s.Start())
	require.NoError(t, s.Start()) // no-op, reports already running
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop()) // no-op
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestListenUDPSharesPort(t *testing.T) {
	port := freeUDPPort(t)

	first, err := listenUDP(port)
	require.NoError(t, err)
	defer first.Close()

	second, err := listenUDP(port)
	require.NoError(t, err,
		"two local processes must be able to bind the discovery port")
	defer second.Close()
}

func TestUpdateEnvironmentsRefreshesNodeInfo(t *testing.T) {
	s := newTestService(t, "self", freeUDPPort(t))

	before := s.NodeInfo().Timestamp
	time.Sleep(5 * time.Millisecond)
	s.UpdateEnvironments([]Environment{{Name: "dev", Runtime: "vm"}})

	info := s.NodeInfo()
	require.Len(t, info.Environments, 1)
	assert.Equal(t, "dev", info.Environments[0].Name)
	assert.True(t, info.Timestamp.After(before))
}

// TestMutualDiscovery runs two services on loopback, each announcing to
// the other's port, and expects both registries to converge within three
// broadcast cycles.
func TestMutualDiscovery(t *testing.T) {
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)

	a := newTestService(t, "node-a", portA)
	a.cfg.BroadcastAddr = fmt.Sprintf("127.0.0.1:%d", portB)
	b := newTestService(t, "node-b", portB)
	b.cfg.BroadcastAddr = fmt.Sprintf("127.0.0.1:%d", portA)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer func() {
		require.NoError(t, a.Stop())
		require.NoError(t, b.Stop())
	}()

	deadline := time.Now().Add(3 * 200 * time.Millisecond * 2)
	for time.Now().Before(deadline) {
		if len(a.Peers()) == 1 && len(b.Peers()) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	peersA := a.Peers()
	peersB := b.Peers()
	require.Len(t, peersA, 1, "node-a should see exactly one peer")
	require.Len(t, peersB, 1, "node-b should see exactly one peer")
	assert.Equal(t, "host-node-b", peersA[0].Hostname)
	assert.Equal(t, "host-node-a", peersB[0].Hostname)
}
