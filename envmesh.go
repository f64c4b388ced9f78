// Package envmesh wires the discovery and transport services into a single
// peer-to-peer node: nodes find each other by UDP broadcast and exchange
// typed messages and files over TLS.
package envmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/envmesh/envmesh/internal/discovery"
	"github.com/envmesh/envmesh/internal/transport"
	"github.com/envmesh/envmesh/pkg/config"
	"github.com/envmesh/envmesh/pkg/protocol"
)

// Version is the announced protocol/feature version.
const Version = "1.0.0"

var (
	ErrNotStarted = errors.New("envmesh: node not started")
	ErrClosed     = errors.New("envmesh: node closed")
)

// Config configures a Node. Zero values fall back to the persisted
// settings under DataDir/config.yaml, then to the built-in defaults.
type Config struct {
	// DataDir holds config.yaml, the certificate pair, and received
	// files. Required.
	DataDir string
	// NodeID overrides the persisted node identity. Normally left empty;
	// the node generates an id on first run and reuses it afterwards.
	NodeID string
	// Logger is an optional structured logger. If nil, slog.Default() is
	// used.
	Logger *slog.Logger

	// DiscoveryPort is the UDP announcement port.
	DiscoveryPort int
	// TransportPort is the TCP message/file port.
	TransportPort int
	// BroadcastInterval is the time between discovery announcements.
	BroadcastInterval time.Duration
	// PeerTimeout flips silent peers to inactive.
	PeerTimeout time.Duration
}

// Node is one envmesh participant. Construct with New, then Start; all
// messaging methods require a started node.
type Node struct {
	log   *slog.Logger
	cfg   Config
	store *config.Store

	nodeID string

	disc  *discovery.Service
	trans *transport.Service

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New opens the node's settings and resolves its identity. New does not
// bind any ports; call Start for that.
func New(cfg Config) (*Node, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("envmesh: data dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := config.Open(filepath.Join(cfg.DataDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = store.GetString("node.id", "")
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
		if err := store.Set("node.id", nodeID); err != nil {
			return nil, fmt.Errorf("persist node id: %w", err)
		}
	}

	return &Node{
		log:    cfg.Logger,
		cfg:    cfg,
		store:  store,
		nodeID: nodeID,
	}, nil
}

// Start brings up discovery and transport. Safe to call more than once;
// only the first call has effect.
func (n *Node) Start() error {
	if n.closed.Load() {
		return ErrClosed
	}

	var startErr error
	n.startOnce.Do(func() {
		disc, err := discovery.New(discovery.Config{
			NodeID:            n.nodeID,
			Version:           Version,
			Features:          n.features(),
			Port:              n.intSetting(n.cfg.DiscoveryPort, "discovery.port", discovery.DefaultPort),
			BroadcastInterval: n.durationSetting(n.cfg.BroadcastInterval, "discovery.broadcast_interval", discovery.DefaultBroadcastInterval),
			PeerTimeout:       n.durationSetting(n.cfg.PeerTimeout, "discovery.peer_timeout", discovery.DefaultPeerTimeout),
			Logger:            n.log,
		})
		if err != nil {
			startErr = fmt.Errorf("init discovery: %w", err)
			return
		}

		trans, err := transport.New(transport.Config{
			Resolver:       disc,
			Logger:         n.log,
			Port:           n.intSetting(n.cfg.TransportPort, "network.port", transport.DefaultPort),
			UseTLS:         n.store.GetBool("network.use_tls", true),
			CertDir:        filepath.Join(n.cfg.DataDir, "certs"),
			FileDir:        filepath.Join(n.cfg.DataDir, "files"),
			MaxMessageSize: int64(n.intSetting(0, "network.max_message_size", 0)),
			RequestTimeout: n.durationSetting(0, "network.request_timeout", 0),
		})
		if err != nil {
			startErr = fmt.Errorf("init transport: %w", err)
			return
		}

		if err := disc.Start(); err != nil {
			startErr = fmt.Errorf("start discovery: %w", err)
			return
		}
		if err := trans.Start(); err != nil {
			_ = disc.Stop()
			startErr = fmt.Errorf("start transport: %w", err)
			return
		}

		n.disc = disc
		n.trans = trans
		n.started.Store(true)

		n.log.Info("node started", "nodeId", n.nodeID)
	})
	return startErr
}

// Stop shuts both services down, bounded by ctx. Safe to call more than
// once.
func (n *Node) Stop(ctx context.Context) error {
	var stopErr error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		if !n.started.Load() {
			return
		}
		n.started.Store(false)

		if err := n.trans.Stop(ctx); err != nil {
			stopErr = fmt.Errorf("stop transport: %w", err)
		}
		if err := n.disc.Stop(); err != nil && stopErr == nil {
			stopErr = fmt.Errorf("stop discovery: %w", err)
		}

		n.log.Info("node stopped", "nodeId", n.nodeID)
	})
	return stopErr
}

// NodeID returns this node's stable identifier.
func (n *Node) NodeID() string { return n.nodeID }

// Settings exposes the persisted key/value settings store.
func (n *Node) Settings() *config.Store { return n.store }

// Peers returns the currently active peers.
func (n *Node) Peers() []discovery.PeerRecord {
	if !n.started.Load() {
		return nil
	}
	return n.disc.Peers()
}

// Peer returns the record for a peer id, if the peer is active.
func (n *Node) Peer(id string) (discovery.PeerRecord, bool) {
	if !n.started.Load() {
		return discovery.PeerRecord{}, false
	}
	return n.disc.Peer(id)
}

// OnPeerEvent registers a callback for peer lifecycle events. Must be
// called after Start.
func (n *Node) OnPeerEvent(cb discovery.Callback) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	n.disc.RegisterCallback(cb)
	return nil
}

// RegisterHandler installs a handler for an inbound message type. Must be
// called after Start.
func (n *Node) RegisterHandler(msgType protocol.MessageType, h transport.Handler) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	n.trans.RegisterHandler(msgType, h)
	return nil
}

// SendMessage sends a typed message to a peer and returns the response
// payload, or nil when no answer was obtained.
func (n *Node) SendMessage(ctx context.Context, peerID string, msgType protocol.MessageType, data map[string]any) map[string]any {
	if !n.started.Load() {
		n.log.Warn("send on stopped node", "messageType", string(msgType))
		return nil
	}
	return n.trans.SendMessage(ctx, peerID, msgType, data)
}

// UploadFile sends a local file to a peer, or nil when the transfer
// failed.
func (n *Node) UploadFile(ctx context.Context, peerID, path string, metadata map[string]any) *transport.UploadResult {
	if !n.started.Load() {
		n.log.Warn("upload on stopped node", "path", path)
		return nil
	}
	return n.trans.UploadFile(ctx, peerID, path, metadata)
}

// DownloadFile fetches a previously uploaded file from a peer by id.
func (n *Node) DownloadFile(ctx context.Context, peerID, fileID, outputPath string) bool {
	if !n.started.Load() {
		n.log.Warn("download on stopped node", "fileId", fileID)
		return false
	}
	return n.trans.DownloadFile(ctx, peerID, fileID, outputPath)
}

// UpdateEnvironments refreshes the resource list announced to peers.
func (n *Node) UpdateEnvironments(envs []discovery.Environment) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	n.disc.UpdateEnvironments(envs)
	return nil
}

// features derives the announced capability list from the persisted
// runtime toggles. Messaging and file transfer are always on.
func (n *Node) features() []string {
	features := []string{"messaging", "file_transfer"}
	if n.store.GetBool("runtime.vm.enabled", false) {
		features = append(features, "vm")
	}
	if n.store.GetBool("runtime.docker.enabled", false) {
		features = append(features, "docker")
	}
	return features
}

// intSetting resolves explicit > persisted > default.
func (n *Node) intSetting(explicit int, key string, def int) int {
	if explicit != 0 {
		return explicit
	}
	return n.store.GetInt(key, def)
}

func (n *Node) durationSetting(explicit time.Duration, key string, def time.Duration) time.Duration {
	if explicit != 0 {
		return explicit
	}
	return n.store.GetDuration(key, def)
}
