// Command envmeshd runs an envmesh node: it announces itself on the local
// network, tracks peers, and serves the message and file endpoints until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/envmesh/envmesh"
	"github.com/envmesh/envmesh/internal/discovery"
	"github.com/envmesh/envmesh/pkg/logging"
)

const (
	logKeyDataDir       = "dataDir"
	logKeyDiscoveryPort = "discoveryPort"
	logKeyTransportPort = "transportPort"
	logKeySignal        = "signal"
	logKeyError         = "error"
	logKeyNodeID        = "nodeId"
	logKeyPeerID        = "peerId"
	logKeyEvent         = "event"
)

func main() {
	cfg := parseFlags()

	logLevel := slog.LevelInfo
	if cfg.debug {
		logLevel = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, logLevel)

	logger.Info("starting envmesh daemon",
		logKeyDataDir, cfg.dataDir,
		logKeyDiscoveryPort, cfg.discoveryPort,
		logKeyTransportPort, cfg.transportPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// daemonConfig holds the parsed command line configuration.
type daemonConfig struct {
	dataDir           string
	discoveryPort     int
	transportPort     int
	broadcastInterval time.Duration
	peerTimeout       time.Duration
	debug             bool
}

func parseFlags() daemonConfig {
	cfg := daemonConfig{}

	flag.StringVar(&cfg.dataDir, "data", "./data",
		"Path to data directory (settings, certificates, received files)")
	flag.IntVar(&cfg.discoveryPort, "discovery-port", 0,
		"UDP port for peer discovery (0 = configured or default)")
	flag.IntVar(&cfg.transportPort, "transport-port", 0,
		"TCP port for messages and files (0 = configured or default)")
	flag.DurationVar(&cfg.broadcastInterval, "broadcast-interval", 0,
		"Time between discovery announcements (0 = configured or default)")
	flag.DurationVar(&cfg.peerTimeout, "peer-timeout", 0,
		"Silence after which a peer is considered inactive (0 = configured or default)")
	flag.BoolVar(&cfg.debug, "debug", false,
		"Enable debug logging")

	flag.Parse()

	return cfg
}

// run is the main daemon logic, separated for testability.
func run(ctx context.Context, cfg daemonConfig, logger *slog.Logger) error {
	node, err := envmesh.New(envmesh.Config{
		DataDir:           cfg.dataDir,
		Logger:            logger,
		DiscoveryPort:     cfg.discoveryPort,
		TransportPort:     cfg.transportPort,
		BroadcastInterval: cfg.broadcastInterval,
		PeerTimeout:       cfg.peerTimeout,
	})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(
			context.Background(), 10*time.Second,
		)
		defer stopCancel()
		if stopErr := node.Stop(stopCtx); stopErr != nil {
			logger.Warn("error stopping node", logKeyError, stopErr)
		}
	}()

	logger.Info("node running", logKeyNodeID, node.NodeID())

	if err := node.OnPeerEvent(func(event discovery.Event, peer discovery.PeerRecord) {
		logger.Info("peer event",
			logKeyEvent, string(event),
			logKeyPeerID, peer.PeerID,
			"hostname", peer.Hostname,
			"address", peer.Address)
	}); err != nil {
		return fmt.Errorf("register peer callback: %w", err)
	}

	<-ctx.Done()
	return nil
}
