// Package discovery implements peer discovery for envmesh nodes: a
// broadcaster that periodically announces this node on the network, a
// listener that ingests other nodes' announcements, and the peer registry
// with liveness tracking that the transport layer resolves peers against.
//
// Discovery degrades gracefully by design: malformed datagrams are dropped
// with a warning, send failures back off and retry, and a socket failure
// kills only the affected loop, never the process.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPort is the UDP discovery port.
	DefaultPort = 37777
	// DefaultBroadcastInterval is the time between presence broadcasts.
	DefaultBroadcastInterval = 10 * time.Second
	// DefaultPeerTimeout is how long a silent peer stays active.
	DefaultPeerTimeout = 60 * time.Second

	// readTimeout bounds a single socket read so the listen loop can
	// observe a stop signal promptly.
	readTimeout = 1 * time.Second
	// sendBackoff is the pause after a transient broadcast failure.
	sendBackoff = 1 * time.Second
	// stopGracePeriod bounds how long Stop waits for the loops to exit.
	stopGracePeriod = 3 * time.Second
)

// Slog attribute keys used throughout the discovery package.
const (
	logKeyPeerID   = "peerId"
	logKeyHostname = "hostname"
	logKeyAddress  = "address"
	logKeyPort     = "port"
	logKeyEvent    = "event"
	logKeyError    = "error"
)

// Callback is invoked synchronously, once per peer lifecycle change.
// Panics inside a callback are recovered and logged, never propagated to
// the discovery loops.
type Callback func(event Event, peer PeerRecord)

// Config holds configuration for the discovery Service.
type Config struct {
	// NodeID is this node's stable identifier. Required.
	NodeID string
	// Hostname is announced to peers; defaults to the OS hostname.
	Hostname string
	// Version is the announced protocol/feature version.
	Version string
	// Features is the announced capability list.
	Features []string
	// Port is the UDP discovery port; defaults to DefaultPort.
	Port int
	// BroadcastAddr overrides the announcement destination. Empty means
	// the limited broadcast address on Port.
	BroadcastAddr string
	// BroadcastInterval is the time between broadcasts.
	BroadcastInterval time.Duration
	// PeerTimeout flips silent peers to inactive.
	PeerTimeout time.Duration
	// Logger is the structured logger; nil means slog.Default().
	Logger *slog.Logger
}

// Service discovers peers by periodic broadcast and passive listening.
type Service struct {
	cfg Config
	log *slog.Logger
	reg *registry

	// mu guards the run state and the announced node info.
	mu       sync.Mutex
	nodeInfo Announcement
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	cbMu      sync.RWMutex
	callbacks []Callback
}

// New creates a discovery service. The service does nothing until Start.
func New(cfg Config) (*Service, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("discovery: node id is required")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = Hostname()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.BroadcastInterval == 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		cfg: cfg,
		log: cfg.Logger,
		reg: newRegistry(),
		nodeInfo: Announcement{
			PeerID:       cfg.NodeID,
			Hostname:     cfg.Hostname,
			IP:           LocalIP(),
			Timestamp:    time.Now().UTC(),
			Version:      cfg.Version,
			Environments: []Environment{},
			Features:     cfg.Features,
		},
	}, nil
}

// Start launches the broadcaster and listener loops and returns
// immediately. Calling Start while running is a no-op that reports
// "already running" in the log.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Info("discovery already running", logKeyPort, s.cfg.Port)
		return nil
	}

	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.listenLoop()
	go s.broadcastLoop()

	s.log.Info("discovery started",
		logKeyPeerID, s.cfg.NodeID,
		logKeyPort, s.cfg.Port)
	return nil
}

// Stop signals both loops to exit and joins them with a bounded wait.
// Safe to call when not running and safe to call concurrently with
// in-flight datagram handling.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Info("discovery already stopped")
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		s.log.Warn("discovery loops did not exit within grace period")
	}

	s.log.Info("discovery stopped")
	return nil
}

// RegisterCallback adds a peer lifecycle callback.
func (s *Service) RegisterCallback(cb Callback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Peers triggers a liveness sweep and returns all active peer records.
// Staleness is corrected lazily here, not on a timer of its own.
func (s *Service) Peers() []PeerRecord {
	flipped := s.reg.sweep(time.Now(), s.cfg.PeerTimeout)
	for _, rec := range flipped {
		s.log.Info("peer marked inactive",
			logKeyPeerID, rec.PeerID,
			logKeyHostname, rec.Hostname,
			logKeyAddress, rec.Address)
		s.fireCallbacks(EventRemove, rec)
	}
	return s.reg.active()
}

// Peer returns the record for id, active or not.
func (s *Service) Peer(id string) (PeerRecord, bool) {
	return s.reg.get(id)
}

// NodeID returns this node's identifier.
func (s *Service) NodeID() string {
	return s.cfg.NodeID
}

// NodeInfo returns a snapshot of this node's announced state.
func (s *Service) NodeInfo() Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeInfo
}

// UpdateEnvironments replaces the announced resource list. The next
// broadcast tick carries the new list.
func (s *Service) UpdateEnvironments(envs []Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeInfo.Environments = envs
	s.nodeInfo.Timestamp = time.Now().UTC()
}

// fireCallbacks invokes all registered callbacks while holding no lock.
func (s *Service) fireCallbacks(event Event, rec PeerRecord) {
	s.cbMu.RLock()
	cbs := make([]Callback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.cbMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("peer callback panicked",
						logKeyEvent, string(event),
						logKeyPeerID, rec.PeerID,
						logKeyError, fmt.Sprint(r))
				}
			}()
			cb(event, rec)
		}()
	}
}

// listenLoop binds the discovery port and ingests announcements until
// stopped. A bind failure is fatal to this loop only; the broadcaster
// keeps running in degraded mode.
func (s *Service) listenLoop() {
	defer s.wg.Done()

	conn, err := listenUDP(s.cfg.Port)
	if err != nil {
		s.log.Error("discovery listener failed to bind",
			logKeyPort, s.cfg.Port,
			logKeyError, err.Error())
		return
	}
	defer conn.Close()

	s.log.Info("listening for peer announcements", logKeyPort, s.cfg.Port)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			s.log.Warn("set read deadline failed", logKeyError, err.Error())
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Warn("discovery receive failed", logKeyError, err.Error())
			continue
		}

		s.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram processes one received announcement.
func (s *Service) handleDatagram(data []byte, addr net.Addr) {
	ann, err := DecodeAnnouncement(data)
	if err != nil {
		s.log.Warn("dropping malformed announcement",
			logKeyAddress, addr.String(),
			logKeyError, err.Error())
		return
	}

	// Our own broadcasts come back on the loopback of every interface.
	if ann.PeerID == s.cfg.NodeID {
		return
	}

	// Trust the datagram's source address over the announced one.
	if udp, ok := addr.(*net.UDPAddr); ok {
		ann.IP = udp.IP.String()
	}

	rec, event := s.reg.upsert(ann, time.Now())
	if event == EventNew {
		s.log.Info("discovered new peer",
			logKeyPeerID, rec.PeerID,
			logKeyHostname, rec.Hostname,
			logKeyAddress, rec.Address)
	} else {
		s.log.Debug("updated peer",
			logKeyPeerID, rec.PeerID,
			logKeyAddress, rec.Address)
	}

	s.fireCallbacks(event, rec)
}

// broadcastLoop announces this node's presence until stopped. A socket
// failure is fatal to this loop only.
func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	conn, err := broadcastUDP()
	if err != nil {
		s.log.Error("discovery broadcaster failed to open socket",
			logKeyError, err.Error())
		return
	}
	defer conn.Close()

	dest := s.cfg.BroadcastAddr
	if dest == "" {
		dest = fmt.Sprintf("255.255.255.255:%d", s.cfg.Port)
	}
	destAddr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		s.log.Error("invalid broadcast address",
			logKeyAddress, dest,
			logKeyError, err.Error())
		return
	}

	s.log.Info("broadcasting presence",
		logKeyAddress, dest,
		"interval", s.cfg.BroadcastInterval.String())

	for {
		wait := s.cfg.BroadcastInterval
		if err := s.broadcastOnce(conn, destAddr); err != nil {
			// Transient failures are never fatal; retry after a short
			// backoff instead of a full interval.
			s.log.Warn("broadcast failed", logKeyError, err.Error())
			wait = sendBackoff
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// broadcastOnce refreshes and sends this node's announcement.
func (s *Service) broadcastOnce(conn net.PacketConn, dest *net.UDPAddr) error {
	s.mu.Lock()
	s.nodeInfo.IP = LocalIP()
	s.nodeInfo.Timestamp = time.Now().UTC()
	info := s.nodeInfo
	s.mu.Unlock()

	data, err := EncodeAnnouncement(info)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(data, dest); err != nil {
		return err
	}

	s.log.Debug("announced presence",
		logKeyHostname, info.Hostname,
		logKeyAddress, info.IP)
	return nil
}

// listenUDP binds the discovery port with address and port reuse, so a
// node can share the port with another local process. Linux requires
// SO_REUSEPORT for UDP sockets to actually share a binding;
// SO_REUSEADDR alone only covers the TIME_WAIT case.
func listenUDP(port int) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(
					int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1,
				)
				if sockErr == nil {
					sockErr = unix.SetsockoptInt(
						int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1,
					)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(
		context.Background(), "udp4", fmt.Sprintf(":%d", port),
	)
}

// broadcastUDP opens an ephemeral socket allowed to send to the broadcast
// address.
func broadcastUDP() (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(
					int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1,
				)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(context.Background(), "udp4", ":0")
}
