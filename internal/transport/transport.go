// Package transport makes discovered peers addressable: it serves the
// node's message and file endpoints and sends messages and files to
// remote peers, resolving peer identifiers through the discovery
// registry.
//
// Outbound failures (unknown peer, timeout, connection errors) surface to
// callers as a nil or false result plus a log entry; callers treat "no
// answer" uniformly. Inbound failures become structured error envelopes.
// The serving process never crashes on a malformed or hostile request.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/envmesh/envmesh/internal/discovery"
	"github.com/envmesh/envmesh/pkg/protocol"
)

const (
	// DefaultPort is the TCP port for the message and file endpoints.
	DefaultPort = 37778
	// DefaultMaxMessageSize bounds inbound bodies and outbound uploads.
	DefaultMaxMessageSize = 10 << 20
	// DefaultRequestTimeout bounds outbound calls without a caller deadline.
	DefaultRequestTimeout = 30 * time.Second

	// downloadChunkSize is the copy buffer for streaming downloads to disk.
	downloadChunkSize = 64 << 10
)

// Slog attribute keys used throughout the transport package.
const (
	logKeyPeerID      = "peerId"
	logKeyMessageType = "messageType"
	logKeyAddress     = "address"
	logKeyFileID      = "fileId"
	logKeyPath        = "path"
	logKeyStatus      = "status"
	logKeyError       = "error"
)

// PeerResolver is the slice of the discovery service the transport needs:
// peer lookup and this node's announced identity.
type PeerResolver interface {
	// Peer returns the record for a peer id, if known.
	Peer(id string) (discovery.PeerRecord, bool)
	// NodeID returns this node's identifier.
	NodeID() string
	// NodeInfo returns this node's announced state.
	NodeInfo() discovery.Announcement
}

// Handler processes one inbound message payload and returns the response
// payload. Returning a *StatusError selects the error response's status
// code; any other error maps to an internal error envelope.
type Handler func(ctx context.Context, data map[string]any) (map[string]any, error)

// Config holds configuration for the transport Service.
type Config struct {
	// Resolver supplies peer records and the local identity. Required.
	Resolver PeerResolver
	// Logger is the structured logger; nil means slog.Default().
	Logger *slog.Logger
	// Port is the listen port; defaults to DefaultPort.
	Port int
	// UseTLS serves and dials HTTPS with the cached self-signed pair.
	UseTLS bool
	// CertDir stores the generated certificate pair. Required with UseTLS.
	CertDir string
	// FileDir stores uploaded files. Required.
	FileDir string
	// Hostname is the certificate subject; defaults to the OS hostname.
	Hostname string
	// MaxMessageSize bounds request bodies; defaults to 10 MiB.
	MaxMessageSize int64
	// RequestTimeout bounds outbound calls; defaults to 30s.
	RequestTimeout time.Duration
}

// Service is the transport layer of an envmesh node.
type Service struct {
	cfg      Config
	log      *slog.Logger
	resolver PeerResolver
	files    *fileStore
	localIDs map[string]struct{}

	handlers *handlerTable
	payloads *protocol.Registry

	srv *httpServer
	cli *httpClient
}

// New creates a transport service. The service does not listen until
// Start.
func New(cfg Config) (*Service, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("transport: resolver is required")
	}
	if cfg.FileDir == "" {
		return nil, fmt.Errorf("transport: file dir is required")
	}
	if cfg.UseTLS && cfg.CertDir == "" {
		return nil, fmt.Errorf("transport: cert dir is required with TLS")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Hostname == "" {
		cfg.Hostname = discovery.Hostname()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	files, err := newFileStore(cfg.FileDir)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		log:      cfg.Logger,
		resolver: cfg.Resolver,
		files:    files,
		localIDs: localIdentitySet(cfg.Resolver.NodeID(), cfg.Hostname),
		handlers: newHandlerTable(),
		payloads: protocol.DefaultRegistry(),
	}
	s.srv = newHTTPServer(s)
	s.cli = newHTTPClient(s)

	s.registerDefaultHandlers()

	return s, nil
}

// Start bootstraps TLS materials when enabled and begins serving the
// message and file endpoints. A certificate bootstrap failure is fatal:
// the service refuses to start rather than fall back to plaintext.
func (s *Service) Start() error {
	return s.srv.start()
}

// Stop tears the listener down and waits for a graceful close.
func (s *Service) Stop(ctx context.Context) error {
	return s.srv.stop(ctx)
}

// RegisterHandler installs a handler for a message type, replacing any
// previous one.
func (s *Service) RegisterHandler(msgType protocol.MessageType, h Handler) {
	s.handlers.set(msgType, h)
	s.log.Debug("registered message handler",
		logKeyMessageType, string(msgType))
}

// registerDefaultHandlers covers the queries every node answers.
func (s *Service) registerDefaultHandlers() {
	s.RegisterHandler(protocol.TypePing, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		return map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"node_id":   s.resolver.NodeID(),
		}, nil
	})

	s.RegisterHandler(protocol.TypeNodeInfo, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		info, err := protocol.EncodePayload(s.resolver.NodeInfo())
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "info": info}, nil
	})

	s.RegisterHandler(protocol.TypeEnvironmentList, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		envs := s.resolver.NodeInfo().Environments
		out := make([]any, 0, len(envs))
		for _, env := range envs {
			m, err := protocol.EncodePayload(env)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return map[string]any{"status": "ok", "environments": out}, nil
	})
}

// dispatch routes an inbound envelope to its handler and builds the
// response envelope. Handler panics and errors are converted to error
// envelopes here; nothing propagates to the server loop.
func (s *Service) dispatch(ctx context.Context, e protocol.Envelope) (resp protocol.Envelope) {
	handler, ok := s.handlers.get(e.Type)
	if !ok {
		s.log.Warn("no handler for message type",
			logKeyMessageType, string(e.Type))
		return e.ErrorResponse(
			fmt.Sprintf("unsupported message type: %s", e.Type),
			protocol.StatusNotImplemented,
		)
	}

	// Typed payloads are decoded at the wire boundary, so handlers never
	// see a request the registered payload struct cannot represent.
	if s.payloads.Has(e.Type) {
		if _, err := s.payloads.Decode(e.Type, e.Data); err != nil {
			s.log.Warn("rejecting invalid payload",
				logKeyMessageType, string(e.Type),
				logKeyError, err.Error())
			return e.ErrorResponse(
				fmt.Sprintf("invalid %s payload: %v", e.Type, err),
				protocol.StatusBadRequest,
			)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked",
				logKeyMessageType, string(e.Type),
				logKeyError, fmt.Sprint(r))
			resp = e.ErrorResponse(
				fmt.Sprintf("internal error handling %s", e.Type),
				protocol.StatusInternalError,
			)
		}
	}()

	result, err := handler(ctx, e.Data)
	if err != nil {
		s.log.Warn("handler failed",
			logKeyMessageType, string(e.Type),
			logKeyError, err.Error())
		if se, ok := err.(*StatusError); ok {
			return e.ErrorResponse(se.Message, se.Code)
		}
		return e.ErrorResponse(err.Error(), protocol.StatusInternalError)
	}

	return e.Response(result, protocol.StatusOK)
}
