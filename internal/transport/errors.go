package transport

import (
	"errors"
	"fmt"

	"github.com/envmesh/envmesh/pkg/protocol"
)

// Failure classes for the transport layer. Outbound failures are logged
// and surface to callers as a nil/false result; inbound failures become
// error envelopes. None of them ever crash the serving process.
var (
	// ErrPeerNotFound means the peer id resolved to nothing in the registry.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrTimeout means no response arrived within the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrTransportFailure covers connection, DNS and TLS handshake errors.
	ErrTransportFailure = errors.New("transport failure")
	// ErrHandlerFailure means a registered handler failed while processing.
	ErrHandlerFailure = errors.New("handler failure")
	// ErrMessageTooLarge means a body exceeded the configured maximum.
	ErrMessageTooLarge = errors.New("message too large")
)

// StatusError lets a handler choose the status code of its error
// response. Handlers returning any other error map to an internal error.
type StatusError struct {
	Code    protocol.StatusCode
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// NewStatusError builds a StatusError.
func NewStatusError(code protocol.StatusCode, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}
