// Package protocol defines the message envelope exchanged between envmesh
// nodes, the closed vocabulary of message types, and the helpers for
// building responses and error responses.
//
// The protocol layer is pure data modeling: it performs no I/O. Envelopes
// are serialized as JSON on the wire; the payload travels as an open
// key/value map here and is lifted into typed payload structs by the
// Registry the moment it crosses into business logic.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedMessage is returned when an envelope fails validation:
// required fields are missing or the type is outside the vocabulary.
var ErrMalformedMessage = errors.New("malformed message")

// MessageType identifies what kind of message an envelope carries.
//
// The vocabulary is closed except for the response convention: for every
// request type T, "T_response" is a valid type as well.
type MessageType string

const (
	// TypePing checks whether a node is reachable.
	TypePing MessageType = "ping"
	// TypePong answers a ping.
	TypePong MessageType = "pong"
	// TypeError carries a {status, error} payload in reply to a failed request.
	TypeError MessageType = "error"

	// TypeNodeInfo requests a node's announced information.
	TypeNodeInfo MessageType = "node_info"
	// TypeNodeStatus requests a node's runtime status.
	TypeNodeStatus MessageType = "node_status"
	// TypeEnvironmentList requests the environments a node exposes.
	TypeEnvironmentList MessageType = "environment_list"

	// VM lifecycle verbs, answered by the local runtime collaborator.

	TypeVMList   MessageType = "vm_list"
	TypeVMInfo   MessageType = "vm_info"
	TypeVMCreate MessageType = "vm_create"
	TypeVMStart  MessageType = "vm_start"
	TypeVMStop   MessageType = "vm_stop"
	TypeVMDelete MessageType = "vm_delete"
	TypeVMStatus MessageType = "vm_status"

	// Container lifecycle verbs, mirroring the VM set for nodes that
	// announce the "docker" capability.

	TypeContainerList   MessageType = "container_list"
	TypeContainerInfo   MessageType = "container_info"
	TypeContainerCreate MessageType = "container_create"
	TypeContainerStart  MessageType = "container_start"
	TypeContainerStop   MessageType = "container_stop"
	TypeContainerDelete MessageType = "container_delete"
	TypeContainerStatus MessageType = "container_status"

	// Workspace verbs, answered by the workspace collaborator.

	TypeWorkspaceList   MessageType = "workspace_list"
	TypeWorkspaceInfo   MessageType = "workspace_info"
	TypeWorkspaceCreate MessageType = "workspace_create"
	TypeWorkspaceUpdate MessageType = "workspace_update"
	TypeWorkspaceDelete MessageType = "workspace_delete"

	// File transfer coordination.

	TypeFileTransferRequest  MessageType = "file_transfer_request"
	TypeFileTransferResponse MessageType = "file_transfer_response"
	TypeFileChunk            MessageType = "file_chunk"
	TypeFileTransferStatus   MessageType = "file_transfer_status"
	TypeFileTransferComplete MessageType = "file_transfer_complete"
)

// responseSuffix is appended to a request type to form its response type.
const responseSuffix = "_response"

// knownTypes is the closed vocabulary of request types.
var knownTypes = map[MessageType]struct{}{
	TypePing:                 {},
	TypePong:                 {},
	TypeError:                {},
	TypeNodeInfo:             {},
	TypeNodeStatus:           {},
	TypeEnvironmentList:      {},
	TypeVMList:               {},
	TypeVMInfo:               {},
	TypeVMCreate:             {},
	TypeVMStart:              {},
	TypeVMStop:               {},
	TypeVMDelete:             {},
	TypeVMStatus:             {},
	TypeContainerList:        {},
	TypeContainerInfo:        {},
	TypeContainerCreate:      {},
	TypeContainerStart:       {},
	TypeContainerStop:        {},
	TypeContainerDelete:      {},
	TypeContainerStatus:      {},
	TypeWorkspaceList:        {},
	TypeWorkspaceInfo:        {},
	TypeWorkspaceCreate:      {},
	TypeWorkspaceUpdate:      {},
	TypeWorkspaceDelete:      {},
	TypeFileTransferRequest:  {},
	TypeFileTransferResponse: {},
	TypeFileChunk:            {},
	TypeFileTransferStatus:   {},
	TypeFileTransferComplete: {},
}

// Known reports whether t is in the vocabulary, either directly or as a
// conventional "<type>_response" form.
func (t MessageType) Known() bool {
	if _, ok := knownTypes[t]; ok {
		return true
	}
	base, found := strings.CutSuffix(string(t), responseSuffix)
	if !found {
		return false
	}
	_, ok := knownTypes[MessageType(base)]
	return ok
}

// Response returns the response type for a request type.
func (t MessageType) Response() MessageType {
	return t + responseSuffix
}

// IsResponse reports whether t is a response type.
func (t MessageType) IsResponse() bool {
	return strings.HasSuffix(string(t), responseSuffix)
}

// StatusCode classifies the outcome of a request, following an HTTP-like
// taxonomy so that transport responses and protocol responses agree.
type StatusCode int

const (
	StatusOK       StatusCode = 200
	StatusCreated  StatusCode = 201
	StatusAccepted StatusCode = 202

	StatusBadRequest   StatusCode = 400
	StatusUnauthorized StatusCode = 401
	StatusForbidden    StatusCode = 403
	StatusNotFound     StatusCode = 404
	StatusConflict     StatusCode = 409

	StatusInternalError      StatusCode = 500
	StatusNotImplemented     StatusCode = 501
	StatusServiceUnavailable StatusCode = 503
)

// Envelope is the unit of communication between nodes.
//
// A response carries the originating request's MessageID in CorrelationID;
// a MessageID is never reused by the same sender. Envelopes are constructed
// per call and discarded after handling.
type Envelope struct {
	// Type tags the payload; see MessageType.
	Type MessageType `json:"type"`
	// MessageID uniquely identifies this envelope.
	MessageID string `json:"message_id"`
	// CorrelationID is set on responses to the request's MessageID.
	CorrelationID string `json:"correlation_id,omitempty"`
	// SenderID identifies the originating node.
	SenderID string `json:"sender_id,omitempty"`
	// ReceiverID identifies the destination node.
	ReceiverID string `json:"receiver_id,omitempty"`
	// Timestamp is the envelope's creation time.
	Timestamp time.Time `json:"timestamp"`
	// Data is the type-specific payload.
	Data map[string]any `json:"data"`
}

// New builds an envelope with a fresh message id and timestamp.
func New(
	msgType MessageType,
	data map[string]any,
	senderID, receiverID string,
) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Type:       msgType,
		MessageID:  uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}

// Validate checks the envelope's required fields and type vocabulary.
// Failures wrap ErrMalformedMessage.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if e.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrMalformedMessage)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, e.Type)
	}
	return nil
}

// Marshal serializes the envelope to its JSON wire form.
func Marshal(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes an envelope from its JSON wire form and validates
// it. Undecodable bytes and invalid envelopes wrap ErrMalformedMessage.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// UnmarshalInbound decodes an envelope arriving from the network without
// vocabulary checking: only type and message_id must be present. Requests
// with an off-vocabulary type must reach the dispatch layer, which
// answers them with a not-implemented error envelope; rejecting them at
// parse time would hide the type name from the sender.
func UnmarshalInbound(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if e.MessageID == "" {
		return Envelope{}, fmt.Errorf("%w: missing message_id", ErrMalformedMessage)
	}
	return e, nil
}

// Response builds a reply to this envelope: type "<type>_response",
// correlation id set to this envelope's message id, sender and receiver
// swapped. The status code is injected under "status" into a copy of the
// payload; the caller's map is never written to.
func (e Envelope) Response(
	data map[string]any,
	status StatusCode,
) Envelope {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["status"] = int(status)

	resp := New(e.Type.Response(), payload, e.ReceiverID, e.SenderID)
	resp.CorrelationID = e.MessageID
	return resp
}

// ErrorResponse builds an error reply carrying {status, error}.
func (e Envelope) ErrorResponse(
	message string,
	code StatusCode,
) Envelope {
	data := map[string]any{
		"status": int(code),
		"error":  message,
	}
	resp := New(TypeError, data, e.ReceiverID, e.SenderID)
	resp.CorrelationID = e.MessageID
	return resp
}

// Status extracts the status code from a response payload, defaulting to
// StatusOK when absent. JSON decoding yields float64 for numbers, so both
// numeric forms are accepted.
func (e Envelope) Status() StatusCode {
	switch v := e.Data["status"].(type) {
	case float64:
		return StatusCode(v)
	case int:
		return StatusCode(v)
	default:
		return StatusOK
	}
}

// Match verifies that resp answers req. Responses with a missing or
// foreign correlation id must be discarded by the caller; duplicated
// network packets make this a hard requirement, not a formality.
func Match(req, resp Envelope) error {
	if resp.CorrelationID == "" {
		return fmt.Errorf(
			"%w: response %s has no correlation id",
			ErrMalformedMessage, resp.MessageID,
		)
	}
	if resp.CorrelationID != req.MessageID {
		return fmt.Errorf(
			"%w: correlation id %s does not match request %s",
			ErrMalformedMessage, resp.CorrelationID, req.MessageID,
		)
	}
	return nil
}
