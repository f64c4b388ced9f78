package protocol

import (
	"encoding/json"
	"fmt"
)

// Typed payload structs. The generic envelope carries an open key/value
// map; these are what the map decodes into at the API boundary.

// PongPayload answers a ping.
type PongPayload struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

// NodeInfoPayload carries a node's announced information.
type NodeInfoPayload struct {
	Status string         `json:"status"`
	Info   map[string]any `json:"info"`
}

// EnvironmentListPayload carries the environments a node exposes.
type EnvironmentListPayload struct {
	Status       string           `json:"status"`
	Environments []map[string]any `json:"environments"`
}

// VMListPayload requests the list of virtual machines, optionally filtered.
type VMListPayload struct {
	Filters map[string]any `json:"filters"`
}

// VMCreatePayload requests creation of a virtual machine.
type VMCreatePayload struct {
	Name       string         `json:"name"`
	Image      string         `json:"image"`
	CPUCores   int            `json:"cpu_cores"`
	MemoryMB   int            `json:"memory"`
	DiskSizeGB int            `json:"disk_size"`
	Network    string         `json:"network"`
	Hypervisor string         `json:"hypervisor"`
	Config     map[string]any `json:"config"`
}

// VMActionPayload addresses a single virtual machine for info, start,
// stop, delete and status verbs.
type VMActionPayload struct {
	VMID string `json:"vm_id"`
	// Force applies to stop requests only.
	Force bool `json:"force,omitempty"`
	// DeleteDisk applies to delete requests only.
	DeleteDisk bool `json:"delete_disk,omitempty"`
}

// ContainerListPayload requests the list of containers, optionally
// filtered.
type ContainerListPayload struct {
	Filters map[string]any `json:"filters"`
}

// ContainerCreatePayload requests creation of a container.
type ContainerCreatePayload struct {
	Name    string         `json:"name"`
	Image   string         `json:"image"`
	Command string         `json:"command,omitempty"`
	Ports   map[string]any `json:"ports,omitempty"`
	Volumes map[string]any `json:"volumes,omitempty"`
	Env     map[string]any `json:"environment,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// ContainerActionPayload addresses a single container for info, start,
// stop, delete and status verbs.
type ContainerActionPayload struct {
	ContainerID string `json:"container_id"`
	// Force applies to stop and delete requests only.
	Force bool `json:"force,omitempty"`
	// RemoveVolumes applies to delete requests only.
	RemoveVolumes bool `json:"remove_volumes,omitempty"`
}

// WorkspacePayload addresses a workspace.
type WorkspacePayload struct {
	WorkspaceID string         `json:"workspace_id"`
	Spec        map[string]any `json:"spec,omitempty"`
}

// FileTransferRequestPayload announces an upcoming file transfer.
type FileTransferRequestPayload struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Hash   string `json:"hash"`
}

// FileChunkPayload carries one chunk of a file transfer.
type FileChunkPayload struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
	Data   []byte `json:"data"`
}

// FileTransferStatusPayload reports transfer progress.
type FileTransferStatusPayload struct {
	FileID        string `json:"file_id"`
	ReceivedBytes int64  `json:"received_bytes"`
	TotalBytes    int64  `json:"total_bytes"`
}

// FileTransferCompletePayload finalizes a transfer with the content hash
// the receiver is expected to verify.
type FileTransferCompletePayload struct {
	FileID string `json:"file_id"`
	Hash   string `json:"hash"`
}

// Registry maps message types to typed payload decoders. It is the single
// place where the open key/value map becomes a typed value.
type Registry struct {
	factories map[MessageType]func(map[string]any) (any, error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[MessageType]func(map[string]any) (any, error)),
	}
}

// Register adds a payload type to the registry.
func Register[T any](r *Registry, msgType MessageType) {
	r.factories[msgType] = func(data map[string]any) (any, error) {
		return DecodePayload[T](data)
	}
}

// Has reports whether a payload type is registered for msgType.
func (r *Registry) Has(msgType MessageType) bool {
	_, ok := r.factories[msgType]
	return ok
}

// Decode lifts a payload map into the typed payload registered for
// msgType.
func (r *Registry) Decode(
	msgType MessageType,
	data map[string]any,
) (any, error) {
	factory, ok := r.factories[msgType]
	if !ok {
		return nil, fmt.Errorf(
			"no payload registered for message type %s", msgType,
		)
	}
	return factory(data)
}

// DecodePayload converts a payload map into the given payload type by
// round-tripping through JSON, so wire semantics and in-process semantics
// cannot drift apart.
func DecodePayload[T any](data map[string]any) (T, error) {
	var v T
	raw, err := json.Marshal(data)
	if err != nil {
		return v, fmt.Errorf("encode payload %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload %T: %w", v, err)
	}
	return v, nil
}

// EncodePayload converts a typed payload into the map form an envelope
// carries.
func EncodePayload[T any](v T) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode payload %T: %w", v, err)
	}
	return m, nil
}

// DefaultRegistry returns a registry with all standard payload types
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	Register[PongPayload](r, TypePong)
	Register[NodeInfoPayload](r, TypeNodeInfo.Response())
	Register[EnvironmentListPayload](r, TypeEnvironmentList.Response())

	Register[VMListPayload](r, TypeVMList)
	Register[VMCreatePayload](r, TypeVMCreate)
	Register[VMActionPayload](r, TypeVMInfo)
	Register[VMActionPayload](r, TypeVMStart)
	Register[VMActionPayload](r, TypeVMStop)
	Register[VMActionPayload](r, TypeVMDelete)
	Register[VMActionPayload](r, TypeVMStatus)

	Register[ContainerListPayload](r, TypeContainerList)
	Register[ContainerCreatePayload](r, TypeContainerCreate)
	Register[ContainerActionPayload](r, TypeContainerInfo)
	Register[ContainerActionPayload](r, TypeContainerStart)
	Register[ContainerActionPayload](r, TypeContainerStop)
	Register[ContainerActionPayload](r, TypeContainerDelete)
	Register[ContainerActionPayload](r, TypeContainerStatus)

	Register[WorkspacePayload](r, TypeWorkspaceInfo)
	Register[WorkspacePayload](r, TypeWorkspaceCreate)
	Register[WorkspacePayload](r, TypeWorkspaceUpdate)
	Register[WorkspacePayload](r, TypeWorkspaceDelete)

	Register[FileTransferRequestPayload](r, TypeFileTransferRequest)
	Register[FileChunkPayload](r, TypeFileChunk)
	Register[FileTransferStatusPayload](r, TypeFileTransferStatus)
	Register[FileTransferCompletePayload](r, TypeFileTransferComplete)

	return r
}
