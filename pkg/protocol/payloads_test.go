package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDecode(t *testing.T) {
	r := DefaultRegistry()

	data := map[string]any{
		"name":      "worker-1",
		"image":     "debian-12",
		"cpu_cores": 4,
		"memory":    4096,
		"disk_size": 40,
	}

	v, err := r.Decode(TypeVMCreate, data)
	require.NoError(t, err)

	create, ok := v.(VMCreatePayload)
	require.True(t, ok, "expected VMCreatePayload, got %T", v)
	assert.Equal(t, "worker-1", create.Name)
	assert.Equal(t, "debian-12", create.Image)
	assert.Equal(t, 4, create.CPUCores)
	assert.Equal(t, 4096, create.MemoryMB)
	assert.Equal(t, 40, create.DiskSizeGB)
}

func TestRegistryDecodeContainerPayloads(t *testing.T) {
	r := DefaultRegistry()

	v, err := r.Decode(TypeContainerCreate, map[string]any{
		"name":  "db-1",
		"image": "postgres:16",
	})
	require.NoError(t, err)
	create, ok := v.(ContainerCreatePayload)
	require.True(t, ok, "expected ContainerCreatePayload, got %T", v)
	assert.Equal(t, "db-1", create.Name)
	assert.Equal(t, "postgres:16", create.Image)

	v, err = r.Decode(TypeContainerStop, map[string]any{
		"container_id": "c-7",
		"force":        true,
	})
	require.NoError(t, err)
	action, ok := v.(ContainerActionPayload)
	require.True(t, ok, "expected ContainerActionPayload, got %T", v)
	assert.Equal(t, "c-7", action.ContainerID)
	assert.True(t, action.Force)
}

func TestRegistryHas(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.Has(TypeVMCreate))
	assert.True(t, r.Has(TypeContainerList))
	assert.False(t, r.Has(TypePing))
}

func TestRegistryDecodeUnregisteredType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode(TypeVMCreate, map[string]any{})
	assert.Error(t, err)
}

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	in := FileTransferRequestPayload{
		FileID: "f-1",
		Name:   "image.qcow2",
		Size:   1 << 20,
		Hash:   "abc123",
	}

	m, err := EncodePayload(in)
	require.NoError(t, err)

	out, err := DecodePayload[FileTransferRequestPayload](m)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodePayloadIgnoresUnknownFields(t *testing.T) {
	m := map[string]any{
		"vm_id":        "vm-9",
		"force":        true,
		"future_field": "tolerated",
	}

	v, err := DecodePayload[VMActionPayload](m)
	require.NoError(t, err)
	assert.Equal(t, "vm-9", v.VMID)
	assert.True(t, v.Force)
}

func TestFileChunkPayloadCarriesBinaryData(t *testing.T) {
	in := FileChunkPayload{FileID: "f-2", Index: 3, Data: []byte{0, 1, 2, 255}}

	m, err := EncodePayload(in)
	require.NoError(t, err)

	out, err := DecodePayload[FileChunkPayload](m)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
