package discovery

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	in := Announcement{
		PeerID:    "peer-1",
		Hostname:  "box-a",
		IP:        "192.168.1.10",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Version:   "1.0.0",
		Environments: []Environment{
			{Name: "dev", Runtime: "vm", Status: "running"},
		},
		Features: []string{"vm", "federation"},
	}

	data, err := EncodeAnnouncement(in)
	require.NoError(t, err)

	out, err := DecodeAnnouncement(data)
	require.NoError(t, err)

	assert.Equal(t, in.PeerID, out.PeerID)
	assert.Equal(t, in.Hostname, out.Hostname)
	assert.Equal(t, in.IP, out.IP)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Environments, out.Environments)
	assert.Equal(t, in.Features, out.Features)
}

func TestDecodeAnnouncementToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"peer_id": "peer-2",
		"hostname": "box-b",
		"ip": "10.0.0.2",
		"timestamp": "2026-01-02T03:04:05Z",
		"version": "2.0.0",
		"environments": [],
		"features": [],
		"future_field": {"nested": true}
	}`)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := DecodeAnnouncement(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "peer-2", out.PeerID)
	assert.Equal(t, "box-b", out.Hostname)
}

func TestDecodeAnnouncementRejectsGarbage(t *testing.T) {
	_, err := DecodeAnnouncement([]byte("definitely not zlib"))
	assert.Error(t, err)
}

func TestDecodeAnnouncementRejectsMissingPeerID(t *testing.T) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write([]byte(`{"hostname":"nameless"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = DecodeAnnouncement(buf.Bytes())
	assert.Error(t, err)
}

func TestEncodeAnnouncementIsCompressedJSON(t *testing.T) {
	data, err := EncodeAnnouncement(Announcement{PeerID: "p"})
	require.NoError(t, err)

	// Must not be plain JSON on the wire.
	var probe map[string]any
	assert.Error(t, json.Unmarshal(data, &probe))

	r, err := zlib.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer r.Close()
}
