package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"
)

// maxDatagramSize bounds a single announcement on the wire.
const maxDatagramSize = 4096

// Environment describes one locally exposed resource, as announced to the
// network. Receivers tolerate fields they do not know.
type Environment struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Announcement is the discovery wire payload: a zlib-compressed UTF-8 JSON
// object broadcast on the discovery port.
type Announcement struct {
	PeerID       string        `json:"peer_id"`
	Hostname     string        `json:"hostname"`
	IP           string        `json:"ip"`
	Timestamp    time.Time     `json:"timestamp"`
	Version      string        `json:"version"`
	Environments []Environment `json:"environments"`
	Features     []string      `json:"features"`
}

// EncodeAnnouncement serializes and compresses an announcement for
// broadcast.
func EncodeAnnouncement(ann Announcement) ([]byte, error) {
	raw, err := json.Marshal(ann)
	if err != nil {
		return nil, fmt.Errorf("encode announcement: %w", err)
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress announcement: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress announcement: %w", err)
	}

	if buf.Len() > maxDatagramSize {
		return nil, fmt.Errorf(
			"announcement too large: %d bytes", buf.Len(),
		)
	}
	return buf.Bytes(), nil
}

// DecodeAnnouncement decompresses and deserializes a received datagram.
// Unknown JSON fields are ignored so newer peers stay compatible.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return Announcement{}, fmt.Errorf("decompress announcement: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, maxDatagramSize*16))
	if err != nil {
		return Announcement{}, fmt.Errorf("decompress announcement: %w", err)
	}

	var ann Announcement
	if err := json.Unmarshal(raw, &ann); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}
	if ann.PeerID == "" {
		return Announcement{}, fmt.Errorf("decode announcement: missing peer_id")
	}
	return ann, nil
}
