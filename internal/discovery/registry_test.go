package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAnnouncement(peerID string) Announcement {
	return Announcement{
		PeerID:    peerID,
		Hostname:  "host-" + peerID,
		IP:        "10.0.0.1",
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
	}
}

func TestRegistryUpsertNewThenUpdate(t *testing.T) {
	reg := newRegistry()
	now := time.Now()

	rec, event := reg.upsert(testAnnouncement("p1"), now)
	assert.Equal(t, EventNew, event)
	assert.Equal(t, PeerActive, rec.Status)
	assert.Equal(t, now, rec.LastSeen)

	later := now.Add(time.Second)
	ann := testAnnouncement("p1")
	ann.Hostname = "renamed"
	rec, event = reg.upsert(ann, later)
	assert.Equal(t, EventUpdate, event)
	assert.Equal(t, "renamed", rec.Hostname)
	assert.Equal(t, later, rec.LastSeen)

	// Still a single record.
	assert.Len(t, reg.active(), 1)
}

func TestRegistrySweepFlipsStalePeers(t *testing.T) {
	reg := newRegistry()
	now := time.Now()

	reg.upsert(testAnnouncement("stale"), now.Add(-2*time.Minute))
	reg.upsert(testAnnouncement("fresh"), now)

	flipped := reg.sweep(now, time.Minute)
	require.Len(t, flipped, 1)
	assert.Equal(t, "stale", flipped[0].PeerID)
	assert.Equal(t, PeerInactive, flipped[0].Status)

	active := reg.active()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].PeerID)

	// Inactive records are retained, not purged.
	rec, ok := reg.get("stale")
	require.True(t, ok)
	assert.Equal(t, PeerInactive, rec.Status)

	// A second sweep does not report the same peer again.
	assert.Empty(t, reg.sweep(now, time.Minute))
}

func TestRegistryReannounceReactivates(t *testing.T) {
	reg := newRegistry()
	now := time.Now()

	reg.upsert(testAnnouncement("p1"), now.Add(-2*time.Minute))
	reg.sweep(now, time.Minute)

	rec, event := reg.upsert(testAnnouncement("p1"), now)
	// Re-discovery of an existing record, not a new peer.
	assert.Equal(t, EventUpdate, event)
	assert.Equal(t, PeerActive, rec.Status)
	assert.Len(t, reg.active(), 1)
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	reg := newRegistry()
	reg.upsert(testAnnouncement("p1"), time.Now())

	rec, ok := reg.get("p1")
	require.True(t, ok)
	rec.Hostname = "mutated"

	fresh, _ := reg.get("p1")
	assert.Equal(t, "host-p1", fresh.Hostname)
}
