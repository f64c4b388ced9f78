package discovery

import (
	"sync"
	"time"
)

// PeerStatus is the lifecycle state of a peer record.
type PeerStatus string

const (
	// PeerActive means the peer announced itself within the timeout.
	PeerActive PeerStatus = "active"
	// PeerInactive means the peer's last announcement is older than the
	// timeout. Inactive records are kept for auditing, never purged.
	PeerInactive PeerStatus = "inactive"
)

// Event tags a peer lifecycle change reported to callbacks.
type Event string

const (
	// EventNew fires on the first announcement from an unseen peer id.
	EventNew Event = "new"
	// EventUpdate fires on every later announcement from a known peer.
	EventUpdate Event = "update"
	// EventRemove fires when a peer is marked inactive by the sweep.
	EventRemove Event = "remove"
)

// PeerRecord is one entry in the peer registry.
type PeerRecord struct {
	PeerID       string        `json:"peer_id"`
	Hostname     string        `json:"hostname"`
	Address      string        `json:"ip"`
	Version      string        `json:"version"`
	Features     []string      `json:"features"`
	Environments []Environment `json:"environments"`
	// Announced is the timestamp the peer put into its announcement.
	Announced time.Time `json:"timestamp"`
	// LastSeen is when this node last received an announcement.
	LastSeen time.Time  `json:"last_seen"`
	Status   PeerStatus `json:"status"`
}

// registry is the mutex-guarded peer map owned by the discovery service.
// All reads and writes go through its methods; snapshots are returned by
// value so callers never share the underlying records.
type registry struct {
	mu    sync.Mutex
	peers map[string]*PeerRecord
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*PeerRecord)}
}

// upsert inserts or refreshes the record for ann and stamps it active.
// The returned event is EventNew for an unseen peer id, EventUpdate
// otherwise; an inactive peer re-announcing flips back to active as a
// re-discovery of the same record.
func (r *registry) upsert(ann Announcement, now time.Time) (PeerRecord, Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[ann.PeerID]
	event := EventUpdate
	if !exists {
		rec = &PeerRecord{PeerID: ann.PeerID}
		r.peers[ann.PeerID] = rec
		event = EventNew
	}

	rec.Hostname = ann.Hostname
	rec.Address = ann.IP
	rec.Version = ann.Version
	rec.Features = ann.Features
	rec.Environments = ann.Environments
	rec.Announced = ann.Timestamp
	rec.LastSeen = now
	rec.Status = PeerActive

	return *rec, event
}

// sweep flips active records older than timeout to inactive and returns
// the records that changed.
func (r *registry) sweep(now time.Time, timeout time.Duration) []PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var flipped []PeerRecord
	for _, rec := range r.peers {
		if rec.Status != PeerActive {
			continue
		}
		if now.Sub(rec.LastSeen) > timeout {
			rec.Status = PeerInactive
			flipped = append(flipped, *rec)
		}
	}
	return flipped
}

// active returns snapshots of all records currently marked active.
func (r *registry) active() []PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		if rec.Status == PeerActive {
			out = append(out, *rec)
		}
	}
	return out
}

// get returns a snapshot of the record for id, if any.
func (r *registry) get(id string) (PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}
