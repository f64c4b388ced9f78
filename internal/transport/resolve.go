package transport

import (
	"fmt"

	"github.com/envmesh/envmesh/internal/discovery"
)

// Destination is where a message goes: this node, or a specific remote
// peer. It is resolved exactly once per call by Service.resolve, so
// local-versus-remote decisions never leak into the send paths.
type Destination struct {
	local bool
	peer  discovery.PeerRecord
}

// IsLocal reports whether the destination is this node.
func (d Destination) IsLocal() bool { return d.local }

// Peer returns the remote peer record. Only meaningful when !IsLocal().
func (d Destination) Peer() discovery.PeerRecord { return d.peer }

// resolve maps a peer identifier to a Destination. The identifier is
// local when it names this node in any of the accepted forms: the
// discovery node id, the hostname, "localhost", or any local interface
// address. Everything else must exist in the discovery registry.
func (s *Service) resolve(peerID string) (Destination, error) {
	if _, ok := s.localIDs[peerID]; ok {
		return Destination{local: true}, nil
	}

	rec, ok := s.resolver.Peer(peerID)
	if !ok {
		return Destination{}, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return Destination{peer: rec}, nil
}

// localIdentitySet builds the set of identifiers that mean "this node".
// Computed once at construction; interface churn after startup is rare
// enough that re-resolution is not worth the cost.
func localIdentitySet(nodeID, hostname string) map[string]struct{} {
	ids := map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
	if nodeID != "" {
		ids[nodeID] = struct{}{}
	}
	if hostname != "" {
		ids[hostname] = struct{}{}
	}

	addrs, err := discovery.LocalAddresses()
	if err == nil {
		for _, a := range addrs {
			ids[a] = struct{}{}
		}
	}
	return ids
}
