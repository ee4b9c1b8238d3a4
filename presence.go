package mcpx

import (
	"slices"
	"sync"
)

// presenceRegistry is the local view of topic membership. Self is tracked apart
// from the other peers and is never part of list.
type presenceRegistry struct {
	mu      sync.RWMutex
	me      Peer
	hasSelf bool
	peers   map[string]Peer
	order   []string
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{peers: make(map[string]Peer)}
}

// applyWelcome replaces the registry state with the snapshot of a welcome.
func (r *presenceRegistry) applyWelcome(self Peer, others []Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.me = clonePeer(self)
	r.hasSelf = true
	r.peers = make(map[string]Peer, len(others))
	r.order = r.order[:0]
	for _, p := range others {
		if p.ID == "" || p.ID == self.ID {
			continue
		}
		if _, ok := r.peers[p.ID]; !ok {
			r.order = append(r.order, p.ID)
		}
		r.peers[p.ID] = clonePeer(p)
	}
}

// applyJoin inserts or overwrites p. Joins for the own id are ignored and reported
// as false.
func (r *presenceRegistry) applyJoin(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" || (r.hasSelf && p.ID == r.me.ID) {
		return false
	}
	if _, ok := r.peers[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.peers[p.ID] = clonePeer(p)
	return true
}

// applyLeave removes id. Removing an absent id is a no-op reported as false.
func (r *presenceRegistry) applyLeave(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	delete(r.peers, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return p, true
}

// list returns a copy of the known peers, self excluded, in insertion order.
func (r *presenceRegistry) list() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		peers = append(peers, clonePeer(r.peers[id]))
	}
	return peers
}

func (r *presenceRegistry) self() (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePeer(r.me), r.hasSelf
}

func clonePeer(p Peer) Peer {
	p.Capabilities = slices.Clone(p.Capabilities)
	return p
}
