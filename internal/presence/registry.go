// Package presence tracks which users are reachable over a live connection.
package presence

import (
	"sort"
	"sync"
)

// Registry maintains the mapping from live-connection id to user id. It is
// the single source of truth for who is online. Entries exist only in
// memory; a connection's own lifecycle events are the only mutations, so a
// RWMutex around the map is all the coordination needed.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	seq     uint64
}

type entry struct {
	userID string
	seq    uint64 // announce order; higher means more recently announced
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Announce inserts or overwrites the entry for connID. Repeated calls with
// the same arguments are harmless; announcing a different user re-binds the
// connection.
func (r *Registry) Announce(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.entries[connID] = entry{userID: userID, seq: r.seq}
}

// Remove deletes the entry for connID and reports whether one existed.
// Removing an unknown connection is a no-op.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[connID]; !ok {
		return false
	}
	delete(r.entries, connID)
	return true
}

// Connections returns every live connection announced for userID, most
// recently announced first. Delivery fans out to all of them, so a user's
// simultaneous devices each receive the message; index zero is the most
// recent connection.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type conn struct {
		id  string
		seq uint64
	}
	var conns []conn
	for id, e := range r.entries {
		if e.userID == userID {
			conns = append(conns, conn{id: id, seq: e.seq})
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].seq > conns[j].seq })

	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.id)
	}
	return ids
}

// Online returns the distinct user ids with at least one live connection,
// sorted for stable roster payloads.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.entries))
	var users []string
	for _, e := range r.entries {
		if !seen[e.userID] {
			seen[e.userID] = true
			users = append(users, e.userID)
		}
	}
	sort.Strings(users)
	return users
}
