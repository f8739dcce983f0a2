// Package registry tracks the live connections of every identity and is the
// authoritative source of "is this identity online". It is the only shared
// mutable structure of the realtime core.
package registry

import (
	"hash/fnv"
	"sync"

	"e2ee-chat/internal/dto"

	"github.com/google/uuid"
)

// Conn is one live transport link bound to an identity. Send must be safe
// for concurrent use; a failed Send means only that this connection missed
// the event.
type Conn interface {
	ID() uuid.UUID
	Send(evt dto.Event) error
}

// Transition reports the presence effect of a register/unregister call.
type Transition int

const (
	TransitionNone Transition = iota
	WentOnline
	WentOffline
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]map[uuid.UUID]Conn
}

// Registry maps identity id -> set of open connections. Identities hash to
// independent shards so connect/disconnect for different identities do not
// contend; operations on the same identity serialize on its shard lock,
// which makes the empty<->non-empty transitions exactly-once.
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[uuid.UUID]map[uuid.UUID]Conn)}
	}
	return r
}

func (r *Registry) shardFor(identityID uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(identityID[:])
	return r.shards[h.Sum32()%shardCount]
}

// Register adds conn to identityID's set and reports WentOnline when the
// set transitioned from empty to non-empty.
func (r *Registry) Register(identityID uuid.UUID, conn Conn) Transition {
	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[identityID]
	if !ok {
		set = make(map[uuid.UUID]Conn)
		s.conns[identityID] = set
	}
	set[conn.ID()] = conn
	if !ok {
		return WentOnline
	}
	return TransitionNone
}

// Unregister removes connID from identityID's set and reports WentOffline
// when that emptied the set. Empty sets are removed entirely so repeated
// unregisters can never observe a second emptying.
func (r *Registry) Unregister(identityID, connID uuid.UUID) Transition {
	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[identityID]
	if !ok {
		return TransitionNone
	}
	if _, ok := set[connID]; !ok {
		return TransitionNone
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.conns, identityID)
		return WentOffline
	}
	return TransitionNone
}

// ConnectionsOf returns a snapshot of identityID's open connections. Absent
// identities yield an empty slice, never an error.
func (r *Registry) ConnectionsOf(identityID uuid.UUID) []Conn {
	s := r.shardFor(identityID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.conns[identityID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Online reports whether identityID has at least one open connection.
func (r *Registry) Online(identityID uuid.UUID) bool {
	s := r.shardFor(identityID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[identityID]) > 0
}

// OnlineIdentities snapshots every identity with a non-empty connection
// set. The snapshot is taken shard by shard, not atomically across shards.
func (r *Registry) OnlineIdentities() []uuid.UUID {
	var out []uuid.UUID
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.conns {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}
