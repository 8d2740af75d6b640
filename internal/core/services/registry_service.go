package services

import (
	"fmt"
	"hash/fnv"
	"iter"
	"slices"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
)

const registryShards = 32

type registryEntry struct {
	endpoint domain.Endpoint
	conn     ports.Conn
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[domain.EndpointID]*registryEntry
}

// EndpointRegistry tracks connected endpoints. Ids are spread over a fixed
// set of shards so registration, touch and lookup for different endpoints
// never contend on one lock.
type EndpointRegistry struct {
	shards [registryShards]*registryShard
	now    func() time.Time
}

func NewEndpointRegistry() *EndpointRegistry {
	r := &EndpointRegistry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &registryShard{entries: make(map[domain.EndpointID]*registryEntry)}
	}
	return r
}

// SetClock replaces the time source. Intended for tests.
func (r *EndpointRegistry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *EndpointRegistry) shard(id domain.EndpointID) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%registryShards]
}

func (r *EndpointRegistry) Register(id domain.EndpointID, conn ports.Conn) (domain.Endpoint, error) {
	if id == "" {
		return domain.Endpoint{}, fmt.Errorf("endpoint id is required")
	}
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return domain.Endpoint{}, fmt.Errorf("%w: %s", domain.ErrDuplicateEndpoint, id)
	}

	now := r.now()
	ep := domain.Endpoint{
		ID:           id,
		Role:         domain.RoleUnknown,
		ConnectedAt:  now,
		LastActivity: now,
	}
	s.entries[id] = &registryEntry{endpoint: ep, conn: conn}
	return ep, nil
}

// Describe attaches transport metadata to a registered endpoint.
func (r *EndpointRegistry) Describe(id domain.EndpointID, codec, remoteAddr string) error {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists {
		return domain.ErrUnknownEndpoint
	}
	entry.endpoint.Codec = codec
	entry.endpoint.RemoteAddr = remoteAddr
	return nil
}

func (r *EndpointRegistry) SetRole(id domain.EndpointID, role domain.Role) (domain.Endpoint, error) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists {
		return domain.Endpoint{}, domain.ErrUnknownEndpoint
	}
	if !entry.endpoint.Role.CanTransitionTo(role) {
		return entry.endpoint, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidRole, entry.endpoint.Role, role)
	}
	entry.endpoint.Role = role
	entry.endpoint.LastActivity = r.now()
	return entry.endpoint, nil
}

func (r *EndpointRegistry) Touch(id domain.EndpointID) error {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists {
		return domain.ErrUnknownEndpoint
	}
	entry.endpoint.LastActivity = r.now()
	return nil
}

// Remove deletes the endpoint and reports whether it was present.
func (r *EndpointRegistry) Remove(id domain.EndpointID) (domain.Endpoint, bool) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists {
		return domain.Endpoint{}, false
	}
	delete(s.entries, id)
	return entry.endpoint, true
}

func (r *EndpointRegistry) RemoveConn(id domain.EndpointID, conn ports.Conn) (domain.Endpoint, bool) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists || entry.conn != conn {
		return domain.Endpoint{}, false
	}
	delete(s.entries, id)
	return entry.endpoint, true
}

func (r *EndpointRegistry) Lookup(id domain.EndpointID) (domain.Endpoint, error) {
	s := r.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[id]
	if !exists {
		return domain.Endpoint{}, domain.ErrUnknownEndpoint
	}
	return entry.endpoint, nil
}

func (r *EndpointRegistry) Conn(id domain.EndpointID) (ports.Conn, error) {
	s := r.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[id]
	if !exists {
		return nil, domain.ErrUnknownEndpoint
	}
	return entry.conn, nil
}

// ListByRole snapshots the ids holding role at call time. The returned
// sequence can be ranged over any number of times and always yields the
// same snapshot.
func (r *EndpointRegistry) ListByRole(role domain.Role) iter.Seq[domain.EndpointID] {
	var ids []domain.EndpointID
	for _, s := range r.shards {
		s.mu.RLock()
		for id, entry := range s.entries {
			if entry.endpoint.Role == role {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
	}
	slices.Sort(ids)
	return slices.Values(ids)
}

// Snapshot returns a copy of every registered endpoint.
func (r *EndpointRegistry) Snapshot() []domain.Endpoint {
	var out []domain.Endpoint
	for _, s := range r.shards {
		s.mu.RLock()
		for _, entry := range s.entries {
			out = append(out, entry.endpoint)
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b domain.Endpoint) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return out
}

// Stale returns the endpoints whose last activity is older than after.
func (r *EndpointRegistry) Stale(now time.Time, after time.Duration) []domain.EndpointID {
	var ids []domain.EndpointID
	for _, s := range r.shards {
		s.mu.RLock()
		for id, entry := range s.entries {
			if entry.endpoint.IdleFor(now) > after {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
	}
	return ids
}

func (r *EndpointRegistry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
