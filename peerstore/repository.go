package peerstore

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/bsv-infra/p2pcore/errs"
)

// Repository is the abstract capability §9 describes: CRUD plus
// status/endpoint queries. The shipped implementation (Store) is
// memory-backed with an optional JSON snapshot file; a future key-value
// backed implementation can satisfy the same interface without touching
// the supervisor.
type Repository interface {
	Create(p Peer) (Peer, error)
	Read(id uuid.UUID) (Peer, error)
	Update(p Peer) error
	Delete(id uuid.UUID) error
	ListAll() []Peer
	FindByStatus(s Status) []Peer
	FindByEndpoint(e Endpoint) (Peer, bool)
	CountByStatus(s Status) int

	// Save persists a crash-atomic snapshot to the configured file. A
	// Store with no file configured treats Save as a no-op.
	Save() error
}

// Store is the memory-backed Repository implementation (§4.1, §5): a
// single mutex guards both indices and the status-bucketed count cache, so
// every exported method is a short critical section.
type Store struct {
	clock clock.Clock

	mtx sync.Mutex

	byID       map[uuid.UUID]Peer
	byEndpoint map[string]uuid.UUID
	counts     map[Status]int

	path string
}

// NewStore creates an empty, memory-only repository using the real wall
// clock. Use NewStoreWithClock to inject a fake clock in tests.
func NewStore(path string) *Store {
	return NewStoreWithClock(path, clock.NewDefaultClock())
}

// NewStoreWithClock is NewStore with an injectable clock, so
// status_timestamp can be asserted deterministically in tests (§8).
func NewStoreWithClock(path string, c clock.Clock) *Store {
	return &Store{
		clock:      c,
		byID:       make(map[uuid.UUID]Peer),
		byEndpoint: make(map[string]uuid.UUID),
		counts:     make(map[Status]int),
		path:       path,
	}
}

// Create inserts a new peer record with status Unknown, fresh UUID
// identity, and status_timestamp set to now. It fails with ErrDuplicatePeer
// if the endpoint is already present.
func (s *Store) Create(p Peer) (Peer, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := p.Endpoint.Key()
	if _, exists := s.byEndpoint[key]; exists {
		return Peer{}, fmt.Errorf("%w: endpoint %s already present", errs.ErrDuplicatePeer, p.Endpoint)
	}

	p.ID = uuid.New()
	p.Status = StatusUnknown
	p.StatusTimestamp = s.clock.Now()

	s.byID[p.ID] = p
	s.byEndpoint[key] = p.ID
	s.counts[p.Status]++

	return p.Clone(), nil
}

// Read returns the peer with the given id, or ErrPeerNotFound.
func (s *Store) Read(id uuid.UUID) (Peer, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return Peer{}, fmt.Errorf("%w: id %s", errs.ErrPeerNotFound, id)
	}
	return p.Clone(), nil
}

// Update replaces the stored record for p.ID. It fails with
// ErrPeerNotFound if the id is absent, and with ErrDuplicatePeer if the
// endpoint changed and collides with a different peer (§4.1).
//
// Update is also where status_timestamp advances: callers are expected to
// have already set p.Status/p.StatusTimestamp to the new values, but this
// method defensively re-stamps the timestamp with the repository clock
// whenever the status actually changes, so "every peer status change
// strictly advances status_timestamp" (§8) holds even if a caller forgets.
func (s *Store) Update(p Peer) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	existing, ok := s.byID[p.ID]
	if !ok {
		return fmt.Errorf("%w: id %s", errs.ErrPeerNotFound, p.ID)
	}

	newKey := p.Endpoint.Key()
	oldKey := existing.Endpoint.Key()
	if newKey != oldKey {
		if ownerID, exists := s.byEndpoint[newKey]; exists && ownerID != p.ID {
			return fmt.Errorf("%w: endpoint %s already present", errs.ErrDuplicatePeer, p.Endpoint)
		}
	}

	if p.Status != existing.Status {
		now := s.clock.Now()
		if !now.After(existing.StatusTimestamp) {
			now = existing.StatusTimestamp.Add(1)
		}
		p.StatusTimestamp = now

		s.counts[existing.Status]--
		s.counts[p.Status]++
	}

	if newKey != oldKey {
		delete(s.byEndpoint, oldKey)
		s.byEndpoint[newKey] = p.ID
	}

	s.byID[p.ID] = p
	return nil
}

// Delete removes the peer with the given id. Absent ids are reported as
// ErrPeerNotFound (pinned per §9's recommended, non-idempotent choice).
func (s *Store) Delete(id uuid.UUID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", errs.ErrPeerNotFound, id)
	}

	delete(s.byID, id)
	delete(s.byEndpoint, p.Endpoint.Key())
	s.counts[p.Status]--
	return nil
}

// ListAll returns every peer currently stored, in no particular order.
func (s *Store) ListAll() []Peer {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]Peer, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p.Clone())
	}
	return out
}

// FindByStatus returns every peer currently in status s.
func (s *Store) FindByStatus(status Status) []Peer {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]Peer, 0, s.counts[status])
	for _, p := range s.byID {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	return out
}

// FindByEndpoint looks a peer up by (ip, port).
func (s *Store) FindByEndpoint(e Endpoint) (Peer, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	id, ok := s.byEndpoint[e.Key()]
	if !ok {
		return Peer{}, false
	}
	return s.byID[id].Clone(), true
}

// CountByStatus is the O(1) cardinality of peers presently in status s,
// maintained incrementally by Create/Update/Delete (§3 invariant).
func (s *Store) CountByStatus(status Status) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.counts[status]
}
