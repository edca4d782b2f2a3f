package storage

import (
	"sync"

	"github.com/jbweber/poold/internal/pooldef"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

// PoolStore holds the live pools. Its lock is only held while its own maps
// are touched; pools are handed out locked.
//
// The store lock is a leaf: it may be taken while holding a pool lock
// (update, remove), so no code may wait for a pool lock while holding it.
// Lookups release it before locking the pool they found.
type PoolStore struct {
	mu     sync.RWMutex
	pools  []*Pool
	byName map[string]*Pool
	byUUID map[string]*Pool
	// idents mirrors each pool's definition for duplicate checks, so the
	// store never needs a pool lock to compare sources.
	idents map[*Pool]*pooldef.PoolDef
}

// NewPoolStore returns an empty store.
func NewPoolStore() *PoolStore {
	return &PoolStore{
		byName: make(map[string]*Pool),
		byUUID: make(map[string]*Pool),
		idents: make(map[*Pool]*pooldef.PoolDef),
	}
}

// FindByName returns the named pool locked, or nil.
func (s *PoolStore) FindByName(name string) *Pool {
	return s.find(func() *Pool { return s.byName[name] })
}

// FindByUUID returns the pool with uuid locked, or nil.
func (s *PoolStore) FindByUUID(uuid string) *Pool {
	return s.find(func() *Pool { return s.byUUID[uuid] })
}

func (s *PoolStore) find(lookup func() *Pool) *Pool {
	for {
		s.mu.RLock()
		p := lookup()
		s.mu.RUnlock()
		if p == nil {
			return nil
		}

		p.mu.Lock()
		if !p.removed {
			return p
		}
		// Removed between the map read and the lock; the name may have
		// been reused since.
		p.mu.Unlock()
	}
}

// findPair returns the pools named a and b locked in canonical order. When
// a and b name the same pool both results are that pool, locked once.
func (s *PoolStore) findPair(a, b string) (*Pool, *Pool) {
	for {
		s.mu.RLock()
		pa, pb := s.byName[a], s.byName[b]
		s.mu.RUnlock()
		if pa == nil || pb == nil {
			return pa, pb
		}

		lockPools(pa, pb)
		if !pa.removed && !pb.removed {
			return pa, pb
		}
		unlockPools(pa, pb)
	}
}

// assign reserves a place for def. A new pool is created, published and
// returned locked with created set. A pool with the same name and UUID is
// returned locked for redefinition. Clashing names, UUIDs or sources fail
// with AlreadyExists.
func (s *PoolStore) assign(def *pooldef.PoolDef) (p *Pool, created bool, err error) {
	for {
		s.mu.Lock()
		if err := s.checkDuplicate(def); err != nil {
			s.mu.Unlock()
			return nil, false, err
		}

		if existing := s.byName[def.Name]; existing != nil {
			s.mu.Unlock()
			existing.mu.Lock()
			if existing.removed {
				existing.mu.Unlock()
				continue
			}
			return existing, false, nil
		}

		// Unpublished, so locking it under the store lock cannot block.
		p := newPool(def)
		p.mu.Lock()
		s.pools = append(s.pools, p)
		s.byName[def.Name] = p
		s.byUUID[def.UUID] = p
		s.idents[p] = def.Clone()
		s.mu.Unlock()
		return p, true, nil
	}
}

func (s *PoolStore) checkDuplicate(def *pooldef.PoolDef) error {
	if p := s.byName[def.Name]; p != nil && p.uuid != def.UUID {
		return storageerrors.AlreadyExistsf("pool %q with uuid %s", def.Name, p.uuid)
	}
	if p := s.byUUID[def.UUID]; p != nil && s.idents[p].Name != def.Name {
		return storageerrors.AlreadyExistsf("pool %q with uuid %s", s.idents[p].Name, def.UUID)
	}
	for _, p := range s.pools {
		ident := s.idents[p]
		if ident.Name == def.Name {
			continue
		}
		if pooldef.SameSource(ident, def) {
			return storageerrors.AlreadyExistsf("pool %q using the same source", ident.Name)
		}
	}
	return nil
}

// update refreshes the store's copy of p's definition. p must be locked.
func (s *PoolStore) update(p *Pool) {
	// leaf lock under p's lock; see PoolStore
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.removed {
		s.idents[p] = p.def.Clone()
	}
}

// remove unpublishes p. p must be locked and stays locked.
func (s *PoolStore) remove(p *Pool) {
	// leaf lock under p's lock; see PoolStore
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byName, p.def.Name)
	delete(s.byUUID, p.uuid)
	delete(s.idents, p)
	for i, q := range s.pools {
		if q == p {
			s.pools = append(s.pools[:i], s.pools[i+1:]...)
			break
		}
	}
	p.removed = true
}

// ForEach calls fn for every live pool in insertion order, with that pool
// locked. fn may remove the pool it is given.
func (s *PoolStore) ForEach(fn func(p *Pool)) {
	s.mu.RLock()
	snapshot := make([]*Pool, len(s.pools))
	copy(snapshot, s.pools)
	s.mu.RUnlock()

	for _, p := range snapshot {
		p.mu.Lock()
		if !p.removed {
			fn(p)
		}
		p.mu.Unlock()
	}
}

// Len returns the number of live pools.
func (s *PoolStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pools)
}

// clear drops every pool.
func (s *PoolStore) clear() {
	s.ForEach(s.remove)
}
