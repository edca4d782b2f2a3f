package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/jbweber/poold/internal/pooldef"
)

func mustAssign(t *testing.T, s *PoolStore, def *pooldef.PoolDef) *Pool {
	t.Helper()
	if err := def.Normalize(); err != nil {
		t.Fatal(err)
	}
	p, created, err := s.assign(def)
	if err != nil {
		t.Fatalf("assign(%s) error = %v", def.Name, err)
	}
	if !created {
		t.Fatalf("assign(%s) reused an existing pool", def.Name)
	}
	p.Unlock()
	return p
}

func TestFindReturnsLockedPool(t *testing.T) {
	s := NewPoolStore()
	want := mustAssign(t, s, dirDef("p1", "/data/p1"))

	p := s.FindByName("p1")
	if p != want {
		t.Fatalf("FindByName() = %p, want %p", p, want)
	}
	if p.mu.TryLock() {
		t.Error("FindByName() returned an unlocked pool")
	}
	p.Unlock()

	p = s.FindByUUID(want.uuid)
	if p != want {
		t.Fatalf("FindByUUID() = %p, want %p", p, want)
	}
	p.Unlock()

	if s.FindByName("missing") != nil {
		t.Error("FindByName(missing) should be nil")
	}
}

func TestRemovedPoolsAreHidden(t *testing.T) {
	s := NewPoolStore()
	p := mustAssign(t, s, dirDef("p1", "/data/p1"))

	p.mu.Lock()
	s.remove(p)
	p.Unlock()

	if s.FindByName("p1") != nil {
		t.Error("removed pool still found by name")
	}
	if s.FindByUUID(p.uuid) != nil {
		t.Error("removed pool still found by uuid")
	}
	visited := 0
	s.ForEach(func(*Pool) { visited++ })
	if visited != 0 {
		t.Errorf("ForEach visited %d removed pools", visited)
	}

	// The name and source are free again.
	mustAssign(t, s, dirDef("p1", "/data/p1"))
}

func TestRemoveWhileWaiting(t *testing.T) {
	s := NewPoolStore()
	mustAssign(t, s, dirDef("p1", "/data/p1"))

	held := s.FindByName("p1")
	got := make(chan *Pool, 1)
	go func() { got <- s.FindByName("p1") }()

	// Give the lookup time to block on the pool lock, then remove it.
	time.Sleep(10 * time.Millisecond)
	s.remove(held)
	held.Unlock()

	if p := <-got; p != nil {
		p.Unlock()
		t.Error("lookup returned a pool removed while it waited")
	}
}

func TestForEachMayRemove(t *testing.T) {
	s := NewPoolStore()
	for _, name := range []string{"a", "b", "c"} {
		mustAssign(t, s, dirDef(name, "/data/"+name))
	}

	var seen []string
	s.ForEach(func(p *Pool) {
		seen = append(seen, p.Name())
		if p.Name() == "b" {
			s.remove(p)
		}
	})
	if len(seen) != 3 {
		t.Errorf("ForEach visited %v, want all three", seen)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestFindPairNoDeadlock(t *testing.T) {
	s := NewPoolStore()
	mustAssign(t, s, dirDef("a", "/data/a"))
	mustAssign(t, s, dirDef("b", "/data/b"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			pa, pb := s.findPair("a", "b")
			unlockPools(pa, pb)
		}()
		go func() {
			defer wg.Done()
			pb, pa := s.findPair("b", "a")
			unlockPools(pb, pa)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("findPair deadlocked")
	}
}

func TestFindPairSamePool(t *testing.T) {
	s := NewPoolStore()
	mustAssign(t, s, dirDef("a", "/data/a"))

	pa, pb := s.findPair("a", "a")
	if pa == nil || pa != pb {
		t.Fatalf("findPair(a, a) = %p, %p", pa, pb)
	}
	unlockPools(pa, pb)

	// locked exactly once, so it is free again
	if !pa.mu.TryLock() {
		t.Fatal("pool left locked")
	}
	pa.mu.Unlock()
}

func TestCanonicalOrder(t *testing.T) {
	a := &Pool{uuid: "a"}
	b := &Pool{uuid: "b"}
	got := canonicalOrder([]*Pool{b, a, b})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("canonicalOrder() = %v", got)
	}
}

func TestSaturatingAccounting(t *testing.T) {
	p := newPool(&pooldef.PoolDef{Capacity: 100, Allocation: 90, Available: 10})

	p.addAllocation(50)
	if p.def.Available != 0 || p.def.Allocation != 140 {
		t.Errorf("after add: allocation %d available %d", p.def.Allocation, p.def.Available)
	}
	p.releaseAllocation(500)
	if p.def.Allocation != 0 || p.def.Available != 500 {
		t.Errorf("after release: allocation %d available %d", p.def.Allocation, p.def.Available)
	}
	p.addAllocation(^uint64(0))
	if p.def.Allocation != ^uint64(0) {
		t.Errorf("allocation did not saturate: %d", p.def.Allocation)
	}
}
