package storage

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/status"
)

const (
	inactiveState = libvirt.StoragePoolInactive
	buildingState = libvirt.StoragePoolBuilding
	runningState  = libvirt.StoragePoolRunning
)

// Pool is one storage pool. All fields are guarded by mu; methods that are
// exported for backends must be called with the pool locked, which is how
// the driver hands pools to them.
type Pool struct {
	mu   sync.Mutex
	uuid string // immutable, orders lock acquisition

	def    *pooldef.PoolDef
	newDef *pooldef.PoolDef // staged while active, promoted on destroy

	configFile    string // empty for transient pools
	autostartLink string
	autostart     bool

	state     libvirt.StoragePoolState
	asyncJobs uint
	volumes   []*Volume
	removed   bool
}

// Volume is one volume of a pool, guarded by its pool's lock.
type Volume struct {
	def      *pooldef.VolDef
	inUse    uint
	building bool
}

func newPool(def *pooldef.PoolDef) *Pool {
	return &Pool{uuid: def.UUID, def: def, state: inactiveState}
}

// NewPool returns an inactive pool outside any store, for exercising
// backends directly.
func NewPool(def *pooldef.PoolDef) *Pool { return newPool(def) }

// Def returns the pool's current definition. Backends update its capacity,
// allocation and available fields during refresh.
func (p *Pool) Def() *pooldef.PoolDef { return p.def }

// Name returns the pool name.
func (p *Pool) Name() string { return p.def.Name }

// AddVolume appends a discovered volume.
func (p *Pool) AddVolume(def *pooldef.VolDef) {
	p.volumes = append(p.volumes, &Volume{def: def})
}

// Volumes returns the definitions of the pool's volumes in discovery order.
func (p *Pool) Volumes() []*pooldef.VolDef {
	out := make([]*pooldef.VolDef, 0, len(p.volumes))
	for _, v := range p.volumes {
		out = append(out, v.def)
	}
	return out
}

// Unlock releases the pool lock taken by a store lookup.
func (p *Pool) Unlock() { p.mu.Unlock() }

func (p *Pool) active() bool { return status.IsActive(p.state) }

func (p *Pool) persistent() bool { return p.configFile != "" }

func (p *Pool) setState(next libvirt.StoragePoolState) error {
	return status.Transition(&p.state, next)
}

func (p *Pool) clearVolumes() {
	p.volumes = nil
}

func (p *Pool) findVolume(name string) *Volume {
	for _, v := range p.volumes {
		if v.def.Name == name {
			return v
		}
	}
	return nil
}

func (p *Pool) findVolumeByKey(key string) *Volume {
	for _, v := range p.volumes {
		if v.def.Key == key {
			return v
		}
	}
	return nil
}

func (p *Pool) findVolumeByPath(path string) *Volume {
	path = filepath.Clean(path)
	for _, v := range p.volumes {
		if v.def.Target.Path != "" && filepath.Clean(v.def.Target.Path) == path {
			return v
		}
	}
	return nil
}

func (p *Pool) removeVolume(vol *Volume) {
	for i, v := range p.volumes {
		if v == vol {
			p.volumes = append(p.volumes[:i], p.volumes[i+1:]...)
			return
		}
	}
}

// addAllocation moves n bytes from available to allocation, saturating at
// zero and at the uint64 limit.
func (p *Pool) addAllocation(n uint64) {
	p.def.Allocation = satAdd(p.def.Allocation, n)
	p.def.Available = satSub(p.def.Available, n)
}

// releaseAllocation moves n bytes from allocation back to available.
func (p *Pool) releaseAllocation(n uint64) {
	p.def.Allocation = satSub(p.def.Allocation, n)
	p.def.Available = satAdd(p.def.Available, n)
}

func (p *Pool) resetSizes() {
	p.def.Capacity, p.def.Allocation, p.def.Available = 0, 0, 0
}

func satAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// lockPools locks pools in UUID order, skipping repeats.
func lockPools(pools ...*Pool) {
	for _, p := range canonicalOrder(pools) {
		p.mu.Lock()
	}
}

func unlockPools(pools ...*Pool) {
	for _, p := range canonicalOrder(pools) {
		p.mu.Unlock()
	}
}

func canonicalOrder(pools []*Pool) []*Pool {
	out := make([]*Pool, 0, len(pools))
	for _, p := range pools {
		dup := false
		for _, q := range out {
			if q == p {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uuid < out[j].uuid })
	return out
}
