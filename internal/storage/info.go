package storage

import (
	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/status"
)

// PoolInfo is a point-in-time copy of a pool's public state.
type PoolInfo struct {
	Name       string
	UUID       string
	Type       pooldef.PoolType
	State      libvirt.StoragePoolState
	Persistent bool
	Autostart  bool
	Capacity   uint64
	Allocation uint64
	Available  uint64
	Volumes    int
	AsyncJobs  uint
	Target     string
}

// Active reports whether the pool was running.
func (i *PoolInfo) Active() bool { return status.IsActive(i.State) }

// VolumeInfo is a point-in-time copy of a volume's public state.
type VolumeInfo struct {
	Pool       string
	Name       string
	Key        string
	Path       string
	Type       pooldef.VolType
	Format     string
	Capacity   uint64
	Allocation uint64
	InUse      uint
	Building   bool
	Backing    string
	Label      string
}

func snapshotPool(p *Pool) *PoolInfo {
	return &PoolInfo{
		Name:       p.def.Name,
		UUID:       p.def.UUID,
		Type:       p.def.Type,
		State:      p.state,
		Persistent: p.persistent(),
		Autostart:  p.persistent() && p.autostart,
		Capacity:   p.def.Capacity,
		Allocation: p.def.Allocation,
		Available:  p.def.Available,
		Volumes:    len(p.volumes),
		AsyncJobs:  p.asyncJobs,
		Target:     p.def.Target.Path,
	}
}

func snapshotVol(p *Pool, v *Volume) *VolumeInfo {
	info := &VolumeInfo{
		Pool:       p.def.Name,
		Name:       v.def.Name,
		Key:        v.def.Key,
		Path:       v.def.Target.Path,
		Type:       v.def.Type,
		Format:     v.def.Target.Format,
		Capacity:   v.def.Target.Capacity,
		Allocation: v.def.Target.Allocation,
		InUse:      v.inUse,
		Building:   v.building,
		Label:      v.def.Target.Label,
	}
	if v.def.Backing != nil {
		info.Backing = v.def.Backing.Path
	}
	return info
}
