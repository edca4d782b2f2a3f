package output

import (
	"github.com/jbweber/poold/internal/status"
	"github.com/jbweber/poold/internal/storage"
	"github.com/jbweber/poold/internal/storagefile"
)

// poolView is the serialized form of a pool.
type poolView struct {
	Name       string `yaml:"name" json:"name"`
	UUID       string `yaml:"uuid" json:"uuid"`
	Type       string `yaml:"type" json:"type"`
	State      string `yaml:"state" json:"state"`
	Persistent bool   `yaml:"persistent" json:"persistent"`
	Autostart  bool   `yaml:"autostart" json:"autostart"`
	Target     string `yaml:"target,omitempty" json:"target,omitempty"`
	Capacity   uint64 `yaml:"capacity" json:"capacity"`
	Allocation uint64 `yaml:"allocation" json:"allocation"`
	Available  uint64 `yaml:"available" json:"available"`
	Volumes    int    `yaml:"volumes" json:"volumes"`
	AsyncJobs  uint   `yaml:"async_jobs,omitempty" json:"async_jobs,omitempty"`
}

func newPoolView(p *storage.PoolInfo) poolView {
	return poolView{
		Name:       p.Name,
		UUID:       p.UUID,
		Type:       string(p.Type),
		State:      status.Name(p.State),
		Persistent: p.Persistent,
		Autostart:  p.Autostart,
		Target:     p.Target,
		Capacity:   p.Capacity,
		Allocation: p.Allocation,
		Available:  p.Available,
		Volumes:    p.Volumes,
		AsyncJobs:  p.AsyncJobs,
	}
}

// volumeView is the serialized form of a volume.
type volumeView struct {
	Pool       string `yaml:"pool" json:"pool"`
	Name       string `yaml:"name" json:"name"`
	Key        string `yaml:"key" json:"key"`
	Path       string `yaml:"path" json:"path"`
	Type       string `yaml:"type" json:"type"`
	Format     string `yaml:"format,omitempty" json:"format,omitempty"`
	Capacity   uint64 `yaml:"capacity" json:"capacity"`
	Allocation uint64 `yaml:"allocation" json:"allocation"`
	Backing    string `yaml:"backing_store,omitempty" json:"backing_store,omitempty"`
	InUse      uint   `yaml:"in_use,omitempty" json:"in_use,omitempty"`
	Building   bool   `yaml:"building,omitempty" json:"building,omitempty"`
	Label      string `yaml:"label,omitempty" json:"label,omitempty"`
}

func newVolumeView(v *storage.VolumeInfo) volumeView {
	return volumeView{
		Pool:       v.Pool,
		Name:       v.Name,
		Key:        v.Key,
		Path:       v.Path,
		Type:       string(v.Type),
		Format:     v.Format,
		Capacity:   v.Capacity,
		Allocation: v.Allocation,
		Backing:    v.Backing,
		InUse:      v.InUse,
		Building:   v.Building,
		Label:      v.Label,
	}
}

// chainLink is one image of a backing chain; depth 0 is the top.
type chainLink struct {
	Depth    int    `yaml:"depth" json:"depth"`
	Type     string `yaml:"type" json:"type"`
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`
	Capacity uint64 `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	Backing  string `yaml:"backing_ref,omitempty" json:"backing_ref,omitempty"`
}

func chainLinks(top *storagefile.Source) []chainLink {
	links := []chainLink{}
	for depth, src := range top.Chain() {
		links = append(links, chainLink{
			Depth:    depth,
			Type:     string(src.Type),
			Path:     src.Path,
			Protocol: src.Protocol,
			Host:     src.Host,
			Format:   string(src.Format),
			Capacity: src.Capacity,
			Backing:  src.BackingRaw,
		})
	}
	return links
}
