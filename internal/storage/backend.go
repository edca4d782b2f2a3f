package storage

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/poold/internal/pooldef"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

// Backend implements one pool type. RefreshPool is mandatory: it fills the
// pool's volume list and sizes. Everything else is an optional interface
// below, detected with a type assertion.
//
// Methods receiving a *Pool run with the pool locked. Methods receiving
// definitions only (BuildVol, BuildVolFrom, UploadVol, DownloadVol) run
// with the lock dropped and get private copies.
type Backend interface {
	Type() pooldef.PoolType
	RefreshPool(ctx context.Context, pool *Pool) error
}

// PoolChecker reports whether the pool's storage is already running, used
// when restoring state at startup.
type PoolChecker interface {
	CheckPool(ctx context.Context, pool *Pool) (bool, error)
}

// PoolStarter activates the pool's storage before the first refresh.
type PoolStarter interface {
	StartPool(ctx context.Context, pool *Pool) error
}

// PoolStopper releases the pool's storage when it is destroyed.
type PoolStopper interface {
	StopPool(ctx context.Context, pool *Pool) error
}

// PoolBuilder prepares the pool's underlying storage, such as its directory.
type PoolBuilder interface {
	BuildPool(ctx context.Context, pool *Pool, flags libvirt.StoragePoolBuildFlags) error
}

// PoolDeleter removes the pool's underlying storage.
type PoolDeleter interface {
	DeletePool(ctx context.Context, pool *Pool, flags libvirt.StoragePoolDeleteFlags) error
}

// SourceFinder discovers storage that could back a pool of its type.
type SourceFinder interface {
	FindPoolSources(ctx context.Context, srcSpec string) (string, error)
}

// VolCreator assigns a new volume its key and target path. It must not
// allocate storage; that is BuildVol's job.
type VolCreator interface {
	CreateVol(ctx context.Context, pool *Pool, vol *pooldef.VolDef) error
}

// VolBuilder allocates the storage of a volume set up by VolCreator. It
// returns AlreadyExists, having touched nothing, when storage is already
// present at the volume's target.
type VolBuilder interface {
	BuildVol(ctx context.Context, pool *pooldef.PoolDef, vol *pooldef.VolDef, flags libvirt.StorageVolCreateFlags) error
}

// VolFromBuilder allocates a volume as a copy of src. AlreadyExists has the
// same meaning as for VolBuilder.
type VolFromBuilder interface {
	BuildVolFrom(ctx context.Context, pool *pooldef.PoolDef, vol, src *pooldef.VolDef, flags libvirt.StorageVolCreateFlags) error
}

// VolDeleter removes a volume's storage.
type VolDeleter interface {
	DeleteVol(ctx context.Context, pool *Pool, vol *pooldef.VolDef, flags libvirt.StorageVolDeleteFlags) error
}

// VolRefresher updates a volume's sizes from its storage.
type VolRefresher interface {
	RefreshVol(ctx context.Context, pool *Pool, vol *pooldef.VolDef) error
}

// VolResizer changes a volume's capacity.
type VolResizer interface {
	ResizeVol(ctx context.Context, pool *Pool, vol *pooldef.VolDef, capacity uint64, flags libvirt.StorageVolResizeFlags) error
}

// VolWiper overwrites a volume's contents using alg.
type VolWiper interface {
	WipeVol(ctx context.Context, pool *Pool, vol *pooldef.VolDef, alg libvirt.StorageVolWipeAlgorithm) error
}

// VolUploader writes r into a volume starting at offset.
type VolUploader interface {
	UploadVol(ctx context.Context, pool *pooldef.PoolDef, vol *pooldef.VolDef, r io.Reader, offset, length uint64) error
}

// VolDownloader copies a volume's contents from offset into w.
type VolDownloader interface {
	DownloadVol(ctx context.Context, pool *pooldef.PoolDef, vol *pooldef.VolDef, w io.Writer, offset, length uint64) error
}

// Registry maps pool types to backends. It is filled at startup and only
// read afterwards.
type Registry struct {
	mu       sync.RWMutex
	backends map[pooldef.PoolType]Backend
}

// NewRegistry returns a registry holding backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[pooldef.PoolType]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds b, replacing any backend of the same type.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Type()] = b
}

// Lookup returns the backend for typ.
func (r *Registry) Lookup(typ pooldef.PoolType) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[typ]
	if !ok {
		return nil, storageerrors.NotFoundf("storage pool backend for type %q", typ)
	}
	return b, nil
}

// Types lists the registered pool types.
func (r *Registry) Types() []pooldef.PoolType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pooldef.PoolType, 0, len(r.backends))
	for t := range r.backends {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
