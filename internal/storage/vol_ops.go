package storage

import (
	"context"
	"io"

	"github.com/digitalocean/go-libvirt"
	"github.com/juju/errors"

	"github.com/jbweber/poold/internal/imagefmt"
	"github.com/jbweber/poold/internal/pooldef"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
	"github.com/jbweber/poold/internal/storagefile"
)

// lookupVol returns the named volume of an active pool with the pool
// locked.
func (d *Driver) lookupVol(ctx context.Context, poolName, volName string, perm Perm) (*Pool, *Volume, error) {
	p, err := d.lookupActivePool(ctx, poolName, perm)
	if err != nil {
		return nil, nil, err
	}
	v := p.findVolume(volName)
	if v == nil {
		p.Unlock()
		return nil, nil, storageerrors.NotFoundf("storage volume %q in pool %q", volName, poolName)
	}
	return p, v, nil
}

// checkVolIdle guards operations that modify a volume's contents or size.
func checkVolIdle(v *Volume) error {
	if v.inUse > 0 {
		return storageerrors.InvalidStatef("volume %q is still in use", v.def.Name)
	}
	return checkVolBuilt(v)
}

func checkVolBuilt(v *Volume) error {
	if v.building {
		return storageerrors.InvalidStatef("volume %q is still being allocated", v.def.Name)
	}
	return nil
}

func (d *Driver) refreshVol(ctx context.Context, backend Backend, p *Pool, v *Volume) error {
	r, ok := backend.(VolRefresher)
	if !ok || v.building {
		return nil
	}
	if err := r.RefreshVol(ctx, p, v.def); err != nil {
		return errors.Annotatef(err, "failed to refresh volume %q", v.def.Name)
	}
	return nil
}

// discardVolume drops a volume that never finished creation. Its
// allocation was never added to the pool, so accounting is untouched. A
// build that failed with AlreadyExists found something at the target and
// left it alone; that storage is not ours to delete.
func (d *Driver) discardVolume(ctx context.Context, backend Backend, p *Pool, v *Volume, cause error) {
	if errors.Is(cause, storageerrors.AlreadyExists) {
		d.log.Info("volume target already exists, keeping it", "pool", p.def.Name, "volume", v.def.Name, "path", v.def.Target.Path)
		p.removeVolume(v)
		return
	}
	if deleter, ok := backend.(VolDeleter); ok {
		if err := deleter.DeleteVol(ctx, p, v.def, 0); err != nil {
			d.log.Error(err, "failed to clean up volume after failed creation", "pool", p.def.Name, "volume", v.def.Name)
		}
	}
	p.removeVolume(v)
}

// CreateVol adds a volume to an active pool and builds it. The volume is
// listed, marked building, while the build runs with the pool unlocked.
func (d *Driver) CreateVol(ctx context.Context, poolName string, vol *pooldef.VolDef, flags libvirt.StorageVolCreateFlags) (*VolumeInfo, error) {
	p, err := d.lookupActivePool(ctx, poolName, PermVolCreate)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()

	if err := vol.Normalize(p.def); err != nil {
		return nil, storageerrors.InvalidArgumentf("invalid volume definition: %v", err)
	}
	if p.findVolume(vol.Name) != nil {
		return nil, storageerrors.AlreadyExistsf("storage volume %q", vol.Name)
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return nil, err
	}
	creator, ok := backend.(VolCreator)
	if !ok {
		return nil, storageerrors.Unsupportedf("volume creation in storage pool %q", poolName)
	}
	if err := creator.CreateVol(ctx, p, vol); err != nil {
		return nil, errors.Annotatef(err, "failed to create volume %q", vol.Name)
	}

	v := &Volume{def: vol}
	p.volumes = append(p.volumes, v)

	if _, ok := backend.(VolBuilder); ok {
		if err := d.runBuild(ctx, &buildJob{pool: p, vol: v}, flags, backend); err != nil {
			d.discardVolume(ctx, backend, p, v, err)
			return nil, err
		}
	}
	if err := d.refreshVol(ctx, backend, p, v); err != nil {
		d.discardVolume(ctx, backend, p, v, err)
		return nil, err
	}

	p.addAllocation(v.def.Target.Allocation)
	d.log.V(1).Info("created volume", "pool", poolName, "volume", vol.Name)
	return snapshotVol(p, v), nil
}

// CreateVolFrom creates vol in poolName as a copy of srcVolName in
// srcPoolName. The new volume is at least as large as the source, and the
// source is held in use while the copy runs.
func (d *Driver) CreateVolFrom(ctx context.Context, poolName string, vol *pooldef.VolDef, srcPoolName, srcVolName string, flags libvirt.StorageVolCreateFlags) (*VolumeInfo, error) {
	p, sp := d.pools.findPair(poolName, srcPoolName)
	if p == nil || sp == nil {
		if p != nil {
			unlockPools(p)
		}
		if sp != nil {
			unlockPools(sp)
		}
		if p == nil {
			return nil, storageerrors.NotFoundf("storage pool %q", poolName)
		}
		return nil, storageerrors.NotFoundf("storage pool %q", srcPoolName)
	}
	defer unlockPools(p, sp)

	if !d.access.Allowed(ctx, PermVolCreate, p.def) {
		return nil, storageerrors.NotFoundf("storage pool %q", poolName)
	}
	if !d.access.Allowed(ctx, PermVolDataRead, sp.def) {
		return nil, storageerrors.NotFoundf("storage pool %q", srcPoolName)
	}
	for _, q := range []*Pool{p, sp} {
		if !q.active() {
			return nil, storageerrors.InvalidStatef("storage pool %q is not active", q.def.Name)
		}
	}

	sv := sp.findVolume(srcVolName)
	if sv == nil {
		return nil, storageerrors.NotFoundf("storage volume %q in pool %q", srcVolName, srcPoolName)
	}
	if err := vol.Normalize(p.def); err != nil {
		return nil, storageerrors.InvalidArgumentf("invalid volume definition: %v", err)
	}
	if p.findVolume(vol.Name) != nil {
		return nil, storageerrors.AlreadyExistsf("storage volume %q", vol.Name)
	}

	// The copy must hold everything the source can address.
	srcCap := sv.def.Target.Capacity
	if vol.Target.Capacity < srcCap {
		vol.Target.Capacity = srcCap
	}
	if vol.Target.Allocation < srcCap {
		vol.Target.Allocation = srcCap
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return nil, err
	}
	if _, ok := backend.(VolFromBuilder); !ok {
		return nil, storageerrors.Unsupportedf("volume cloning in storage pool %q", poolName)
	}
	if err := checkVolBuilt(sv); err != nil {
		return nil, err
	}

	srcBackend, err := d.backendFor(sp)
	if err != nil {
		return nil, err
	}
	if err := d.refreshVol(ctx, srcBackend, sp, sv); err != nil {
		return nil, err
	}

	if creator, ok := backend.(VolCreator); ok {
		if err := creator.CreateVol(ctx, p, vol); err != nil {
			return nil, errors.Annotatef(err, "failed to create volume %q", vol.Name)
		}
	}

	v := &Volume{def: vol}
	p.volumes = append(p.volumes, v)

	job := &buildJob{pool: p, vol: v, srcPool: sp, srcVol: sv}
	if err := d.runBuild(ctx, job, flags, backend); err != nil {
		d.discardVolume(ctx, backend, p, v, err)
		return nil, err
	}
	if err := d.refreshVol(ctx, backend, p, v); err != nil {
		d.discardVolume(ctx, backend, p, v, err)
		return nil, err
	}

	p.addAllocation(v.def.Target.Allocation)
	d.log.V(1).Info("cloned volume", "pool", poolName, "volume", vol.Name, "source", srcPoolName+"/"+srcVolName)
	return snapshotVol(p, v), nil
}

// DeleteVol removes an idle volume and returns its allocation to the pool.
func (d *Driver) DeleteVol(ctx context.Context, poolName, volName string, flags libvirt.StorageVolDeleteFlags) error {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolDelete)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if err := checkVolIdle(v); err != nil {
		return err
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	deleter, ok := backend.(VolDeleter)
	if !ok {
		return storageerrors.Unsupportedf("volume deletion in storage pool %q", poolName)
	}
	if err := deleter.DeleteVol(ctx, p, v.def, flags); err != nil {
		return errors.Annotatef(err, "failed to delete volume %q", volName)
	}

	p.releaseAllocation(v.def.Target.Allocation)
	p.removeVolume(v)
	d.log.V(1).Info("deleted volume", "pool", poolName, "volume", volName)
	return nil
}

// ResizeVol changes a volume's capacity. With StorageVolResizeDelta the
// capacity is relative to the current one (subtracted with Shrink);
// shrinking needs StorageVolResizeShrink; StorageVolResizeAllocate also
// allocates the new capacity, charging the growth to the pool.
func (d *Driver) ResizeVol(ctx context.Context, poolName, volName string, capacity uint64, flags libvirt.StorageVolResizeFlags) error {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolResize)
	if err != nil {
		return err
	}
	defer p.Unlock()

	target := &v.def.Target
	shrink := flags&libvirt.StorageVolResizeShrink != 0

	newCap := capacity
	if flags&libvirt.StorageVolResizeDelta != 0 {
		if shrink {
			if capacity > target.Capacity {
				return storageerrors.InvalidArgumentf("can't shrink capacity below zero")
			}
			newCap = target.Capacity - capacity
		} else {
			newCap = target.Capacity + capacity
			if newCap < target.Capacity {
				return storageerrors.InvalidArgumentf("capacity overflows")
			}
		}
	}

	if newCap < target.Allocation {
		return storageerrors.InvalidArgumentf("can't shrink capacity below existing allocation")
	}
	if newCap < target.Capacity && !shrink {
		return storageerrors.InvalidArgumentf("can't shrink capacity below current capacity unless shrink flag explicitly specified")
	}
	if newCap > target.Capacity && newCap-target.Capacity > p.def.Available {
		return storageerrors.InvalidArgumentf("not enough space left in storage pool")
	}

	allocate := flags&libvirt.StorageVolResizeAllocate != 0
	var delta uint64
	if allocate {
		delta = newCap - target.Allocation
		if delta > p.def.Available {
			return storageerrors.InvalidArgumentf("not enough space left in storage pool")
		}
	}

	if err := checkVolIdle(v); err != nil {
		return err
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	resizer, ok := backend.(VolResizer)
	if !ok {
		return storageerrors.Unsupportedf("changing volume capacity in storage pool %q", poolName)
	}
	if err := resizer.ResizeVol(ctx, p, v.def, newCap, flags); err != nil {
		return errors.Annotatef(err, "failed to resize volume %q", volName)
	}

	target.Capacity = newCap
	if allocate {
		target.Allocation = newCap
		p.addAllocation(delta)
	}
	return nil
}

// WipeVol overwrites a volume with zeros.
func (d *Driver) WipeVol(ctx context.Context, poolName, volName string) error {
	return d.WipeVolPattern(ctx, poolName, volName, libvirt.StorageVolWipeAlgZero)
}

// WipeVolPattern overwrites a volume using alg.
func (d *Driver) WipeVolPattern(ctx context.Context, poolName, volName string, alg libvirt.StorageVolWipeAlgorithm) error {
	if alg > libvirt.StorageVolWipeAlgTrim {
		return storageerrors.InvalidArgumentf("wiping algorithm %d not supported", alg)
	}

	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolFormat)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if err := checkVolIdle(v); err != nil {
		return err
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	wiper, ok := backend.(VolWiper)
	if !ok {
		return storageerrors.Unsupportedf("volume wiping in storage pool %q", poolName)
	}
	if err := wiper.WipeVol(ctx, p, v.def, alg); err != nil {
		return errors.Annotatef(err, "failed to wipe volume %q", volName)
	}
	return d.refreshVol(ctx, backend, p, v)
}

// UploadVol writes r into the volume at offset. A zero length means up to
// the end of r. The transfer runs with the pool unlocked and the volume
// held in use.
func (d *Driver) UploadVol(ctx context.Context, poolName, volName string, r io.Reader, offset, length uint64) error {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolDataWrite)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if err := checkVolIdle(v); err != nil {
		return err
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	uploader, ok := backend.(VolUploader)
	if !ok {
		return storageerrors.Unsupportedf("volume upload in storage pool %q", poolName)
	}

	err = d.transfer(p, v, func(poolDef *pooldef.PoolDef, volDef *pooldef.VolDef) error {
		return uploader.UploadVol(ctx, poolDef, volDef, r, offset, length)
	})
	if err != nil {
		return errors.Annotatef(err, "failed to upload to volume %q", volName)
	}

	if err := d.refreshVol(ctx, backend, p, v); err != nil {
		d.log.Error(err, "failed to refresh volume after upload", "pool", poolName, "volume", volName)
	}
	return nil
}

// DownloadVol copies the volume's contents from offset into w. Concurrent
// downloads are allowed; only volumes still being built are refused.
func (d *Driver) DownloadVol(ctx context.Context, poolName, volName string, w io.Writer, offset, length uint64) error {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolDataRead)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if err := checkVolBuilt(v); err != nil {
		return err
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	downloader, ok := backend.(VolDownloader)
	if !ok {
		return storageerrors.Unsupportedf("volume download in storage pool %q", poolName)
	}

	err = d.transfer(p, v, func(poolDef *pooldef.PoolDef, volDef *pooldef.VolDef) error {
		return downloader.DownloadVol(ctx, poolDef, volDef, w, offset, length)
	})
	if err != nil {
		return errors.Annotatef(err, "failed to download volume %q", volName)
	}
	return nil
}

// transfer runs fn under suspend with v in use and an async job on p.
func (d *Driver) transfer(p *Pool, v *Volume, fn func(*pooldef.PoolDef, *pooldef.VolDef) error) error {
	poolDef, volDef := p.def.Clone(), v.def.Clone()

	v.inUse++
	p.asyncJobs++
	err := suspend(func() error { return fn(poolDef, volDef) }, p)
	p.asyncJobs--
	v.inUse--
	return err
}

// ListVolumes returns the volumes of an active pool in discovery order.
func (d *Driver) ListVolumes(ctx context.Context, poolName string) ([]*VolumeInfo, error) {
	p, err := d.lookupActivePool(ctx, poolName, PermPoolSearch)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()

	out := make([]*VolumeInfo, 0, len(p.volumes))
	for _, v := range p.volumes {
		out = append(out, snapshotVol(p, v))
	}
	return out, nil
}

// NumVolumes counts the volumes of an active pool.
func (d *Driver) NumVolumes(ctx context.Context, poolName string) (int, error) {
	p, err := d.lookupActivePool(ctx, poolName, PermPoolSearch)
	if err != nil {
		return 0, err
	}
	defer p.Unlock()
	return len(p.volumes), nil
}

// LookupVolByName returns a volume's state without refreshing it.
func (d *Driver) LookupVolByName(ctx context.Context, poolName, volName string) (*VolumeInfo, error) {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolGetAttr)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()
	return snapshotVol(p, v), nil
}

// LookupVolByKey searches the active pools for the volume with key.
func (d *Driver) LookupVolByKey(ctx context.Context, key string) (*VolumeInfo, error) {
	info := d.searchVolumes(ctx, func(p *Pool) *Volume { return p.findVolumeByKey(key) })
	if info == nil {
		return nil, storageerrors.NotFoundf("storage volume with key %q", key)
	}
	return info, nil
}

// LookupVolByPath searches the active pools for the volume at path.
func (d *Driver) LookupVolByPath(ctx context.Context, path string) (*VolumeInfo, error) {
	info := d.searchVolumes(ctx, func(p *Pool) *Volume { return p.findVolumeByPath(path) })
	if info == nil {
		return nil, storageerrors.NotFoundf("storage volume with path %q", path)
	}
	return info, nil
}

func (d *Driver) searchVolumes(ctx context.Context, match func(*Pool) *Volume) *VolumeInfo {
	var found *VolumeInfo
	d.pools.ForEach(func(p *Pool) {
		if found != nil || !p.active() || !d.access.Allowed(ctx, PermVolGetAttr, p.def) {
			return
		}
		if v := match(p); v != nil {
			found = snapshotVol(p, v)
		}
	})
	return found
}

// GetVolInfo refreshes a volume from its storage and returns its state.
func (d *Driver) GetVolInfo(ctx context.Context, poolName, volName string) (*VolumeInfo, error) {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolGetAttr)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()

	backend, err := d.backendFor(p)
	if err != nil {
		return nil, err
	}
	if err := d.refreshVol(ctx, backend, p, v); err != nil {
		return nil, err
	}
	return snapshotVol(p, v), nil
}

// GetVolXML refreshes a volume and renders its definition.
func (d *Driver) GetVolXML(ctx context.Context, poolName, volName string) (string, error) {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolReadXML)
	if err != nil {
		return "", err
	}
	defer p.Unlock()

	backend, err := d.backendFor(p)
	if err != nil {
		return "", err
	}
	if err := d.refreshVol(ctx, backend, p, v); err != nil {
		return "", err
	}
	return pooldef.FormatVolXML(v.def)
}

// GetVolPath returns the volume's target path.
func (d *Driver) GetVolPath(ctx context.Context, poolName, volName string) (string, error) {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolGetAttr)
	if err != nil {
		return "", err
	}
	defer p.Unlock()
	return v.def.Target.Path, nil
}

// VolBackingChain resolves the backing chain of a volume's image.
func (d *Driver) VolBackingChain(ctx context.Context, poolName, volName string) (*storagefile.Source, error) {
	p, v, err := d.lookupVol(ctx, poolName, volName, PermVolReadXML)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()

	if err := checkVolBuilt(v); err != nil {
		return nil, err
	}
	format, err := imagefmt.ParseFormat(v.def.Target.Format)
	if err != nil {
		return nil, storageerrors.InvalidArgumentf("volume %q: %v", volName, err)
	}

	src := storagefile.NewLocal(sourceType(v.def.Type), v.def.Target.Path, format)
	if err := d.resolver.Resolve(src, d.fileUID, d.fileGID, d.allowProbe); err != nil {
		return nil, errors.Annotatef(err, "failed to resolve backing chain of volume %q", volName)
	}
	return src, nil
}

func sourceType(t pooldef.VolType) storagefile.Type {
	switch t {
	case pooldef.VolTypeBlock:
		return storagefile.TypeBlock
	case pooldef.VolTypeDir:
		return storagefile.TypeDir
	case pooldef.VolTypeNetwork:
		return storagefile.TypeNetwork
	}
	return storagefile.TypeFile
}
