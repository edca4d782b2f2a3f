package storage

import (
	"context"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/jbweber/poold/internal/pooldef"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

// DefinePool makes def a persistent pool. Defining a pool that already
// exists with the same name and UUID replaces its definition, or stages the
// new definition until the next destroy if the pool is active.
func (d *Driver) DefinePool(ctx context.Context, def *pooldef.PoolDef) (*PoolInfo, error) {
	if err := d.checkNewDef(ctx, def, PermPoolWrite); err != nil {
		return nil, err
	}

	p, created, err := d.pools.assign(def)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()

	configFile, link, err := d.defs.SaveConfig(def)
	if err != nil {
		if created {
			d.pools.remove(p)
		}
		return nil, errors.Annotatef(err, "failed to save config of storage pool %q", def.Name)
	}

	if !created {
		d.redefine(p, def)
	}
	p.configFile = configFile
	p.autostartLink = link

	d.log.Info("defined storage pool", "pool", def.Name, "type", def.Type)
	return snapshotPool(p), nil
}

// CreatePool starts a transient pool from def. If a persistent pool of the
// same identity exists and is inactive, it runs on def until destroyed.
func (d *Driver) CreatePool(ctx context.Context, def *pooldef.PoolDef, flags libvirt.StoragePoolCreateFlags) (*PoolInfo, error) {
	if err := d.checkNewDef(ctx, def, PermPoolStart); err != nil {
		return nil, err
	}

	p, created, err := d.pools.assign(def)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()

	if !created {
		if p.active() {
			return nil, storageerrors.InvalidStatef("storage pool %q is already active", def.Name)
		}
		p.newDef = p.def
		p.def = def
		d.pools.update(p)
	}

	if err := d.startLocked(ctx, p, flags); err != nil {
		if created {
			d.pools.remove(p)
		} else {
			d.promoteNewDef(p)
		}
		return nil, err
	}

	d.log.Info("created storage pool", "pool", def.Name, "type", def.Type)
	return snapshotPool(p), nil
}

func (d *Driver) checkNewDef(ctx context.Context, def *pooldef.PoolDef, perm Perm) error {
	if err := def.Normalize(); err != nil {
		return storageerrors.InvalidArgumentf("invalid pool definition: %v", err)
	}
	if _, err := d.backends.Lookup(def.Type); err != nil {
		return storageerrors.Unsupportedf("storage pool type %q", def.Type)
	}
	if !d.access.Allowed(ctx, perm, def) {
		return storageerrors.NotFoundf("storage pool %q", def.Name)
	}
	return nil
}

// StartPool starts a defined, inactive pool.
func (d *Driver) StartPool(ctx context.Context, name string, flags libvirt.StoragePoolCreateFlags) error {
	p, err := d.lookupPool(ctx, name, PermPoolStart)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if p.active() {
		return storageerrors.InvalidStatef("storage pool %q is already active", name)
	}
	if err := d.startLocked(ctx, p, flags); err != nil {
		return err
	}

	d.log.Info("started storage pool", "pool", name)
	return nil
}

// startLocked optionally builds, then starts and refreshes p. On failure
// the pool is stopped again and left inactive; removing transient pools is
// up to the caller.
func (d *Driver) startLocked(ctx context.Context, p *Pool, flags libvirt.StoragePoolCreateFlags) error {
	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}

	var buildFlags libvirt.StoragePoolBuildFlags
	switch {
	case flags&libvirt.StoragePoolCreateWithBuildOverwrite != 0:
		buildFlags = libvirt.StoragePoolBuildOverwrite
	case flags&libvirt.StoragePoolCreateWithBuildNoOverwrite != 0:
		buildFlags = libvirt.StoragePoolBuildNoOverwrite
	}
	if buildFlags != 0 || flags&libvirt.StoragePoolCreateWithBuild != 0 {
		if builder, ok := backend.(PoolBuilder); ok {
			if err := d.buildLocked(ctx, p, builder, buildFlags); err != nil {
				return err
			}
		}
	}

	if starter, ok := backend.(PoolStarter); ok {
		if err := starter.StartPool(ctx, p); err != nil {
			return errors.Annotatef(err, "failed to start storage pool %q", p.def.Name)
		}
	}

	p.clearVolumes()
	p.resetSizes()
	if err := backend.RefreshPool(ctx, p); err != nil {
		d.stopQuietly(ctx, backend, p)
		p.clearVolumes()
		return errors.Annotatef(err, "failed to refresh storage pool %q", p.def.Name)
	}

	if err := p.setState(runningState); err != nil {
		return storageerrors.Internalf("%v", err)
	}
	d.saveState(p)
	return nil
}

// stopQuietly undoes a start after a failed refresh. Its own failure is
// logged, since the refresh error is what the caller reports.
func (d *Driver) stopQuietly(ctx context.Context, backend Backend, p *Pool) {
	stopper, ok := backend.(PoolStopper)
	if !ok {
		return
	}
	if err := stopper.StopPool(ctx, p); err != nil {
		d.log.Error(err, "failed to stop storage pool after refresh failure", "pool", p.def.Name)
	}
}

// BuildPool prepares the underlying storage of an inactive pool.
func (d *Driver) BuildPool(ctx context.Context, name string, flags libvirt.StoragePoolBuildFlags) error {
	p, err := d.lookupPool(ctx, name, PermPoolFormat)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if p.active() {
		return storageerrors.InvalidStatef("storage pool %q is already active", name)
	}
	if err := checkNoAsyncJobs(p); err != nil {
		return err
	}
	if flags&libvirt.StoragePoolBuildOverwrite != 0 && flags&libvirt.StoragePoolBuildNoOverwrite != 0 {
		return storageerrors.InvalidArgumentf("overwrite and no-overwrite build flags are mutually exclusive")
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	builder, ok := backend.(PoolBuilder)
	if !ok {
		return storageerrors.Unsupportedf("building storage pool %q", name)
	}
	return d.buildLocked(ctx, p, builder, flags)
}

func (d *Driver) buildLocked(ctx context.Context, p *Pool, builder PoolBuilder, flags libvirt.StoragePoolBuildFlags) error {
	if err := p.setState(buildingState); err != nil {
		return storageerrors.InvalidStatef("%v", err)
	}
	err := builder.BuildPool(ctx, p, flags)
	_ = p.setState(inactiveState)
	if err != nil {
		return errors.Annotatef(err, "failed to build storage pool %q", p.def.Name)
	}
	return nil
}

// DestroyPool stops an active pool. Transient pools disappear; persistent
// ones switch to a staged definition if there is one.
func (d *Driver) DestroyPool(ctx context.Context, name string) error {
	p, err := d.lookupPool(ctx, name, PermPoolStop)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if !p.active() {
		return storageerrors.InvalidStatef("storage pool %q is not active", name)
	}
	if err := checkNoAsyncJobs(p); err != nil {
		return err
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	if stopper, ok := backend.(PoolStopper); ok {
		if err := stopper.StopPool(ctx, p); err != nil {
			return errors.Annotatef(err, "failed to stop storage pool %q", name)
		}
	}

	d.deactivate(p)
	d.log.Info("destroyed storage pool", "pool", name)
	return nil
}

// deactivate marks a stopped pool inactive, forgetting its volumes.
func (d *Driver) deactivate(p *Pool) {
	p.clearVolumes()
	_ = p.setState(inactiveState)
	d.deleteState(p.def.Name)
	if !p.persistent() {
		d.pools.remove(p)
		return
	}
	d.promoteNewDef(p)
}

// DeletePool removes the underlying storage of an inactive pool. The pool
// stays defined.
func (d *Driver) DeletePool(ctx context.Context, name string, flags libvirt.StoragePoolDeleteFlags) error {
	p, err := d.lookupPool(ctx, name, PermPoolDelete)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if p.active() {
		return storageerrors.InvalidStatef("storage pool %q is still active", name)
	}
	if err := checkNoAsyncJobs(p); err != nil {
		return err
	}

	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}
	deleter, ok := backend.(PoolDeleter)
	if !ok {
		return storageerrors.Unsupportedf("deleting storage pool %q", name)
	}
	if err := deleter.DeletePool(ctx, p, flags); err != nil {
		return errors.Annotatef(err, "failed to delete storage pool %q", name)
	}

	d.log.Info("deleted storage pool", "pool", name)
	return nil
}

// UndefinePool forgets an inactive pool, removing its config and
// autostart link.
func (d *Driver) UndefinePool(ctx context.Context, name string) error {
	p, err := d.lookupPool(ctx, name, PermPoolDelete)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if p.active() {
		return storageerrors.InvalidStatef("storage pool %q is still active", name)
	}
	if err := checkNoAsyncJobs(p); err != nil {
		return err
	}

	if p.persistent() {
		if err := d.defs.DeleteConfig(p.configFile, p.autostartLink); err != nil {
			return errors.Annotatef(err, "failed to delete config of storage pool %q", name)
		}
	}
	p.autostart = false
	p.configFile, p.autostartLink = "", ""
	d.pools.remove(p)

	d.log.Info("undefined storage pool", "pool", name)
	return nil
}

// RefreshPool rescans an active pool. If the rescan fails the pool is
// stopped and deactivated, and a transient pool is removed.
func (d *Driver) RefreshPool(ctx context.Context, name string) error {
	p, err := d.lookupActivePool(ctx, name, PermPoolRefresh)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if err := checkNoAsyncJobs(p); err != nil {
		return err
	}
	return d.refreshLocked(ctx, p)
}

func (d *Driver) refreshLocked(ctx context.Context, p *Pool) error {
	backend, err := d.backendFor(p)
	if err != nil {
		return err
	}

	p.clearVolumes()
	p.resetSizes()
	if err := backend.RefreshPool(ctx, p); err != nil {
		d.log.Error(err, "refresh failed, deactivating storage pool", "pool", p.def.Name)
		d.stopQuietly(ctx, backend, p)
		d.deactivate(p)
		return errors.Annotatef(err, "failed to refresh storage pool %q", p.def.Name)
	}
	return nil
}

// RefreshAll refreshes every active pool without async jobs, as a periodic
// rescan does. Failures are logged.
func (d *Driver) RefreshAll(ctx context.Context) {
	d.pools.ForEach(func(p *Pool) {
		if !p.active() || p.asyncJobs > 0 {
			return
		}
		if err := d.refreshLocked(ctx, p); err != nil {
			d.log.Error(err, "periodic refresh failed", "pool", p.def.Name)
		}
	})
}

// ListPools returns the pools the caller may see that match flags. Each
// pair of filter bits (active/inactive, persistent/transient,
// autostart/no-autostart) is ignored when neither bit is set.
func (d *Driver) ListPools(ctx context.Context, flags libvirt.ConnectListAllStoragePoolsFlags) []*PoolInfo {
	var out []*PoolInfo
	d.pools.ForEach(func(p *Pool) {
		if !d.access.Allowed(ctx, PermPoolGetAttr, p.def) {
			return
		}
		if !matchPair(flags, libvirt.ConnectListStoragePoolsActive, libvirt.ConnectListStoragePoolsInactive, p.active()) ||
			!matchPair(flags, libvirt.ConnectListStoragePoolsPersistent, libvirt.ConnectListStoragePoolsTransient, p.persistent()) ||
			!matchPair(flags, libvirt.ConnectListStoragePoolsAutostart, libvirt.ConnectListStoragePoolsNoAutostart, p.persistent() && p.autostart) {
			return
		}
		out = append(out, snapshotPool(p))
	})
	return out
}

func matchPair(flags, yes, no libvirt.ConnectListAllStoragePoolsFlags, v bool) bool {
	if flags&(yes|no) == 0 {
		return true
	}
	return (v && flags&yes != 0) || (!v && flags&no != 0)
}

// LookupPoolByName returns the named pool's state.
func (d *Driver) LookupPoolByName(ctx context.Context, name string) (*PoolInfo, error) {
	p, err := d.lookupPool(ctx, name, PermPoolGetAttr)
	if err != nil {
		return nil, err
	}
	defer p.Unlock()
	return snapshotPool(p), nil
}

// LookupPoolByUUID returns the state of the pool with the given UUID.
func (d *Driver) LookupPoolByUUID(ctx context.Context, id string) (*PoolInfo, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, storageerrors.NotFoundf("storage pool with uuid %q", id)
	}
	p := d.pools.FindByUUID(parsed.String())
	if p == nil {
		return nil, storageerrors.NotFoundf("storage pool with uuid %q", id)
	}
	defer p.Unlock()
	if !d.access.Allowed(ctx, PermPoolGetAttr, p.def) {
		return nil, storageerrors.NotFoundf("storage pool with uuid %q", id)
	}
	return snapshotPool(p), nil
}

// LookupPoolByVolume returns the pool holding the volume with key.
func (d *Driver) LookupPoolByVolume(ctx context.Context, key string) (*PoolInfo, error) {
	vol, err := d.LookupVolByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return d.LookupPoolByName(ctx, vol.Pool)
}

// IsActive reports whether the named pool is running.
func (d *Driver) IsActive(ctx context.Context, name string) (bool, error) {
	info, err := d.LookupPoolByName(ctx, name)
	if err != nil {
		return false, err
	}
	return info.Active(), nil
}

// IsPersistent reports whether the named pool has a config file.
func (d *Driver) IsPersistent(ctx context.Context, name string) (bool, error) {
	info, err := d.LookupPoolByName(ctx, name)
	if err != nil {
		return false, err
	}
	return info.Persistent, nil
}

// GetPoolXML renders the pool's definition. With StorageXMLInactive the
// staged definition is rendered if there is one.
func (d *Driver) GetPoolXML(ctx context.Context, name string, flags libvirt.StorageXMLFlags) (string, error) {
	p, err := d.lookupPool(ctx, name, PermPoolReadXML)
	if err != nil {
		return "", err
	}
	defer p.Unlock()

	def := p.def
	if flags&libvirt.StorageXMLInactive != 0 && p.newDef != nil {
		def = p.newDef
	}
	return pooldef.FormatPoolXML(def)
}

// GetAutostart reports whether the pool starts with the daemon. Transient
// pools never do.
func (d *Driver) GetAutostart(ctx context.Context, name string) (bool, error) {
	info, err := d.LookupPoolByName(ctx, name)
	if err != nil {
		return false, err
	}
	return info.Autostart, nil
}

// SetAutostart marks a persistent pool to start with the daemon.
func (d *Driver) SetAutostart(ctx context.Context, name string, autostart bool) error {
	p, err := d.lookupPool(ctx, name, PermPoolWrite)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if !p.persistent() {
		return storageerrors.InvalidStatef("cannot set autostart for transient storage pool %q", name)
	}
	if p.autostart == autostart {
		return nil
	}
	if err := d.defs.SetAutostart(p.configFile, p.autostartLink, autostart); err != nil {
		return errors.Annotatef(err, "failed to set autostart of storage pool %q", name)
	}
	p.autostart = autostart
	return nil
}

// FindPoolSources asks the backend for typ which sources it can see.
func (d *Driver) FindPoolSources(ctx context.Context, typ pooldef.PoolType, srcSpec string) (string, error) {
	if !d.access.Allowed(ctx, PermFindSources, nil) {
		return "", storageerrors.NotFoundf("storage pool backend for type %q", typ)
	}
	backend, err := d.backends.Lookup(typ)
	if err != nil {
		return "", storageerrors.Unsupportedf("storage pool type %q", typ)
	}
	finder, ok := backend.(SourceFinder)
	if !ok {
		return "", storageerrors.Unsupportedf("finding sources for storage pool type %q", typ)
	}
	return finder.FindPoolSources(ctx, srcSpec)
}
