package storage

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/juju/errors"

	"github.com/jbweber/poold/internal/pooldef"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
	"github.com/jbweber/poold/internal/storagefile"
)

// PersistedPool is a pool definition read from the config directory.
type PersistedPool struct {
	Def           *pooldef.PoolDef
	ConfigFile    string
	AutostartLink string
	Autostart     bool
}

// DefStore persists pool definitions. Config files make a pool persistent;
// state files record which pools were active so they can be restored.
type DefStore interface {
	LoadConfigs() ([]PersistedPool, error)
	SaveConfig(def *pooldef.PoolDef) (configFile, autostartLink string, err error)
	DeleteConfig(configFile, autostartLink string) error
	SetAutostart(configFile, autostartLink string, autostart bool) error

	LoadStates() ([]*pooldef.PoolDef, error)
	SaveState(def *pooldef.PoolDef) error
	DeleteState(name string) error
}

// Driver is the storage driver. Create one with New, call Init once, and
// Cleanup on shutdown.
type Driver struct {
	log      logr.Logger
	backends *Registry
	pools    *PoolStore
	defs     DefStore
	access   AccessChecker

	resolver   *storagefile.Resolver
	fileUID    int
	fileGID    int
	allowProbe bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(log logr.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// WithAccessChecker installs an access control hook.
func WithAccessChecker(ac AccessChecker) Option {
	return func(d *Driver) { d.access = ac }
}

// WithResolver sets the backing chain resolver.
func WithResolver(r *storagefile.Resolver) Option {
	return func(d *Driver) { d.resolver = r }
}

// WithFileOwner sets the identity backing chains are inspected as.
func WithFileOwner(uid, gid int) Option {
	return func(d *Driver) { d.fileUID, d.fileGID = uid, gid }
}

// WithProbing allows format probing of images whose format is unknown.
func WithProbing(allow bool) Option {
	return func(d *Driver) { d.allowProbe = allow }
}

// New returns a driver dispatching to the backends in registry and
// persisting definitions through defs.
func New(registry *Registry, defs DefStore, opts ...Option) *Driver {
	d := &Driver{
		log:      logr.Discard(),
		backends: registry,
		pools:    NewPoolStore(),
		defs:     defs,
		access:   AllowAll,
		fileUID:  -1,
		fileGID:  -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.resolver == nil {
		d.resolver = storagefile.NewResolver(storagefile.WithLogger(d.log.WithName("chain")))
	}
	return d
}

// Pools returns the driver's pool store.
func (d *Driver) Pools() *PoolStore { return d.pools }

// Init loads persistent definitions and restores pools that were active
// when the previous instance stopped. Unreadable definitions are logged and
// skipped.
func (d *Driver) Init(ctx context.Context) error {
	if err := d.loadConfigs(); err != nil {
		return err
	}

	states, err := d.defs.LoadStates()
	if err != nil {
		return errors.Annotate(err, "failed to load pool state")
	}
	for _, def := range states {
		d.restoreState(ctx, def)
	}

	d.log.Info("storage driver initialized", "pools", d.pools.Len())
	return nil
}

// Reload picks up new and changed config files and autostarts pools.
func (d *Driver) Reload(ctx context.Context) error {
	if err := d.loadConfigs(); err != nil {
		return err
	}
	d.Autostart(ctx)
	return nil
}

// Cleanup forgets all pools. Running storage is left running.
func (d *Driver) Cleanup() {
	d.pools.clear()
}

// Autostart starts every inactive pool marked for autostart. Failures are
// logged and leave the pool inactive.
func (d *Driver) Autostart(ctx context.Context) {
	d.pools.ForEach(func(p *Pool) {
		if !p.autostart || p.active() {
			return
		}
		if err := d.startLocked(ctx, p, 0); err != nil {
			d.log.Error(err, "failed to autostart storage pool", "pool", p.def.Name)
			return
		}
		d.log.Info("autostarted storage pool", "pool", p.def.Name)
	})
}

func (d *Driver) loadConfigs() error {
	configs, err := d.defs.LoadConfigs()
	if err != nil {
		return errors.Annotate(err, "failed to load pool configs")
	}
	for _, cfg := range configs {
		if err := d.loadConfig(cfg); err != nil {
			d.log.Error(err, "skipping pool config", "file", cfg.ConfigFile)
		}
	}
	return nil
}

func (d *Driver) loadConfig(cfg PersistedPool) error {
	p, created, err := d.pools.assign(cfg.Def)
	if err != nil {
		return err
	}
	defer p.Unlock()

	if !created {
		d.redefine(p, cfg.Def)
	}
	p.configFile = cfg.ConfigFile
	p.autostartLink = cfg.AutostartLink
	p.autostart = cfg.Autostart
	return nil
}

// restoreState re-adopts a pool recorded as active. The pool is active
// again only if its backend confirms the storage is still running.
func (d *Driver) restoreState(ctx context.Context, def *pooldef.PoolDef) {
	log := d.log.WithValues("pool", def.Name)

	p, created, err := d.pools.assign(def)
	if err != nil {
		log.Error(err, "discarding pool state")
		d.deleteState(def.Name)
		return
	}
	defer p.Unlock()

	if !created && p.def != def {
		// the running definition wins; the config becomes pending
		p.newDef = p.def
		p.def = def
		d.pools.update(p)
	}

	active := false
	backend, err := d.backendFor(p)
	if err == nil {
		if checker, ok := backend.(PoolChecker); ok {
			if active, err = checker.CheckPool(ctx, p); err != nil {
				log.Error(err, "failed to check pool state")
				active = false
			}
		}
	}

	if active {
		p.clearVolumes()
		p.resetSizes()
		if err := backend.RefreshPool(ctx, p); err != nil {
			log.Error(err, "failed to refresh restored pool")
			d.stopQuietly(ctx, backend, p)
			active = false
		}
	}

	if active {
		_ = p.setState(runningState)
		log.V(1).Info("restored active pool")
		return
	}

	p.clearVolumes()
	d.deleteState(p.def.Name)
	if !p.persistent() {
		d.pools.remove(p)
		return
	}
	d.promoteNewDef(p)
}

// redefine applies a new definition to an existing pool with the same
// identity. Active pools keep running on their current definition.
func (d *Driver) redefine(p *Pool, def *pooldef.PoolDef) {
	if p.active() {
		p.newDef = def
		return
	}
	def.Capacity, def.Allocation, def.Available = p.def.Capacity, p.def.Allocation, p.def.Available
	p.def = def
	p.newDef = nil
	d.pools.update(p)
}

func (d *Driver) promoteNewDef(p *Pool) {
	if p.newDef == nil {
		return
	}
	p.def = p.newDef
	p.newDef = nil
	d.pools.update(p)
}

func (d *Driver) backendFor(p *Pool) (Backend, error) {
	return d.backends.Lookup(p.def.Type)
}

// lookupPool returns the named pool locked. Missing and denied pools are
// both NotFound.
func (d *Driver) lookupPool(ctx context.Context, name string, perm Perm) (*Pool, error) {
	p := d.pools.FindByName(name)
	if p == nil {
		return nil, storageerrors.NotFoundf("storage pool %q", name)
	}
	if !d.access.Allowed(ctx, perm, p.def) {
		p.Unlock()
		return nil, storageerrors.NotFoundf("storage pool %q", name)
	}
	return p, nil
}

// lookupActivePool is lookupPool for operations that need a running pool.
func (d *Driver) lookupActivePool(ctx context.Context, name string, perm Perm) (*Pool, error) {
	p, err := d.lookupPool(ctx, name, perm)
	if err != nil {
		return nil, err
	}
	if !p.active() {
		p.Unlock()
		return nil, storageerrors.InvalidStatef("storage pool %q is not active", name)
	}
	return p, nil
}

func checkNoAsyncJobs(p *Pool) error {
	if p.asyncJobs > 0 {
		return storageerrors.InvalidStatef("pool %q has asynchronous jobs running", p.def.Name)
	}
	return nil
}

func (d *Driver) saveState(p *Pool) {
	if err := d.defs.SaveState(p.def); err != nil {
		d.log.Error(err, "failed to save pool state", "pool", p.def.Name)
	}
}

func (d *Driver) deleteState(name string) {
	if err := d.defs.DeleteState(name); err != nil {
		d.log.Error(err, "failed to delete pool state", "pool", name)
	}
}
