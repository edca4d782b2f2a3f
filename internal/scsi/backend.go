// Package scsi implements the SCSI pool backend. A scsi pool is one SCSI
// host adapter; every disk or CD-ROM LUN behind it is a block volume.
// Volumes are discovered through sysfs and cannot be created or deleted.
//
// fc_host adapters name a vHBA by WWNN and WWPN. Starting the pool creates
// the vHBA through its parent host when it does not exist yet.
package scsi

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/poold/internal/disk"
	"github.com/jbweber/poold/internal/naming"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

const (
	// DefaultScsiID is udev's SCSI identification helper.
	DefaultScsiID = "/lib/udev/scsi_id"

	// DefaultDevDir is where the kernel's block devices appear.
	DefaultDevDir = "/dev"
)

// Backend serves pools of type scsi.
type Backend struct {
	log    logr.Logger
	run    disk.Runner
	sys    sysfs
	devDir string
	scsiID string
}

var (
	_ storage.PoolChecker   = (*Backend)(nil)
	_ storage.PoolStarter   = (*Backend)(nil)
	_ storage.PoolStopper   = (*Backend)(nil)
	_ storage.SourceFinder  = (*Backend)(nil)
	_ storage.VolWiper      = (*Backend)(nil)
	_ storage.VolUploader   = (*Backend)(nil)
	_ storage.VolDownloader = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend's logger.
func WithLogger(log logr.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// WithRunner replaces the command runner used for scsi_id and udevadm.
func WithRunner(r disk.Runner) Option {
	return func(b *Backend) { b.run = r }
}

// WithSysfsRoot reads sysfs below root instead of /sys.
func WithSysfsRoot(root string) Option {
	return func(b *Backend) {
		if root != "" {
			b.sys.root = root
		}
	}
}

// WithDevDir looks for block devices in dir instead of /dev.
func WithDevDir(dir string) Option {
	return func(b *Backend) {
		if dir != "" {
			b.devDir = dir
		}
	}
}

// WithScsiID sets the scsi_id binary.
func WithScsiID(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.scsiID = path
		}
	}
}

// New returns a scsi backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		log:    logr.Discard(),
		sys:    sysfs{root: DefaultSysfsRoot},
		devDir: DefaultDevDir,
		scsiID: DefaultScsiID,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.run == nil {
		b.run = disk.ExecRunner{Log: b.log}
	}
	return b
}

func (b *Backend) Type() pooldef.PoolType { return pooldef.PoolTypeSCSI }

// adapterHost resolves the pool's adapter to a SCSI host number. Found is
// false for an fc_host whose vHBA does not exist.
func (b *Backend) adapterHost(def *pooldef.PoolDef) (host uint32, found bool, err error) {
	a := def.Source.Adapter
	if a == nil {
		return 0, false, storageerrors.InvalidArgumentf("pool %q has no source adapter", def.Name)
	}

	name := a.Name
	if a.Type == pooldef.AdapterFCHost {
		var ok bool
		name, ok, err = b.sys.fcHostByWWN(a.WWNN, a.WWPN)
		if err != nil {
			return 0, false, storageerrors.NewIOError(err, "cannot search fc_host adapters")
		}
		if !ok {
			return 0, false, nil
		}
	}

	host, err = naming.HostNumber(name)
	if err != nil {
		return 0, false, storageerrors.InvalidArgumentf("%v", err)
	}
	return host, true, nil
}

// CheckPool reports whether the adapter's SCSI host exists.
func (b *Backend) CheckPool(_ context.Context, pool *storage.Pool) (bool, error) {
	host, found, err := b.adapterHost(pool.Def())
	if err != nil || !found {
		return false, err
	}
	ok, err := b.sys.hostExists(host)
	if err != nil {
		return false, storageerrors.NewIOError(err, "cannot stat scsi host%d", host)
	}
	return ok, nil
}

// StartPool creates the vHBA of an fc_host adapter when it is missing.
// Without a named parent the first vport-capable host is used.
func (b *Backend) StartPool(ctx context.Context, pool *storage.Pool) error {
	a := pool.Def().Source.Adapter
	if a == nil || a.Type != pooldef.AdapterFCHost {
		return nil
	}
	if _, found, err := b.sys.fcHostByWWN(a.WWNN, a.WWPN); err != nil {
		return storageerrors.NewIOError(err, "cannot search fc_host adapters")
	} else if found {
		return nil
	}

	parent := a.Parent
	if parent == "" {
		var ok bool
		if parent, ok = b.sys.vportCapable(); !ok {
			return storageerrors.InvalidArgumentf("'parent' for vHBA not specified, and cannot find one on this host")
		}
	}
	host, err := naming.HostNumber(parent)
	if err != nil {
		return storageerrors.InvalidArgumentf("%v", err)
	}

	b.log.Info("creating vHBA", "pool", pool.Name(), "parent", parent, "wwpn", a.WWPN)
	if err := b.sys.manageVport(host, a.WWPN, a.WWNN, vportCreate); err != nil {
		return storageerrors.NewIOError(err, "cannot create vHBA on %s", parent)
	}
	b.settle(ctx)
	return nil
}

// StopPool deletes the vHBA of an fc_host adapter with a named parent.
// Adapters without a parent are physical HBAs and are left alone.
func (b *Backend) StopPool(_ context.Context, pool *storage.Pool) error {
	a := pool.Def().Source.Adapter
	if a == nil || a.Type != pooldef.AdapterFCHost || a.Parent == "" {
		return nil
	}
	if _, found, err := b.sys.fcHostByWWN(a.WWNN, a.WWPN); err != nil {
		return storageerrors.NewIOError(err, "cannot search fc_host adapters")
	} else if !found {
		b.log.Info("vHBA already gone", "pool", pool.Name(), "wwpn", a.WWPN)
		return nil
	}

	host, err := naming.HostNumber(a.Parent)
	if err != nil {
		return storageerrors.InvalidArgumentf("%v", err)
	}
	if err := b.sys.manageVport(host, a.WWPN, a.WWNN, vportDelete); err != nil {
		return storageerrors.NewIOError(err, "cannot delete vHBA on %s", a.Parent)
	}
	return nil
}

// RefreshPool rescans the adapter's host and lists its LUNs.
func (b *Backend) RefreshPool(ctx context.Context, pool *storage.Pool) error {
	def := pool.Def()
	def.Capacity, def.Allocation, def.Available = 0, 0, 0

	host, found, err := b.adapterHost(def)
	if err != nil {
		return err
	}
	if !found {
		return storageerrors.NotFoundf("fc_host adapter wwnn=%s wwpn=%s", def.Source.Adapter.WWNN, def.Source.Adapter.WWPN)
	}

	b.log.V(1).Info("scanning scsi host", "pool", def.Name, "host", host)
	if err := b.sys.rescan(host); err != nil {
		return storageerrors.NewIOError(err, "cannot trigger rescan of host%d", host)
	}
	b.settle(ctx)

	if err := b.findLUNs(ctx, pool, host); err != nil {
		return storageerrors.NewIOError(err, "cannot list LUNs of host%d", host)
	}
	return nil
}

// settle waits for udev to finish creating device links. Failure only
// means links may show up late.
func (b *Backend) settle(ctx context.Context) {
	if _, err := b.run.Run(ctx, "udevadm", "settle"); err != nil {
		b.log.V(1).Info("udevadm settle failed", "error", err.Error())
	}
}

type sourceList struct {
	XMLName xml.Name                       `xml:"sources"`
	Sources []libvirtxml.StoragePoolSource `xml:"source"`
}

// FindPoolSources lists the host's SCSI adapters as pool sources.
func (b *Backend) FindPoolSources(_ context.Context, _ string) (string, error) {
	hosts, err := b.sys.listHosts()
	if err != nil {
		return "", storageerrors.NewIOError(err, "cannot list scsi hosts")
	}
	list := sourceList{Sources: []libvirtxml.StoragePoolSource{}}
	for _, h := range hosts {
		list.Sources = append(list.Sources, libvirtxml.StoragePoolSource{
			Adapter: &libvirtxml.StoragePoolSourceAdapter{Type: string(pooldef.AdapterSCSIHost), Name: h},
		})
	}
	out, err := xml.MarshalIndent(list, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format source list: %w", err)
	}
	return string(out), nil
}

// WipeVol overwrites the LUN.
func (b *Backend) WipeVol(ctx context.Context, _ *storage.Pool, vol *pooldef.VolDef, alg libvirt.StorageVolWipeAlgorithm) error {
	return disk.Wipe(ctx, b.run, vol.Target.Path, alg)
}

// UploadVol writes into the LUN.
func (b *Backend) UploadVol(ctx context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, r io.Reader, offset, length uint64) error {
	return disk.Upload(ctx, vol.Target.Path, r, offset, length)
}

// DownloadVol reads from the LUN.
func (b *Backend) DownloadVol(ctx context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, w io.Writer, offset, length uint64) error {
	return disk.Download(ctx, vol.Target.Path, w, offset, length)
}
