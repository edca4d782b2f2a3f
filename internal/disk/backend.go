// Package disk implements the directory pool backend. A dir pool is a
// directory on a mounted file system; each regular file or subdirectory in
// it is a volume.
//
// Raw images are created and copied directly. Other formats go through
// qemu-img, run via a Runner so tests never exec.
package disk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/jbweber/poold/internal/imagefmt"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

const (
	// DefaultQemuImg is the qemu-img binary looked up in PATH.
	DefaultQemuImg = "qemu-img"

	defaultDirMode  = 0o755
	defaultFileMode = 0o600
)

// Backend serves pools of type dir.
type Backend struct {
	log     logr.Logger
	run     Runner
	qemuImg string
}

var (
	_ storage.PoolChecker    = (*Backend)(nil)
	_ storage.PoolStarter    = (*Backend)(nil)
	_ storage.PoolBuilder    = (*Backend)(nil)
	_ storage.PoolDeleter    = (*Backend)(nil)
	_ storage.VolCreator     = (*Backend)(nil)
	_ storage.VolBuilder     = (*Backend)(nil)
	_ storage.VolFromBuilder = (*Backend)(nil)
	_ storage.VolDeleter     = (*Backend)(nil)
	_ storage.VolRefresher   = (*Backend)(nil)
	_ storage.VolResizer     = (*Backend)(nil)
	_ storage.VolWiper       = (*Backend)(nil)
	_ storage.VolUploader    = (*Backend)(nil)
	_ storage.VolDownloader  = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend's logger.
func WithLogger(log logr.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(b *Backend) { b.run = r }
}

// WithQemuImg sets the qemu-img binary.
func WithQemuImg(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.qemuImg = path
		}
	}
}

// New returns a dir backend.
func New(opts ...Option) *Backend {
	b := &Backend{log: logr.Discard(), qemuImg: DefaultQemuImg}
	for _, opt := range opts {
		opt(b)
	}
	if b.run == nil {
		b.run = ExecRunner{Log: b.log}
	}
	return b
}

func (b *Backend) Type() pooldef.PoolType { return pooldef.PoolTypeDir }

// CheckPool reports whether the pool directory exists.
func (b *Backend) CheckPool(_ context.Context, pool *storage.Pool) (bool, error) {
	info, err := os.Stat(pool.Def().Target.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, storageerrors.NewIOError(err, "cannot stat %s", pool.Def().Target.Path)
	}
	return info.IsDir(), nil
}

// StartPool requires the pool directory to exist.
func (b *Backend) StartPool(ctx context.Context, pool *storage.Pool) error {
	ok, err := b.CheckPool(ctx, pool)
	if err != nil {
		return err
	}
	if !ok {
		return storageerrors.NewIOError(unix.ENOENT, "pool directory %s does not exist", pool.Def().Target.Path)
	}
	return nil
}

// BuildPool creates the pool directory with the target permissions. With
// NoOverwrite an existing directory is an error.
func (b *Backend) BuildPool(_ context.Context, pool *storage.Pool, flags libvirt.StoragePoolBuildFlags) error {
	target := pool.Def().Target
	info, err := os.Stat(target.Path)
	switch {
	case err == nil && !info.IsDir():
		return storageerrors.InvalidArgumentf("%s exists and is not a directory", target.Path)
	case err == nil && flags&libvirt.StoragePoolBuildNoOverwrite != 0:
		return storageerrors.AlreadyExistsf("pool directory %s", target.Path)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return storageerrors.NewIOError(err, "cannot stat %s", target.Path)
	}

	if err := os.MkdirAll(target.Path, defaultDirMode); err != nil {
		return storageerrors.NewIOError(err, "cannot create %s", target.Path)
	}
	return applyPerms(target.Path, target.Perms, defaultDirMode)
}

// DeletePool removes the now empty pool directory.
func (b *Backend) DeletePool(_ context.Context, pool *storage.Pool, _ libvirt.StoragePoolDeleteFlags) error {
	path := pool.Def().Target.Path
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageerrors.NewIOError(err, "cannot remove %s", path)
	}
	return nil
}

// RefreshPool lists the volumes in the pool directory and reads the file
// system's size.
func (b *Backend) RefreshPool(_ context.Context, pool *storage.Pool) error {
	def := pool.Def()
	entries, err := os.ReadDir(def.Target.Path)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot read pool directory %s", def.Target.Path)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() && !e.IsDir() {
			continue
		}
		path := filepath.Join(def.Target.Path, e.Name())
		vol := &pooldef.VolDef{Name: e.Name(), Key: path, Type: pooldef.VolTypeFile}
		vol.Target.Path = path
		if e.IsDir() {
			vol.Type = pooldef.VolTypeDir
			vol.Target.Format = string(imagefmt.FormatDir)
		}
		if err := b.inspect(vol); err != nil {
			// files vanishing mid-scan are not an error
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			b.log.V(1).Info("skipping unreadable volume", "pool", def.Name, "path", path, "error", err.Error())
			continue
		}
		pool.AddVolume(vol)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(def.Target.Path, &st); err != nil {
		return storageerrors.NewIOError(err, "cannot statfs %s", def.Target.Path)
	}
	bsize := uint64(st.Bsize)
	def.Capacity = st.Blocks * bsize
	def.Available = st.Bavail * bsize
	def.Allocation = (st.Blocks - st.Bfree) * bsize
	return nil
}

// inspect fills a volume's sizes and format from the file on disk.
func (b *Backend) inspect(vol *pooldef.VolDef) error {
	var st unix.Stat_t
	if err := unix.Stat(vol.Target.Path, &st); err != nil {
		return err
	}
	vol.Target.Allocation = uint64(st.Blocks) * 512
	vol.Target.Capacity = uint64(st.Size)
	if vol.Type == pooldef.VolTypeDir {
		return nil
	}

	meta, err := imagefmt.DetectFile(vol.Target.Path)
	if err != nil {
		return err
	}
	vol.Target.Format = string(meta.Format)
	if meta.Capacity > 0 {
		vol.Target.Capacity = meta.Capacity
	}
	vol.Backing = nil
	if meta.BackingPath != "" {
		vol.Backing = &pooldef.BackingStore{Path: meta.BackingPath}
		if meta.BackingFormat != imagefmt.FormatAuto {
			vol.Backing.Format = string(meta.BackingFormat)
		}
	}
	vol.Target.Label = meta.Label
	return nil
}

// RefreshVol re-reads one volume from disk.
func (b *Backend) RefreshVol(_ context.Context, _ *storage.Pool, vol *pooldef.VolDef) error {
	if err := b.inspect(vol); err != nil {
		return storageerrors.NewIOError(err, "cannot inspect %s", vol.Target.Path)
	}
	return nil
}

// CreateVol assigns the volume's path and key. The file itself is made by
// BuildVol.
func (b *Backend) CreateVol(_ context.Context, pool *storage.Pool, vol *pooldef.VolDef) error {
	if vol.Type == pooldef.VolTypeBlock || vol.Type == pooldef.VolTypeNetwork {
		return storageerrors.InvalidArgumentf("dir pools cannot hold %s volumes", vol.Type)
	}
	if _, err := volumeFormat(vol); err != nil {
		return err
	}
	vol.Target.Path = filepath.Join(pool.Def().Target.Path, vol.Name)
	vol.Key = vol.Target.Path
	return nil
}

// DeleteVol removes the volume's file or directory.
func (b *Backend) DeleteVol(_ context.Context, _ *storage.Pool, vol *pooldef.VolDef, _ libvirt.StorageVolDeleteFlags) error {
	var err error
	if vol.Type == pooldef.VolTypeDir {
		err = os.RemoveAll(vol.Target.Path)
	} else {
		err = os.Remove(vol.Target.Path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageerrors.NewIOError(err, "cannot remove %s", vol.Target.Path)
	}
	return nil
}

// WipeVol overwrites the volume's file.
func (b *Backend) WipeVol(ctx context.Context, _ *storage.Pool, vol *pooldef.VolDef, alg libvirt.StorageVolWipeAlgorithm) error {
	if vol.Type == pooldef.VolTypeDir {
		return storageerrors.Unsupportedf("wiping directory volumes")
	}
	return Wipe(ctx, b.run, vol.Target.Path, alg)
}

// UploadVol writes into the volume's file.
func (b *Backend) UploadVol(ctx context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, r io.Reader, offset, length uint64) error {
	return Upload(ctx, vol.Target.Path, r, offset, length)
}

// DownloadVol reads from the volume's file.
func (b *Backend) DownloadVol(ctx context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, w io.Writer, offset, length uint64) error {
	return Download(ctx, vol.Target.Path, w, offset, length)
}

// applyPerms sets mode and ownership from perms; unset fields keep def or
// the current owner.
func applyPerms(path string, perms pooldef.Permissions, def uint32) error {
	if err := os.Chmod(path, os.FileMode(perms.FileMode(def))); err != nil {
		return storageerrors.NewIOError(err, "cannot chmod %s", path)
	}
	uid, gid := perms.UID(), perms.GID()
	if uid == -1 && gid == -1 {
		return nil
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return storageerrors.NewIOError(err, "cannot chown %s to %d:%d", path, uid, gid)
	}
	return nil
}

func volumeFormat(vol *pooldef.VolDef) (imagefmt.Format, error) {
	if vol.Type == pooldef.VolTypeDir {
		return imagefmt.FormatDir, nil
	}
	f, err := imagefmt.ParseFormat(vol.Target.Format)
	if err != nil {
		return "", storageerrors.InvalidArgumentf("volume %q: %v", vol.Name, err)
	}
	switch f {
	case imagefmt.FormatNone, imagefmt.FormatRaw:
		return imagefmt.FormatRaw, nil
	case imagefmt.FormatQCOW2, imagefmt.FormatQED, imagefmt.FormatVMDK, imagefmt.FormatQCOW, imagefmt.FormatISO:
		return f, nil
	}
	return "", storageerrors.InvalidArgumentf("cannot create volumes of format %q", f)
}
