package disk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/digitalocean/go-libvirt"
	"golang.org/x/sys/unix"

	"github.com/jbweber/poold/internal/imagefmt"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

// BuildVol creates the volume's file. Raw files are sparse up to the
// capacity with the allocation preallocated; other formats are made by
// qemu-img, optionally on top of a backing image.
func (b *Backend) BuildVol(ctx context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, flags libvirt.StorageVolCreateFlags) error {
	if err := checkAbsent(vol.Target.Path); err != nil {
		return err
	}
	format, err := volumeFormat(vol)
	if err != nil {
		return err
	}

	switch format {
	case imagefmt.FormatDir:
		if err := os.Mkdir(vol.Target.Path, defaultDirMode); err != nil {
			return storageerrors.NewIOError(err, "cannot create directory %s", vol.Target.Path)
		}
		return applyPerms(vol.Target.Path, vol.Target.Perms, defaultDirMode)
	case imagefmt.FormatRaw:
		if vol.Backing != nil {
			return storageerrors.InvalidArgumentf("raw volume %q cannot have a backing store", vol.Name)
		}
		err = b.createRaw(vol)
	default:
		err = b.qemuImgCreate(ctx, vol, format, flags)
	}
	if err != nil {
		_ = os.Remove(vol.Target.Path)
		return err
	}

	if err := applyPerms(vol.Target.Path, vol.Target.Perms, defaultFileMode); err != nil {
		_ = os.Remove(vol.Target.Path)
		return err
	}
	return nil
}

// checkAbsent fails with AlreadyExists when something is already at path.
// It runs before any other check, so every other build error means the
// target did not exist beforehand.
func checkAbsent(path string) error {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return storageerrors.AlreadyExistsf("file %s", path)
	case !errors.Is(err, fs.ErrNotExist):
		return storageerrors.NewIOError(err, "cannot stat %s", path)
	}
	return nil
}

func (b *Backend) createRaw(vol *pooldef.VolDef) error {
	f, err := os.OpenFile(vol.Target.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFileMode)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot create %s", vol.Target.Path)
	}
	defer f.Close()

	if err := f.Truncate(int64(vol.Target.Capacity)); err != nil {
		return storageerrors.NewIOError(err, "cannot size %s", vol.Target.Path)
	}
	if vol.Target.Allocation > 0 {
		if err := preallocate(f, vol.Target.Allocation); err != nil {
			return storageerrors.NewIOError(err, "cannot preallocate %s", vol.Target.Path)
		}
	}
	return nil
}

// preallocate reserves the first n bytes of f. File systems without
// fallocate get the file sparse.
func preallocate(f *os.File, n uint64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, int64(n))
	if errors.Is(err, unix.EOPNOTSUPP) {
		return nil
	}
	return err
}

func (b *Backend) qemuImgCreate(ctx context.Context, vol *pooldef.VolDef, format imagefmt.Format, flags libvirt.StorageVolCreateFlags) error {
	args := []string{"create", "-f", string(format)}
	if flags&libvirt.StorageVolCreatePreallocMetadata != 0 {
		if format != imagefmt.FormatQCOW2 {
			return storageerrors.Unsupportedf("metadata preallocation for format %q", format)
		}
		args = append(args, "-o", "preallocation=metadata")
	}

	if back := vol.Backing; back != nil {
		if !format.HasBackingSupport() {
			return storageerrors.InvalidArgumentf("format %q does not support backing stores", format)
		}
		backFormat := back.Format
		if backFormat == "" {
			meta, err := imagefmt.DetectFile(back.Path)
			if err != nil {
				return storageerrors.NewIOError(err, "cannot probe backing store %s", back.Path)
			}
			backFormat = string(meta.Format)
		}
		args = append(args, "-b", back.Path, "-F", backFormat)
	}

	args = append(args, vol.Target.Path)
	if vol.Target.Capacity > 0 || vol.Backing == nil {
		args = append(args, strconv.FormatUint(vol.Target.Capacity, 10))
	}

	if _, err := b.run.Run(ctx, b.qemuImg, args...); err != nil {
		return storageerrors.NewIOError(err, "cannot create volume %q", vol.Name)
	}
	return nil
}

// BuildVolFrom creates vol as a copy of src. Raw to raw is copied
// directly; anything else is converted by qemu-img. The copy is grown to
// vol's capacity when that is larger.
func (b *Backend) BuildVolFrom(ctx context.Context, _ *pooldef.PoolDef, vol, src *pooldef.VolDef, _ libvirt.StorageVolCreateFlags) error {
	if err := checkAbsent(vol.Target.Path); err != nil {
		return err
	}
	dstFormat, err := volumeFormat(vol)
	if err != nil {
		return err
	}
	if dstFormat == imagefmt.FormatDir {
		return storageerrors.Unsupportedf("cloning directory volumes")
	}
	srcFormat := imagefmt.Format(src.Target.Format)
	if srcFormat == imagefmt.FormatNone {
		srcFormat = imagefmt.FormatRaw
	}

	if dstFormat == imagefmt.FormatRaw && srcFormat == imagefmt.FormatRaw {
		err = copyRaw(ctx, src.Target.Path, vol.Target.Path, vol.Target.Capacity)
	} else {
		err = b.qemuImgConvert(ctx, src, vol, srcFormat, dstFormat)
	}
	if err != nil {
		_ = os.Remove(vol.Target.Path)
		return err
	}

	if err := applyPerms(vol.Target.Path, vol.Target.Perms, defaultFileMode); err != nil {
		_ = os.Remove(vol.Target.Path)
		return err
	}
	return nil
}

func copyRaw(ctx context.Context, srcPath, dstPath string, capacity uint64) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot open %s", srcPath)
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFileMode)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot create %s", dstPath)
	}
	defer out.Close()

	if err := copyN(ctx, out, in, 0); err != nil {
		return storageerrors.NewIOError(err, "cannot copy %s to %s", srcPath, dstPath)
	}
	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot size %s", dstPath)
	}
	if uint64(size) < capacity {
		if err := out.Truncate(int64(capacity)); err != nil {
			return storageerrors.NewIOError(err, "cannot grow %s", dstPath)
		}
	}
	if err := out.Sync(); err != nil {
		return storageerrors.NewIOError(err, "cannot sync %s", dstPath)
	}
	return nil
}

func (b *Backend) qemuImgConvert(ctx context.Context, src, vol *pooldef.VolDef, srcFormat, dstFormat imagefmt.Format) error {
	_, err := b.run.Run(ctx, b.qemuImg, "convert",
		"-f", string(srcFormat), "-O", string(dstFormat),
		src.Target.Path, vol.Target.Path)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot convert %s to %s", src.Target.Path, vol.Target.Path)
	}

	if vol.Target.Capacity > src.Target.Capacity {
		_, err := b.run.Run(ctx, b.qemuImg, "resize", "-f", string(dstFormat),
			vol.Target.Path, strconv.FormatUint(vol.Target.Capacity, 10))
		if err != nil {
			return storageerrors.NewIOError(err, "cannot grow %s", vol.Target.Path)
		}
	}
	return nil
}

// ResizeVol sets the volume's capacity. Raw files are truncated, or
// preallocated with StorageVolResizeAllocate; other formats go through
// qemu-img resize.
func (b *Backend) ResizeVol(ctx context.Context, _ *storage.Pool, vol *pooldef.VolDef, capacity uint64, flags libvirt.StorageVolResizeFlags) error {
	format, err := volumeFormat(vol)
	if err != nil {
		return err
	}

	switch format {
	case imagefmt.FormatDir:
		return storageerrors.Unsupportedf("resizing directory volumes")
	case imagefmt.FormatRaw:
		return resizeRaw(vol.Target.Path, capacity, flags&libvirt.StorageVolResizeAllocate != 0)
	}

	if flags&libvirt.StorageVolResizeAllocate != 0 {
		return storageerrors.Unsupportedf("preallocating %s volumes on resize", format)
	}
	args := []string{"resize"}
	if flags&libvirt.StorageVolResizeShrink != 0 {
		args = append(args, "--shrink")
	}
	args = append(args, "-f", string(format), vol.Target.Path, strconv.FormatUint(capacity, 10))
	if _, err := b.run.Run(ctx, b.qemuImg, args...); err != nil {
		return storageerrors.NewIOError(err, "cannot resize %s", vol.Target.Path)
	}
	return nil
}

func resizeRaw(path string, capacity uint64, allocate bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot open %s", path)
	}
	defer f.Close()

	if allocate {
		if err := preallocate(f, capacity); err != nil {
			return storageerrors.NewIOError(err, "cannot preallocate %s", path)
		}
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		return storageerrors.NewIOError(err, "cannot resize %s", path)
	}
	return nil
}
