package disk

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/digitalocean/go-libvirt"
	"golang.org/x/sys/unix"

	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

// wipeChunk is the write size used when overwriting volumes.
const wipeChunk = 1 << 20

// scrubPatterns maps wipe algorithms to scrub(1) pattern names.
var scrubPatterns = map[libvirt.StorageVolWipeAlgorithm]string{
	libvirt.StorageVolWipeAlgNnsa:       "nnsa",
	libvirt.StorageVolWipeAlgDod:        "dod",
	libvirt.StorageVolWipeAlgBsi:        "bsi",
	libvirt.StorageVolWipeAlgGutmann:    "gutmann",
	libvirt.StorageVolWipeAlgSchneier:   "schneier",
	libvirt.StorageVolWipeAlgPfitzner7:  "pfitzner7",
	libvirt.StorageVolWipeAlgPfitzner33: "pfitzner33",
}

// Upload writes r into the file or device at path starting at offset. A
// zero length copies until r is exhausted.
func Upload(ctx context.Context, path string, r io.Reader, offset, length uint64) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot open %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return storageerrors.NewIOError(err, "cannot seek %s to %d", path, offset)
	}
	if err := copyN(ctx, f, r, length); err != nil {
		return storageerrors.NewIOError(err, "cannot write %s", path)
	}
	if err := f.Sync(); err != nil {
		return storageerrors.NewIOError(err, "cannot sync %s", path)
	}
	return nil
}

// Download copies the file or device at path from offset into w. A zero
// length copies to the end.
func Download(ctx context.Context, path string, w io.Writer, offset, length uint64) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot open %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return storageerrors.NewIOError(err, "cannot seek %s to %d", path, offset)
	}
	if err := copyN(ctx, w, f, length); err != nil {
		return storageerrors.NewIOError(err, "cannot read %s", path)
	}
	return nil
}

// checkRange rejects transfers whose end is not addressable as a file
// offset.
func checkRange(offset, length uint64) error {
	if offset > math.MaxInt64 || length > math.MaxInt64-offset {
		return storageerrors.InvalidArgumentf("transfer of %d bytes at offset %d is out of range", length, offset)
	}
	return nil
}

// copyN copies length bytes, or everything when length is zero, checking
// ctx between chunks.
func copyN(ctx context.Context, dst io.Writer, src io.Reader, length uint64) error {
	if length > 0 {
		src = io.LimitReader(src, int64(length))
	}
	buf := make([]byte, wipeChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Wipe destroys the contents of the file or device at path. Zero and
// random are single passes written here; trim punches holes in files and
// discards blocks on devices; the multi-pass patterns run scrub.
func Wipe(ctx context.Context, run Runner, path string, alg libvirt.StorageVolWipeAlgorithm) error {
	if pattern, ok := scrubPatterns[alg]; ok {
		if _, err := run.Run(ctx, "scrub", "-f", "-p", pattern, path); err != nil {
			return storageerrors.NewIOError(err, "cannot wipe %s", path)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot open %s", path)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot size %s", path)
	}

	switch alg {
	case libvirt.StorageVolWipeAlgZero:
		err = overwrite(ctx, f, size, zeroReader{})
	case libvirt.StorageVolWipeAlgRandom:
		err = overwrite(ctx, f, size, rand.Reader)
	case libvirt.StorageVolWipeAlgTrim:
		err = trim(ctx, run, f, path, size)
	default:
		return storageerrors.Unsupportedf("wipe algorithm %d", alg)
	}
	if err != nil {
		return storageerrors.NewIOError(err, "cannot wipe %s", path)
	}
	return nil
}

func overwrite(ctx context.Context, f *os.File, size int64, src io.Reader) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if size > 0 {
		if err := copyN(ctx, f, src, uint64(size)); err != nil {
			return err
		}
	}
	return f.Sync()
}

func trim(ctx context.Context, run Runner, f *os.File, path string, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeDevice != 0 {
		_, err := run.Run(ctx, "blkdiscard", path)
		return err
	}
	if size == 0 {
		return nil
	}
	err = unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err == unix.EOPNOTSUPP {
		return fmt.Errorf("filesystem does not support hole punching: %w", err)
	}
	return err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
