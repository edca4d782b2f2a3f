package storagefile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// File is a handle on one Source, valid between Init and Deinit.
type File interface {
	// Init prepares the handle for access as uid:gid. -1 keeps the
	// process's own identity.
	Init(uid, gid int) error
	Deinit()
}

// HeaderReader reads the leading bytes of an image.
type HeaderReader interface {
	ReadHeader(maxLen int) ([]byte, error)
}

// Identifier returns a canonical identity for an image, such that two
// sources naming the same image compare equal.
type Identifier interface {
	UniqueIdentifier() (string, error)
}

// Accessor checks access(2) style permissions.
type Accessor interface {
	Access(mode uint32) error
}

// Optional operations.
type (
	Chowner interface {
		Chown(uid, gid int) error
	}
	Creator interface {
		Create() error
	}
	Unlinker interface {
		Unlink() error
	}
	Stater interface {
		Stat() (os.FileInfo, error)
	}
)

// Opener returns a File for src.
type Opener func(src *Source) File

// DefaultBackends maps local source types onto the local file backend.
// Network sources have no backend.
func DefaultBackends() map[Type]Opener {
	return map[Type]Opener{
		TypeFile:  NewLocalFile,
		TypeBlock: NewLocalFile,
	}
}

// LocalFile is the File backend for images on the local file system.
type LocalFile struct {
	path     string
	uid, gid int
}

// NewLocalFile returns a local file handle for src.
func NewLocalFile(src *Source) File {
	return &LocalFile{path: src.Path, uid: -1, gid: -1}
}

func (f *LocalFile) Init(uid, gid int) error {
	f.uid, f.gid = uid, gid
	return nil
}

func (f *LocalFile) Deinit() {
	f.uid, f.gid = -1, -1
}

// Access checks mode against the file. When the handle was initialized with
// an identity other than the process's, read and write bits are checked
// against that identity from the file's mode.
func (f *LocalFile) Access(mode uint32) error {
	if err := unix.Access(f.path, unix.F_OK); err != nil {
		return err
	}
	if mode == unix.F_OK || !f.foreign() {
		return unix.Access(f.path, mode)
	}

	var st unix.Stat_t
	if err := unix.Stat(f.path, &st); err != nil {
		return err
	}
	if !accessibleAs(st, mode, f.uid, f.gid) {
		return unix.EACCES
	}
	return nil
}

func (f *LocalFile) foreign() bool {
	return (f.uid >= 0 && f.uid != os.Geteuid()) || (f.gid >= 0 && f.gid != os.Getegid())
}

func accessibleAs(st unix.Stat_t, mode uint32, uid, gid int) bool {
	if uid == 0 {
		return true
	}
	perm := st.Mode & 0o7
	switch {
	case uid >= 0 && st.Uid == uint32(uid):
		perm = (st.Mode >> 6) & 0o7
	case gid >= 0 && st.Gid == uint32(gid):
		perm = (st.Mode >> 3) & 0o7
	}
	return perm&mode == mode
}

func (f *LocalFile) ReadHeader(maxLen int) ([]byte, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()

	buf := make([]byte, maxLen)
	n, err := io.ReadFull(fh, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return buf[:n], nil
}

// UniqueIdentifier is the absolute path with all symlinks resolved.
func (f *LocalFile) UniqueIdentifier() (string, error) {
	resolved, err := filepath.EvalSymlinks(f.path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

func (f *LocalFile) Chown(uid, gid int) error {
	return os.Chown(f.path, uid, gid)
}

// Create makes an empty file, failing if one exists.
func (f *LocalFile) Create() error {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return fh.Close()
}

func (f *LocalFile) Unlink() error {
	return os.Remove(f.path)
}

func (f *LocalFile) Stat() (os.FileInfo, error) {
	return os.Stat(f.path)
}
