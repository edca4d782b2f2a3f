package storagefile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/jbweber/poold/internal/imagefmt"
)

func TestLocalFileOptionalOps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	f := NewLocalFile(NewLocal(TypeFile, path, imagefmt.FormatRaw))
	if err := f.Init(-1, -1); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer f.Deinit()

	creator, ok := f.(Creator)
	if !ok {
		t.Fatal("LocalFile does not implement Creator")
	}
	if err := creator.Create(); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := creator.Create(); !errors.Is(err, fs.ErrExist) {
		t.Errorf("second Create() error = %v, want ErrExist", err)
	}

	info, err := f.(Stater).Stat()
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 0 || !info.Mode().IsRegular() {
		t.Errorf("Stat() = size %d mode %v, want empty regular file", info.Size(), info.Mode())
	}

	// chown to our own identity always succeeds
	if err := f.(Chowner).Chown(os.Geteuid(), os.Getegid()); err != nil {
		t.Errorf("Chown() error = %v", err)
	}

	if err := f.(Accessor).Access(unix.F_OK); err != nil {
		t.Errorf("Access(F_OK) error = %v", err)
	}

	if err := f.(Unlinker).Unlink(); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("file still present after Unlink(): %v", err)
	}
	if err := f.(Accessor).Access(unix.F_OK); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Access(F_OK) after Unlink() = %v, want ENOENT", err)
	}
}

func TestAccessibleAs(t *testing.T) {
	st := unix.Stat_t{Uid: 1000, Gid: 2000, Mode: unix.S_IFREG | 0o640}

	tests := []struct {
		name     string
		mode     uint32
		uid, gid int
		want     bool
	}{
		{"owner read", unix.R_OK, 1000, 0, true},
		{"owner write", unix.W_OK, 1000, 0, true},
		{"group read", unix.R_OK, 3000, 2000, true},
		{"group write", unix.W_OK, 3000, 2000, false},
		{"other read", unix.R_OK, 3000, 3000, false},
		{"root", unix.R_OK | unix.W_OK, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := accessibleAs(st, tt.mode, tt.uid, tt.gid); got != tt.want {
				t.Errorf("accessibleAs() = %v, want %v", got, tt.want)
			}
		})
	}
}
