package disk

import (
	"context"
	"encoding/binary"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
)

// fakeRunner records commands instead of executing them. When touch is set
// the file is created on each run, standing in for qemu-img's output.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	err      error
	touch    string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, strings.Join(append([]string{name}, args...), " "))
	if f.err != nil {
		return nil, f.err
	}
	if f.touch != "" {
		if err := os.WriteFile(f.touch, nil, 0o600); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// testPool returns a dir pool rooted in a fresh temporary directory.
func testPool(t *testing.T) *storage.Pool {
	t.Helper()
	return storage.NewPool(&pooldef.PoolDef{
		Name:   "images",
		UUID:   "8f7c1a2b-3d4e-4f50-9a6b-7c8d9e0f1a2b",
		Type:   pooldef.PoolTypeDir,
		Target: pooldef.PoolTarget{Path: t.TempDir()},
	})
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

// qcow2Header returns a version 2 qcow2 header naming backing without a
// backing format extension.
func qcow2Header(size uint64, backing string) []byte {
	buf := make([]byte, 4096)
	copy(buf, []byte{0x51, 0x46, 0x49, 0xfb})
	binary.BigEndian.PutUint32(buf[4:], 2)
	binary.BigEndian.PutUint64(buf[24:], size)
	if backing != "" {
		const off = 80 // after the end-of-extensions marker at 72
		binary.BigEndian.PutUint64(buf[8:], off)
		binary.BigEndian.PutUint32(buf[16:], uint32(len(backing)))
		copy(buf[off:], backing)
	}
	return buf
}
