package storagefile

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// mockFile wraps the local backend and fails selected operations.
type mockFile struct {
	*LocalFile
	path      string
	accessErr error
	deinits   *int
}

func (m *mockFile) Access(mode uint32) error {
	if m.accessErr != nil {
		return m.accessErr
	}
	return m.LocalFile.Access(mode)
}

func (m *mockFile) Deinit() {
	*m.deinits++
	m.LocalFile.Deinit()
}

// mockOpener returns an Opener that denies access to the paths in deny and
// counts Deinit calls.
func mockOpener(deny map[string]bool, deinits *int) Opener {
	return func(src *Source) File {
		m := &mockFile{
			LocalFile: NewLocalFile(src).(*LocalFile),
			path:      src.Path,
			deinits:   deinits,
		}
		if deny[src.Path] {
			m.accessErr = unix.EACCES
		}
		return m
	}
}

// headerOnlyFile is a backend without the identity operation.
type headerOnlyFile struct{}

func (headerOnlyFile) Init(int, int) error            { return nil }
func (headerOnlyFile) Deinit()                        {}
func (headerOnlyFile) ReadHeader(int) ([]byte, error) { return nil, nil }
func (headerOnlyFile) Access(uint32) error            { return nil }

// writeQCOW2 writes a minimal qcow2 v3 image of size bytes that references
// backing with the given format. Empty backing writes a standalone image.
func writeQCOW2(t *testing.T, path string, size uint64, backing, format string) {
	t.Helper()

	buf := make([]byte, 1024)
	copy(buf, []byte{0x51, 0x46, 0x49, 0xfb})
	binary.BigEndian.PutUint32(buf[4:], 3)
	binary.BigEndian.PutUint64(buf[24:], size)
	binary.BigEndian.PutUint32(buf[100:], 104)

	off := 104
	if format != "" {
		binary.BigEndian.PutUint32(buf[off:], 0xE2792ACA)
		binary.BigEndian.PutUint32(buf[off+4:], uint32(len(format)))
		copy(buf[off+8:], format)
		off += 8 + (len(format)+7)&^7
	}
	off += 8 // end of extensions

	if backing != "" {
		binary.BigEndian.PutUint64(buf[8:], uint64(off))
		binary.BigEndian.PutUint32(buf[16:], uint32(len(backing)))
		copy(buf[off:], backing)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func writeRaw(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func chainPaths(src *Source) []string {
	var out []string
	for _, s := range src.Chain() {
		out = append(out, filepath.Base(s.Path))
	}
	return out
}
