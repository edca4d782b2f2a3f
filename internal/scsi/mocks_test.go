package scsi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
)

// fakeRunner answers scsi_id from serials, keyed by device path, and
// records every command.
type fakeRunner struct {
	mu       sync.Mutex
	serials  map[string]string
	commands []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, strings.Join(append([]string{name}, args...), " "))
	if filepath.Base(name) != "scsi_id" {
		return nil, nil
	}
	dev := args[len(args)-1]
	serial, ok := f.serials[dev]
	if !ok {
		return nil, fmt.Errorf("scsi_id failed: exit status 1")
	}
	return []byte(serial + "\n"), nil
}

func (f *fakeRunner) ran(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fixture is a synthesized sysfs tree, device directory and pool target
// directory of stable links.
type fixture struct {
	t      *testing.T
	root   string
	dev    string
	target string
	run    *fakeRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		t:      t,
		root:   filepath.Join(base, "sys"),
		dev:    filepath.Join(base, "dev"),
		target: filepath.Join(base, "dev", "disk", "by-path"),
		run:    &fakeRunner{serials: map[string]string{}},
	}
	f.mkdir(f.target)
	f.mkdir(filepath.Join(f.root, "bus", "scsi", "devices"))
	f.mkdir(filepath.Join(f.root, "class", "scsi_host"))
	return f
}

func (f *fixture) backend() *Backend {
	return New(WithSysfsRoot(f.root), WithDevDir(f.dev), WithRunner(f.run), WithScsiID("/lib/udev/scsi_id"))
}

func (f *fixture) mkdir(path string) {
	f.t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) write(path, content string) {
	f.t.Helper()
	f.mkdir(filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) addHost(n int) {
	f.write(filepath.Join(f.root, "class", "scsi_host", fmt.Sprintf("host%d", n), "scan"), "")
}

// addLUN adds a LUN at addr (H:B:T:L) backed by block device dev with a
// stable link in the target directory. Old-style entries use block:dev.
func (f *fixture) addLUN(addr string, typ int, dev string, sectors uint64, oldStyle bool) {
	lunDir := filepath.Join(f.root, "bus", "scsi", "devices", addr)
	f.write(filepath.Join(lunDir, "type"), fmt.Sprintf("%d\n", typ))
	if oldStyle {
		f.mkdir(filepath.Join(lunDir, "block:"+dev))
	} else {
		f.mkdir(filepath.Join(lunDir, "block", dev))
	}
	f.write(filepath.Join(f.root, "class", "block", dev, "size"), fmt.Sprintf("%d\n", sectors))
	f.write(filepath.Join(f.dev, dev), "")
	if err := os.Symlink(filepath.Join(f.dev, dev), f.link(addr)); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) link(addr string) string {
	return filepath.Join(f.target, "pci-0000:00:1f.2-scsi-"+addr)
}

func (f *fixture) addFCHost(name, wwnn, wwpn string, maxVports, inUse int) {
	dir := filepath.Join(f.root, "class", "fc_host", name)
	f.write(filepath.Join(dir, "node_name"), "0x"+wwnn+"\n")
	f.write(filepath.Join(dir, "port_name"), "0x"+wwpn+"\n")
	if maxVports > 0 {
		f.write(filepath.Join(dir, "vport_create"), "")
		f.write(filepath.Join(dir, "vport_delete"), "")
		f.write(filepath.Join(dir, "max_npiv_vports"), fmt.Sprintf("%d\n", maxVports))
		f.write(filepath.Join(dir, "npiv_vports_inuse"), fmt.Sprintf("%d\n", inUse))
	}
}

func (f *fixture) read(path string) string {
	f.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		f.t.Fatal(err)
	}
	return string(data)
}

func scsiHostPool(target, adapter string) *storage.Pool {
	return storage.NewPool(&pooldef.PoolDef{
		Name:   "san",
		UUID:   "2b1d7c4e-5a6f-4e3d-8c2b-1a0f9e8d7c6b",
		Type:   pooldef.PoolTypeSCSI,
		Source: pooldef.Source{Adapter: &pooldef.Adapter{Type: pooldef.AdapterSCSIHost, Name: adapter}},
		Target: pooldef.PoolTarget{Path: target},
	})
}

func fcHostPool(target, parent string) *storage.Pool {
	return storage.NewPool(&pooldef.PoolDef{
		Name: "fabric",
		UUID: "6e5d4c3b-2a19-4f08-8e7d-6c5b4a392817",
		Type: pooldef.PoolTypeSCSI,
		Source: pooldef.Source{Adapter: &pooldef.Adapter{
			Type:   pooldef.AdapterFCHost,
			Parent: parent,
			WWNN:   "20000000c9831b4b",
			WWPN:   "10000000c9831b4b",
		}},
		Target: pooldef.PoolTarget{Path: target},
	})
}
