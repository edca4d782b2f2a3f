package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/poold/internal/pooldef"
)

const mib = 1 << 20

// mockBackend implements every optional capability. Errors and hooks are
// set per test; calls are recorded in order.
type mockBackend struct {
	mu    sync.Mutex
	typ   pooldef.PoolType
	calls []string

	// RefreshPool reports these volumes and a pool of this capacity.
	vols     []*pooldef.VolDef
	capacity uint64

	checkActive bool

	checkErr      error
	startErr      error
	stopErr       error
	refreshErr    error
	buildPoolErr  error
	deletePoolErr error
	createVolErr  error
	buildVolErr   error
	deleteVolErr  error
	resizeErr     error
	wipeErr       error
	uploadErr     error

	// buildHook runs inside BuildVol and BuildVolFrom with the pool unlocked.
	buildHook func()

	uploaded   []byte
	downloaded string
}

func newMockBackend() *mockBackend {
	return &mockBackend{typ: pooldef.PoolTypeDir, capacity: 1024 * mib}
}

func (m *mockBackend) record(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockBackend) called(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *mockBackend) setRefreshErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshErr = err
}

func (m *mockBackend) Type() pooldef.PoolType { return m.typ }

func (m *mockBackend) RefreshPool(_ context.Context, pool *Pool) error {
	m.record("RefreshPool %s", pool.Name())
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshErr != nil {
		return m.refreshErr
	}

	var alloc uint64
	for _, v := range m.vols {
		pool.AddVolume(v.Clone())
		alloc += v.Target.Allocation
	}
	def := pool.Def()
	def.Capacity = m.capacity
	def.Allocation = alloc
	def.Available = m.capacity - alloc
	return nil
}

func (m *mockBackend) CheckPool(_ context.Context, pool *Pool) (bool, error) {
	m.record("CheckPool %s", pool.Name())
	return m.checkActive, m.checkErr
}

func (m *mockBackend) StartPool(_ context.Context, pool *Pool) error {
	m.record("StartPool %s", pool.Name())
	return m.startErr
}

func (m *mockBackend) StopPool(_ context.Context, pool *Pool) error {
	m.record("StopPool %s", pool.Name())
	return m.stopErr
}

func (m *mockBackend) BuildPool(_ context.Context, pool *Pool, flags libvirt.StoragePoolBuildFlags) error {
	m.record("BuildPool %s %d", pool.Name(), flags)
	return m.buildPoolErr
}

func (m *mockBackend) DeletePool(_ context.Context, pool *Pool, _ libvirt.StoragePoolDeleteFlags) error {
	m.record("DeletePool %s", pool.Name())
	return m.deletePoolErr
}

func (m *mockBackend) FindPoolSources(_ context.Context, srcSpec string) (string, error) {
	m.record("FindPoolSources %s", srcSpec)
	return "<sources/>", nil
}

func (m *mockBackend) CreateVol(_ context.Context, pool *Pool, vol *pooldef.VolDef) error {
	m.record("CreateVol %s", vol.Name)
	if m.createVolErr != nil {
		return m.createVolErr
	}
	vol.Target.Path = filepath.Join(pool.Def().Target.Path, vol.Name)
	vol.Key = vol.Target.Path
	return nil
}

func (m *mockBackend) BuildVol(_ context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, _ libvirt.StorageVolCreateFlags) error {
	m.record("BuildVol %s", vol.Name)
	if m.buildHook != nil {
		m.buildHook()
	}
	return m.buildVolErr
}

func (m *mockBackend) BuildVolFrom(_ context.Context, _ *pooldef.PoolDef, vol, src *pooldef.VolDef, _ libvirt.StorageVolCreateFlags) error {
	m.record("BuildVolFrom %s %s", vol.Name, src.Name)
	if m.buildHook != nil {
		m.buildHook()
	}
	return m.buildVolErr
}

func (m *mockBackend) DeleteVol(_ context.Context, _ *Pool, vol *pooldef.VolDef, _ libvirt.StorageVolDeleteFlags) error {
	m.record("DeleteVol %s", vol.Name)
	return m.deleteVolErr
}

func (m *mockBackend) ResizeVol(_ context.Context, _ *Pool, vol *pooldef.VolDef, capacity uint64, _ libvirt.StorageVolResizeFlags) error {
	m.record("ResizeVol %s %d", vol.Name, capacity)
	return m.resizeErr
}

func (m *mockBackend) WipeVol(_ context.Context, _ *Pool, vol *pooldef.VolDef, alg libvirt.StorageVolWipeAlgorithm) error {
	m.record("WipeVol %s %d", vol.Name, alg)
	return m.wipeErr
}

func (m *mockBackend) UploadVol(_ context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, r io.Reader, _, _ uint64) error {
	m.record("UploadVol %s", vol.Name)
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.uploaded = data
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) DownloadVol(_ context.Context, _ *pooldef.PoolDef, vol *pooldef.VolDef, w io.Writer, _, _ uint64) error {
	m.record("DownloadVol %s", vol.Name)
	_, err := io.WriteString(w, m.downloaded)
	return err
}

// minimalBackend implements only the mandatory operations.
type minimalBackend struct {
	typ pooldef.PoolType
}

func (b *minimalBackend) Type() pooldef.PoolType { return b.typ }

func (b *minimalBackend) RefreshPool(_ context.Context, pool *Pool) error {
	pool.AddVolume(&pooldef.VolDef{Name: "lun0", Key: "serial-0", Type: pooldef.VolTypeBlock,
		Target: pooldef.VolTarget{Path: "/dev/sdz", Capacity: 8 * mib, Allocation: 8 * mib}})
	return nil
}

// fakeDefStore keeps definitions in memory.
type fakeDefStore struct {
	mu        sync.Mutex
	configs   map[string]PersistedPool
	states    map[string]*pooldef.PoolDef
	saveErr   error
	deleteErr error
}

func newFakeDefStore() *fakeDefStore {
	return &fakeDefStore{
		configs: make(map[string]PersistedPool),
		states:  make(map[string]*pooldef.PoolDef),
	}
}

func (f *fakeDefStore) LoadConfigs() ([]PersistedPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PersistedPool
	for _, cfg := range f.configs {
		cfg.Def = cfg.Def.Clone()
		out = append(out, cfg)
	}
	return out, nil
}

func (f *fakeDefStore) SaveConfig(def *pooldef.PoolDef) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", "", f.saveErr
	}
	cfg := f.configs[def.Name]
	cfg.Def = def.Clone()
	cfg.ConfigFile = "/etc/poold/storage/" + def.Name + ".xml"
	cfg.AutostartLink = "/etc/poold/storage/autostart/" + def.Name + ".xml"
	f.configs[def.Name] = cfg
	return cfg.ConfigFile, cfg.AutostartLink, nil
}

func (f *fakeDefStore) DeleteConfig(configFile, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for name, cfg := range f.configs {
		if cfg.ConfigFile == configFile {
			delete(f.configs, name)
		}
	}
	return nil
}

func (f *fakeDefStore) SetAutostart(configFile, _ string, autostart bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, cfg := range f.configs {
		if cfg.ConfigFile == configFile {
			cfg.Autostart = autostart
			f.configs[name] = cfg
			return nil
		}
	}
	return fmt.Errorf("no config %s", configFile)
}

func (f *fakeDefStore) LoadStates() ([]*pooldef.PoolDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pooldef.PoolDef
	for _, def := range f.states {
		out = append(out, def.Clone())
	}
	return out, nil
}

func (f *fakeDefStore) SaveState(def *pooldef.PoolDef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[def.Name] = def.Clone()
	return nil
}

func (f *fakeDefStore) DeleteState(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, name)
	return nil
}

func (f *fakeDefStore) hasState(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.states[name]
	return ok
}

func (f *fakeDefStore) hasConfig(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.configs[name]
	return ok
}

func dirDef(name, path string) *pooldef.PoolDef {
	return &pooldef.PoolDef{
		Name:   name,
		Type:   pooldef.PoolTypeDir,
		Target: pooldef.PoolTarget{Path: path},
	}
}

func volDef(name string, capacity, allocation uint64) *pooldef.VolDef {
	return &pooldef.VolDef{
		Name:   name,
		Target: pooldef.VolTarget{Capacity: capacity, Allocation: allocation, Format: "raw"},
	}
}
