package libvirt

import (
	"context"
	"fmt"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

type fakePool struct {
	xml       string
	autostart bool
}

// mockStorageClient serves pool XML from memory.
type mockStorageClient struct {
	pools   map[string]fakePool
	listErr error

	xmlFlags []golibvirt.StorageXMLFlags
}

func (m *mockStorageClient) ConnectListAllStoragePools(needResults int32, flags golibvirt.ConnectListAllStoragePoolsFlags) ([]golibvirt.StoragePool, uint32, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var result []golibvirt.StoragePool
	for name := range m.pools {
		result = append(result, golibvirt.StoragePool{Name: name})
	}
	return result, uint32(len(result)), nil
}

func (m *mockStorageClient) StoragePoolGetXMLDesc(pool golibvirt.StoragePool, flags golibvirt.StorageXMLFlags) (string, error) {
	m.xmlFlags = append(m.xmlFlags, flags)
	p, ok := m.pools[pool.Name]
	if !ok {
		return "", fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	return p.xml, nil
}

func (m *mockStorageClient) StoragePoolGetAutostart(pool golibvirt.StoragePool) (int32, error) {
	if m.pools[pool.Name].autostart {
		return 1, nil
	}
	return 0, nil
}

// mockDefiner records definitions.
type mockDefiner struct {
	defs      map[string]*pooldef.PoolDef
	autostart map[string]bool
}

func newMockDefiner() *mockDefiner {
	return &mockDefiner{defs: map[string]*pooldef.PoolDef{}, autostart: map[string]bool{}}
}

func (m *mockDefiner) DefinePool(_ context.Context, def *pooldef.PoolDef) (*storage.PoolInfo, error) {
	if _, ok := m.defs[def.Name]; ok {
		return nil, storageerrors.AlreadyExistsf("pool %q", def.Name)
	}
	m.defs[def.Name] = def
	return &storage.PoolInfo{Name: def.Name, UUID: def.UUID, Type: def.Type, Persistent: true}, nil
}

func (m *mockDefiner) SetAutostart(_ context.Context, name string, autostart bool) error {
	if _, ok := m.defs[name]; !ok {
		return storageerrors.NotFoundf("pool %q", name)
	}
	m.autostart[name] = autostart
	return nil
}
