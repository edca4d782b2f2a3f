package libvirt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/poold/internal/loader"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

// StorageClient is the part of the libvirt API that import needs.
type StorageClient interface {
	ConnectListAllStoragePools(NeedResults int32, Flags golibvirt.ConnectListAllStoragePoolsFlags) ([]golibvirt.StoragePool, uint32, error)
	StoragePoolGetXMLDesc(Pool golibvirt.StoragePool, Flags golibvirt.StorageXMLFlags) (string, error)
	StoragePoolGetAutostart(Pool golibvirt.StoragePool) (int32, error)
}

// PoolDefiner receives imported definitions.
type PoolDefiner interface {
	DefinePool(ctx context.Context, def *pooldef.PoolDef) (*storage.PoolInfo, error)
	SetAutostart(ctx context.Context, name string, autostart bool) error
}

// ImportOptions select and direct an import.
type ImportOptions struct {
	// Types limits the import to these pool types. Empty means dir and scsi.
	Types []pooldef.PoolType
	// Names limits the import to these pools. Empty means all.
	Names []string
	// ExportDir, when set, receives a copy of each definition as <name>.xml.
	ExportDir string
	// DryRun parses and exports without defining anything.
	DryRun bool

	Log logr.Logger
}

// ImportAction is what happened to one libvirtd pool.
type ImportAction string

const (
	ImportDefined  ImportAction = "defined"
	ImportExported ImportAction = "exported"
	ImportSkipped  ImportAction = "skipped"
	ImportFailed   ImportAction = "failed"
)

// ImportResult reports one libvirtd pool.
type ImportResult struct {
	Name      string
	UUID      string
	Type      pooldef.PoolType
	Action    ImportAction
	Autostart bool
	Reason    string
}

var defaultImportTypes = []pooldef.PoolType{pooldef.PoolTypeDir, pooldef.PoolTypeSCSI}

// ImportPools copies the persistent pool definitions of a libvirtd host
// into drv. Pools of other types, and pools that already exist locally, are
// skipped. A failure on one pool does not stop the others; the returned
// error is only set when libvirtd cannot be listed.
func ImportPools(ctx context.Context, client StorageClient, drv PoolDefiner, opts ImportOptions) ([]ImportResult, error) {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	types := opts.Types
	if len(types) == 0 {
		types = defaultImportTypes
	}

	pools, _, err := client.ConnectListAllStoragePools(1, golibvirt.ConnectListStoragePoolsPersistent)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	slices.SortFunc(pools, func(a, b golibvirt.StoragePool) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	var results []ImportResult
	for _, pool := range pools {
		if len(opts.Names) > 0 && !slices.Contains(opts.Names, pool.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := importPool(ctx, client, drv, pool, types, opts)
		log.Info("imported pool", "pool", res.Name, "action", string(res.Action), "reason", res.Reason)
		results = append(results, res)
	}
	return results, nil
}

func importPool(ctx context.Context, client StorageClient, drv PoolDefiner, pool golibvirt.StoragePool, types []pooldef.PoolType, opts ImportOptions) ImportResult {
	res := ImportResult{Name: pool.Name, UUID: uuid.UUID(pool.UUID).String()}
	fail := func(format string, args ...interface{}) ImportResult {
		res.Action = ImportFailed
		res.Reason = fmt.Sprintf(format, args...)
		return res
	}

	doc, err := client.StoragePoolGetXMLDesc(pool, golibvirt.StorageXMLInactive)
	if err != nil {
		return fail("failed to get pool XML: %v", err)
	}
	def, err := pooldef.ParsePoolXML(doc)
	if err != nil {
		return fail("%v", err)
	}
	res.Type = def.Type
	if !slices.Contains(types, def.Type) {
		res.Action = ImportSkipped
		res.Reason = fmt.Sprintf("pool type %s is not imported", def.Type)
		return res
	}
	// live sizes belong to libvirtd
	def.Capacity, def.Allocation, def.Available = 0, 0, 0

	autostart, err := client.StoragePoolGetAutostart(pool)
	if err != nil {
		return fail("failed to get autostart flag: %v", err)
	}
	res.Autostart = autostart != 0

	if opts.ExportDir != "" {
		if err := loader.SavePoolFile(def, filepath.Join(opts.ExportDir, def.Name+".xml")); err != nil {
			return fail("%v", err)
		}
		res.Action = ImportExported
	}
	if opts.DryRun {
		if res.Action == "" {
			res.Action = ImportSkipped
			res.Reason = "dry run"
		}
		return res
	}

	if _, err := drv.DefinePool(ctx, def); err != nil {
		if errors.Is(err, storageerrors.AlreadyExists) {
			res.Action = ImportSkipped
			res.Reason = err.Error()
			return res
		}
		return fail("%v", err)
	}
	res.Action = ImportDefined

	if res.Autostart {
		if err := drv.SetAutostart(ctx, def.Name, true); err != nil {
			return fail("defined but autostart failed: %v", err)
		}
	}
	return res
}
