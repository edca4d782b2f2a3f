// Package storage is the storage pool and volume driver.
//
// A Driver owns a PoolStore of Pool objects and dispatches pool and volume
// operations to the Backend registered for each pool type. Backends
// implement Backend plus whichever optional capability interfaces
// (PoolStarter, VolCreator, ...) their storage supports; an operation whose
// capability is missing fails with an Unsupported error.
//
// Locking:
//
// Every Pool carries its own mutex which also guards its volumes. The store
// lock is a leaf: it is held only while the store's maps are read or
// updated and never while acquiring a pool lock. Lookups therefore return
// a Pool that is already locked, after checking that it was not removed in
// between. New pools are locked before they are published, so no lookup
// can observe a half-initialized pool.
//
// Long-running volume builds, clones, uploads and downloads drop the pool
// lock through suspend, which reacquires pool locks in UUID order. While a
// pool has async jobs it cannot be destroyed, deleted, undefined or
// refreshed, so a suspended pool is still live when it is relocked.
//
// Example usage:
//
//	registry := storage.NewRegistry()
//	registry.Register(disk.New())
//
//	drv := storage.New(registry, metadata.New(base, state))
//	if err := drv.Init(ctx); err != nil {
//	    return err
//	}
//	drv.Autostart(ctx)
//
//	info, err := drv.DefinePool(ctx, def)
package storage
