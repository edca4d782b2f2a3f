package storage

import (
	"context"

	"github.com/jbweber/poold/internal/pooldef"
)

// Perm names an operation checked against an AccessChecker.
type Perm string

const (
	PermPoolGetAttr Perm = "storage_pool.getattr"
	PermPoolReadXML Perm = "storage_pool.read"
	PermPoolSearch  Perm = "storage_pool.search_storage_vols"
	PermPoolWrite   Perm = "storage_pool.write"
	PermPoolSave    Perm = "storage_pool.save"
	PermPoolStart   Perm = "storage_pool.start"
	PermPoolStop    Perm = "storage_pool.stop"
	PermPoolDelete  Perm = "storage_pool.delete"
	PermPoolFormat  Perm = "storage_pool.format"
	PermPoolRefresh Perm = "storage_pool.refresh"

	PermVolGetAttr   Perm = "storage_vol.getattr"
	PermVolReadXML   Perm = "storage_vol.read"
	PermVolCreate    Perm = "storage_vol.create"
	PermVolDelete    Perm = "storage_vol.delete"
	PermVolFormat    Perm = "storage_vol.format"
	PermVolResize    Perm = "storage_vol.resize"
	PermVolDataRead  Perm = "storage_vol.data_read"
	PermVolDataWrite Perm = "storage_vol.data_write"

	PermFindSources Perm = "connect.search_storage_pools"
)

// readPerms are granted to read-only callers.
var readPerms = map[Perm]bool{
	PermPoolGetAttr: true,
	PermPoolReadXML: true,
	PermPoolSearch:  true,
	PermVolGetAttr:  true,
	PermVolReadXML:  true,
}

// AccessChecker decides whether the caller in ctx may perform perm on the
// pool described by def. A denied object is reported exactly like a
// missing one.
type AccessChecker interface {
	Allowed(ctx context.Context, perm Perm, def *pooldef.PoolDef) bool
}

// AccessFunc adapts a function to AccessChecker.
type AccessFunc func(ctx context.Context, perm Perm, def *pooldef.PoolDef) bool

func (f AccessFunc) Allowed(ctx context.Context, perm Perm, def *pooldef.PoolDef) bool {
	return f(ctx, perm, def)
}

// AllowAll permits everything.
var AllowAll AccessChecker = AccessFunc(func(context.Context, Perm, *pooldef.PoolDef) bool { return true })

// ReadOnly permits only inspection.
var ReadOnly AccessChecker = AccessFunc(func(_ context.Context, perm Perm, _ *pooldef.PoolDef) bool {
	return readPerms[perm]
})

// Caller identifies who is making a request.
type Caller struct {
	Name string
	UID  int
	GID  int
}

type callerKey struct{}

// WithCaller attaches the caller identity to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
