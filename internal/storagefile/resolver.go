package storagefile

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/jbweber/poold/internal/imagefmt"
	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

// maxChainDepth bounds recursion for chains of distinct images.
const maxChainDepth = 200

// cycleError reports a backing chain that revisits an image. It is the one
// failure that is never swallowed while walking ancestors.
type cycleError struct {
	path string
	id   string
}

func (e *cycleError) Error() string {
	return fmt.Sprintf("backing store for %s (%s) is self-referential", e.path, e.id)
}

func (e *cycleError) Is(target error) bool {
	return target == storageerrors.InternalInconsistency
}

// Resolver walks backing chains.
type Resolver struct {
	log      logr.Logger
	backends map[Type]Opener
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(log logr.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithBackend registers open for sources of type typ, replacing the default.
func WithBackend(typ Type, open Opener) Option {
	return func(r *Resolver) { r.backends[typ] = open }
}

// NewResolver returns a resolver with the local file backend registered.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		log:      logr.Discard(),
		backends: DefaultBackends(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fills in the backing chain of root, accessing images as uid:gid.
//
// A root without a format is probed when allowProbe is set and treated as
// raw otherwise. Failures on the root image are returned. Failures on an
// ancestor truncate the chain at the last image that could be reached and
// still report success, except for a cycle, which fails the whole walk with
// an InternalInconsistency error.
func (r *Resolver) Resolve(root *Source, uid, gid int, allowProbe bool) error {
	if root.Format == imagefmt.FormatNone {
		if allowProbe {
			root.Format = imagefmt.FormatAuto
		} else {
			root.Format = imagefmt.FormatRaw
		}
	}
	return r.walk(root, uid, gid, allowProbe, make(map[string]struct{}), 0)
}

func (r *Resolver) walk(src *Source, uid, gid int, allowProbe bool, seen map[string]struct{}, depth int) error {
	if depth >= maxChainDepth {
		return storageerrors.InvalidArgumentf("backing chains more than %d layers deep are not supported", maxChainDepth)
	}

	open, ok := r.backends[src.Type]
	if !ok {
		return nil
	}
	f := open(src)
	hr, okHeader := f.(HeaderReader)
	ident, okIdent := f.(Identifier)
	acc, okAccess := f.(Accessor)
	if !okHeader || !okIdent || !okAccess {
		return nil
	}

	if err := f.Init(uid, gid); err != nil {
		return storageerrors.NewIOError(err, "cannot initialize access to %s", src.Path)
	}
	defer f.Deinit()

	if err := acc.Access(unix.F_OK); err != nil {
		return storageerrors.NewIOError(err, "cannot access storage file %s", src.Path)
	}

	id, err := ident.UniqueIdentifier()
	if err != nil {
		return storageerrors.NewIOError(err, "cannot resolve identity of %s", src.Path)
	}
	if _, dup := seen[id]; dup {
		return &cycleError{path: src.Path, id: id}
	}
	seen[id] = struct{}{}

	buf, err := hr.ReadHeader(imagefmt.MaxHeaderSize)
	if err != nil {
		return storageerrors.NewIOError(err, "cannot read header of %s", src.Path)
	}

	if src.Format == imagefmt.FormatAuto || src.Format == imagefmt.FormatAutoSafe {
		src.Format = imagefmt.Probe(buf)
	}
	md, err := imagefmt.Parse(buf, src.Format)
	if err != nil {
		return storageerrors.Internalf("cannot parse %s: %v", src.Path, err)
	}
	if src.Capacity == 0 {
		src.Capacity = md.Capacity
	}
	if md.BackingPath == "" {
		return nil
	}

	src.BackingRaw = md.BackingPath
	next := newBackingSource(src, md.BackingPath)
	next.Format = backingFormat(md.BackingFormat, allowProbe)

	if err := r.walk(next, uid, gid, allowProbe, seen, depth+1); err != nil {
		if errors.HasType[*cycleError](err) {
			return err
		}
		r.log.V(1).Info("backing chain truncated", "image", src.Path, "backing", md.BackingPath, "error", err.Error())
	}
	src.Backing = next
	return nil
}
