// Package storagefile models disk image sources and walks their backing
// chains.
//
// A Source is one image. Its Backing field owns the next image in the chain,
// so a resolved chain is a singly linked list from the root image to the
// terminal base image. Sources are opened through a File backend selected by
// the source type; types without a backend (network sources) are opaque and
// end the chain without error.
package storagefile

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jbweber/poold/internal/imagefmt"
)

// Type is the kind of object a Source refers to.
type Type string

const (
	TypeFile    Type = "file"
	TypeBlock   Type = "block"
	TypeDir     Type = "dir"
	TypeNetwork Type = "network"
)

// Source describes one disk image in a backing chain.
type Source struct {
	Type Type
	// Protocol is the URI scheme of network sources ("nbd", "rbd", ...).
	Protocol string
	// Path is the local path, or the URI path of a network source.
	Path   string
	Host   string
	Format imagefmt.Format
	// Capacity is the virtual size reported by the image header.
	Capacity uint64

	// BackingRaw is the backing reference exactly as stored in the header.
	BackingRaw string
	Backing    *Source
}

// NewLocal returns a source for a local file or block device.
func NewLocal(typ Type, path string, format imagefmt.Format) *Source {
	return &Source{Type: typ, Path: path, Format: format}
}

// Chain returns the sources from s to the end of its backing chain.
func (s *Source) Chain() []*Source {
	var out []*Source
	for cur := s; cur != nil; cur = cur.Backing {
		out = append(out, cur)
	}
	return out
}

// Depth is the number of sources in the chain starting at s.
func (s *Source) Depth() int {
	return len(s.Chain())
}

// IsLocal reports whether the source is reachable through the local
// file system.
func (s *Source) IsLocal() bool {
	return s.Type != TypeNetwork
}

// newBackingSource builds the source for a backing reference found in the
// header of parent. Relative local references are resolved against the
// directory of parent.
func newBackingSource(parent *Source, raw string) *Source {
	if strings.HasPrefix(raw, "json:") {
		return &Source{Type: TypeNetwork, Protocol: "json", Path: strings.TrimPrefix(raw, "json:")}
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
			return &Source{Type: TypeNetwork, Protocol: u.Scheme, Host: u.Host, Path: u.Path}
		}
	}
	// qemu accepts "protocol:target" for some network protocols.
	if proto, rest, ok := strings.Cut(raw, ":"); ok && networkProtocols[proto] {
		return &Source{Type: TypeNetwork, Protocol: proto, Path: rest}
	}

	path := raw
	if !filepath.IsAbs(path) && parent.IsLocal() {
		path = filepath.Join(filepath.Dir(parent.Path), path)
	}
	return &Source{Type: TypeFile, Path: filepath.Clean(path)}
}

var networkProtocols = map[string]bool{
	"nbd":      true,
	"rbd":      true,
	"sheepdog": true,
	"gluster":  true,
	"iscsi":    true,
}

// backingFormat applies the probing policy to a format hint read from an
// image header.
func backingFormat(hint imagefmt.Format, allowProbe bool) imagefmt.Format {
	switch hint {
	case imagefmt.FormatAuto, imagefmt.FormatNone:
		if !allowProbe {
			return imagefmt.FormatRaw
		}
		return imagefmt.FormatAuto
	case imagefmt.FormatAutoSafe:
		return imagefmt.FormatAuto
	}
	return hint
}
