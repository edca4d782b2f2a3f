// Package loader reads storage pool and volume definition files. Files
// ending in .xml hold libvirt XML; .yaml and .yml files hold the YAML form.
// Any other file is sniffed: a leading '<' means XML.
package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/poold/internal/pooldef"
)

// Kinds accepted in the YAML form.
const (
	PoolKind   = "StoragePool"
	VolumeKind = "StorageVolume"
)

// Encoding is the serialization of a definition file.
type Encoding int

const (
	EncodingXML Encoding = iota
	EncodingYAML
)

// EncodingFor picks the encoding from the file extension, falling back to
// the content.
func EncodingFor(path string, data []byte) Encoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return EncodingXML
	case ".yaml", ".yml":
		return EncodingYAML
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("<")) {
		return EncodingXML
	}
	return EncodingYAML
}

type poolDoc struct {
	Kind            string `yaml:"kind"`
	pooldef.PoolDef `yaml:",inline"`
}

// volDoc mirrors pooldef.VolDef with sizes as strings, so YAML files can
// say "10GiB".
type volDoc struct {
	Kind   string          `yaml:"kind"`
	Name   string          `yaml:"name"`
	Key    string          `yaml:"key,omitempty"`
	Type   pooldef.VolType `yaml:"type,omitempty"`
	Target struct {
		Path       string              `yaml:"path,omitempty"`
		Format     string              `yaml:"format,omitempty"`
		Capacity   string              `yaml:"capacity,omitempty"`
		Allocation string              `yaml:"allocation,omitempty"`
		Perms      pooldef.Permissions `yaml:"permissions,omitempty"`
	} `yaml:"target"`
	Backing *pooldef.BackingStore `yaml:"backing_store,omitempty"`
}

// LoadPoolFile loads a pool definition from path.
func LoadPoolFile(path string) (*pooldef.PoolDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return LoadPool(data, EncodingFor(path, data))
}

// LoadPool parses and validates a pool definition.
func LoadPool(data []byte, enc Encoding) (*pooldef.PoolDef, error) {
	if enc == EncodingXML {
		return pooldef.ParsePoolXML(string(data))
	}

	var doc poolDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if err := checkKind(doc.Kind, PoolKind); err != nil {
		return nil, err
	}
	def := doc.PoolDef
	if err := def.Normalize(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &def, nil
}

// LoadVolFile loads a volume definition meant for pool from path.
func LoadVolFile(path string, pool *pooldef.PoolDef, opts pooldef.VolParseOptions) (*pooldef.VolDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return LoadVol(data, EncodingFor(path, data), pool, opts)
}

// LoadVol parses and validates a volume definition for pool.
func LoadVol(data []byte, enc Encoding, pool *pooldef.PoolDef, opts pooldef.VolParseOptions) (*pooldef.VolDef, error) {
	if enc == EncodingXML {
		return pooldef.ParseVolXML(string(data), pool, opts)
	}

	var doc volDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if err := checkKind(doc.Kind, VolumeKind); err != nil {
		return nil, err
	}
	if doc.Target.Capacity == "" && !opts.NoCapacity {
		return nil, fmt.Errorf("missing required field: target.capacity")
	}

	vol := &pooldef.VolDef{
		Name:    doc.Name,
		Key:     doc.Key,
		Type:    doc.Type,
		Backing: doc.Backing,
	}
	vol.Target.Path = doc.Target.Path
	vol.Target.Format = doc.Target.Format
	vol.Target.Perms = doc.Target.Perms

	var err error
	if vol.Target.Capacity, err = ParseSize(doc.Target.Capacity); err != nil {
		return nil, fmt.Errorf("invalid target.capacity: %w", err)
	}
	if doc.Target.Allocation == "" {
		vol.Target.Allocation = vol.Target.Capacity
	} else if vol.Target.Allocation, err = ParseSize(doc.Target.Allocation); err != nil {
		return nil, fmt.Errorf("invalid target.allocation: %w", err)
	}

	if err := vol.Normalize(pool); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return vol, nil
}

// ParseSize parses a byte count such as "512", "10G" or "1.5 GiB". The
// empty string is zero.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}

// SavePoolFile writes def to path, encoded by the file extension.
func SavePoolFile(def *pooldef.PoolDef, path string) error {
	var data []byte
	if EncodingFor(path, nil) == EncodingXML {
		doc, err := pooldef.FormatPoolXML(def)
		if err != nil {
			return err
		}
		data = []byte(doc + "\n")
	} else {
		var err error
		data, err = yaml.Marshal(&poolDoc{Kind: PoolKind, PoolDef: *def})
		if err != nil {
			return fmt.Errorf("failed to marshal pool to YAML: %w", err)
		}
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

func checkKind(got, want string) error {
	switch got {
	case want:
		return nil
	case "":
		return fmt.Errorf("missing required field: kind")
	}
	return fmt.Errorf("unsupported kind: %s (expected: %s)", got, want)
}
