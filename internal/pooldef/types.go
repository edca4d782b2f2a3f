// Package pooldef holds storage pool and volume definitions and converts
// them to and from their libvirt XML and YAML forms.
//
// Parsing validates structure only. Semantic checks that need the set of
// live pools (duplicate names, UUIDs or sources) belong to the driver.
package pooldef

import (
	"fmt"
	"strconv"

	"github.com/digitalocean/go-libvirt"
)

// PoolType selects the backend serving a pool.
type PoolType string

const (
	PoolTypeDir     PoolType = "dir"     // Directory-based storage
	PoolTypeFS      PoolType = "fs"      // Pre-formatted block device
	PoolTypeNetFS   PoolType = "netfs"   // NFS mount
	PoolTypeLogical PoolType = "logical" // LVM volume group
	PoolTypeDisk    PoolType = "disk"    // Partitioned disk
	PoolTypeISCSI   PoolType = "iscsi"   // iSCSI target
	PoolTypeSCSI    PoolType = "scsi"    // SCSI host adapter
	PoolTypeRBD     PoolType = "rbd"     // Ceph RBD
	PoolTypeGluster PoolType = "gluster" // GlusterFS
	PoolTypeZFS     PoolType = "zfs"     // ZFS pool
)

var knownPoolTypes = map[PoolType]bool{
	PoolTypeDir: true, PoolTypeFS: true, PoolTypeNetFS: true, PoolTypeLogical: true,
	PoolTypeDisk: true, PoolTypeISCSI: true, PoolTypeSCSI: true, PoolTypeRBD: true,
	PoolTypeGluster: true, PoolTypeZFS: true,
}

// Valid reports whether t is a known pool type.
func (t PoolType) Valid() bool {
	return knownPoolTypes[t]
}

// DefaultVolType returns the volume type a pool of this type produces.
func (t PoolType) DefaultVolType() VolType {
	switch t {
	case PoolTypeSCSI, PoolTypeISCSI, PoolTypeLogical, PoolTypeDisk:
		return VolTypeBlock
	case PoolTypeRBD, PoolTypeGluster:
		return VolTypeNetwork
	default:
		return VolTypeFile
	}
}

// AdapterType is the kind of SCSI host adapter a scsi pool uses.
type AdapterType string

const (
	AdapterSCSIHost AdapterType = "scsi_host"
	AdapterFCHost   AdapterType = "fc_host"
)

// Adapter identifies the SCSI host backing a scsi pool.
type Adapter struct {
	Type   AdapterType `yaml:"type" json:"type"`
	Name   string      `yaml:"name,omitempty" json:"name,omitempty"`     // scsi_hostN / hostN
	Parent string      `yaml:"parent,omitempty" json:"parent,omitempty"` // fc_host parent HBA
	WWNN   string      `yaml:"wwnn,omitempty" json:"wwnn,omitempty"`
	WWPN   string      `yaml:"wwpn,omitempty" json:"wwpn,omitempty"`
}

// Host is a remote source host.
type Host struct {
	Name string `yaml:"name" json:"name"`
	Port string `yaml:"port,omitempty" json:"port,omitempty"`
}

// Source describes where a pool's storage comes from.
type Source struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Dir     string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	Devices []string `yaml:"devices,omitempty" json:"devices,omitempty"`
	Hosts   []Host   `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	Adapter *Adapter `yaml:"adapter,omitempty" json:"adapter,omitempty"`
	Format  string   `yaml:"format,omitempty" json:"format,omitempty"`
}

// Permissions are the ownership and mode of a target. Empty fields mean
// "leave as is".
type Permissions struct {
	Owner string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Group string `yaml:"group,omitempty" json:"group,omitempty"`
	Mode  string `yaml:"mode,omitempty" json:"mode,omitempty"` // octal, e.g. "0755"
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// UID returns the numeric owner, or -1 when unset.
func (p Permissions) UID() int {
	return parseID(p.Owner)
}

// GID returns the numeric group, or -1 when unset.
func (p Permissions) GID() int {
	return parseID(p.Group)
}

// FileMode returns the octal mode, or def when unset or malformed.
func (p Permissions) FileMode(def uint32) uint32 {
	if p.Mode == "" {
		return def
	}
	m, err := strconv.ParseUint(p.Mode, 8, 32)
	if err != nil {
		return def
	}
	return uint32(m)
}

func parseID(s string) int {
	if s == "" {
		return -1
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return v
}

func (p Permissions) validate() error {
	for field, v := range map[string]string{"owner": p.Owner, "group": p.Group} {
		if v == "" {
			continue
		}
		if id, err := strconv.Atoi(v); err != nil || id < -1 {
			return fmt.Errorf("malformed %s %q", field, v)
		}
	}
	if p.Mode != "" {
		if m, err := strconv.ParseUint(p.Mode, 8, 32); err != nil || m > 0o777 {
			return fmt.Errorf("malformed mode %q", p.Mode)
		}
	}
	return nil
}

// PoolTarget is where a pool's volumes appear on the host.
type PoolTarget struct {
	Path  string      `yaml:"path,omitempty" json:"path,omitempty"`
	Perms Permissions `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// PoolDef is the definition of a storage pool.
type PoolDef struct {
	Name string   `yaml:"name" json:"name"`
	UUID string   `yaml:"uuid,omitempty" json:"uuid,omitempty"`
	Type PoolType `yaml:"type" json:"type"`

	// Accounting, in bytes. Maintained by the driver while the pool is active.
	Capacity   uint64 `yaml:"-" json:"capacity"`
	Allocation uint64 `yaml:"-" json:"allocation"`
	Available  uint64 `yaml:"-" json:"available"`

	Source Source     `yaml:"source,omitempty" json:"source,omitempty"`
	Target PoolTarget `yaml:"target,omitempty" json:"target,omitempty"`
}

// Clone returns a deep copy of d.
func (d *PoolDef) Clone() *PoolDef {
	if d == nil {
		return nil
	}
	c := *d
	c.Source.Devices = append([]string(nil), d.Source.Devices...)
	c.Source.Hosts = append([]Host(nil), d.Source.Hosts...)
	if d.Source.Adapter != nil {
		a := *d.Source.Adapter
		c.Source.Adapter = &a
	}
	return &c
}

// VolType is the kind of object backing a volume.
type VolType string

const (
	VolTypeFile    VolType = "file"
	VolTypeBlock   VolType = "block"
	VolTypeDir     VolType = "dir"
	VolTypeNetwork VolType = "network"
)

// Libvirt maps the volume type onto the libvirt enum.
func (t VolType) Libvirt() libvirt.StorageVolType {
	switch t {
	case VolTypeBlock:
		return libvirt.StorageVolBlock
	case VolTypeDir:
		return libvirt.StorageVolDir
	case VolTypeNetwork:
		return libvirt.StorageVolNetwork
	default:
		return libvirt.StorageVolFile
	}
}

func (t VolType) valid() bool {
	switch t {
	case VolTypeFile, VolTypeBlock, VolTypeDir, VolTypeNetwork:
		return true
	}
	return false
}

// VolTarget is the on-host representation of a volume.
type VolTarget struct {
	Path       string      `yaml:"path,omitempty" json:"path,omitempty"`
	Format     string      `yaml:"format,omitempty" json:"format,omitempty"`
	Capacity   uint64      `yaml:"capacity" json:"capacity"`
	Allocation uint64      `yaml:"allocation,omitempty" json:"allocation"`
	Perms      Permissions `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	// Label is read from the image (ISO volume identifier), never set by
	// definitions.
	Label      string      `yaml:"-" json:"-"`
}

// BackingStore names the image a copy-on-write volume overlays.
type BackingStore struct {
	Path   string `yaml:"path" json:"path"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// VolDef is the definition of a storage volume.
type VolDef struct {
	Name    string        `yaml:"name" json:"name"`
	Key     string        `yaml:"key,omitempty" json:"key,omitempty"`
	Type    VolType       `yaml:"type,omitempty" json:"type"`
	Target  VolTarget     `yaml:"target" json:"target"`
	Backing *BackingStore `yaml:"backing_store,omitempty" json:"backing_store,omitempty"`
}

// Clone returns a deep copy of v.
func (v *VolDef) Clone() *VolDef {
	if v == nil {
		return nil
	}
	c := *v
	if v.Backing != nil {
		b := *v.Backing
		c.Backing = &b
	}
	return &c
}
