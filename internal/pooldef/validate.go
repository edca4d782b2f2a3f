package pooldef

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jbweber/poold/internal/naming"
)

// Normalize validates the definition's structure and fills defaults:
// a missing UUID is generated and UUIDs are rendered canonically.
func (d *PoolDef) Normalize() error {
	if err := naming.ValidateName(d.Name); err != nil {
		return fmt.Errorf("invalid pool name: %w", err)
	}
	if d.Type == "" {
		return fmt.Errorf("pool type is required")
	}
	if !d.Type.Valid() {
		return fmt.Errorf("unknown pool type %q", d.Type)
	}

	if d.UUID == "" {
		d.UUID = uuid.NewString()
	} else {
		id, err := uuid.Parse(d.UUID)
		if err != nil {
			return fmt.Errorf("malformed uuid %q: %w", d.UUID, err)
		}
		d.UUID = id.String()
	}

	switch d.Type {
	case PoolTypeDir, PoolTypeFS, PoolTypeNetFS, PoolTypeSCSI, PoolTypeISCSI, PoolTypeLogical, PoolTypeDisk:
		if d.Target.Path == "" {
			return fmt.Errorf("missing storage pool target path")
		}
	}
	if d.Target.Path != "" {
		if !filepath.IsAbs(d.Target.Path) {
			return fmt.Errorf("target path %q must be absolute", d.Target.Path)
		}
		d.Target.Path = filepath.Clean(d.Target.Path)
	}
	if err := d.Target.Perms.validate(); err != nil {
		return fmt.Errorf("invalid target permissions: %w", err)
	}

	switch d.Type {
	case PoolTypeSCSI:
		if err := d.Source.Adapter.validate(); err != nil {
			return err
		}
	case PoolTypeFS, PoolTypeDisk:
		if len(d.Source.Devices) == 0 {
			return fmt.Errorf("missing source device")
		}
	case PoolTypeNetFS:
		if len(d.Source.Hosts) == 0 || d.Source.Dir == "" {
			return fmt.Errorf("netfs pools need a source host and dir")
		}
	}

	return nil
}

func (a *Adapter) validate() error {
	if a == nil {
		return fmt.Errorf("missing storage pool source adapter")
	}
	switch a.Type {
	case AdapterSCSIHost:
		if a.Name == "" {
			return fmt.Errorf("missing storage pool source adapter name")
		}
		if _, err := naming.HostNumber(a.Name); err != nil {
			return err
		}
	case AdapterFCHost:
		if a.WWNN == "" || a.WWPN == "" {
			return fmt.Errorf("'wwnn' and 'wwpn' must be specified for adapter type 'fc_host'")
		}
		if !isWWN(a.WWNN) || !isWWN(a.WWPN) {
			return fmt.Errorf("malformed wwnn %q or wwpn %q", a.WWNN, a.WWPN)
		}
	default:
		return fmt.Errorf("unknown pool adapter type %q", a.Type)
	}
	return nil
}

// isWWN accepts 16 hex digits with an optional 0x prefix.
func isWWN(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 16 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

// NormalizeWWN strips a 0x prefix and lowercases a WWN.
func NormalizeWWN(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
}

// Normalize validates the volume definition against the pool it will live in.
func (v *VolDef) Normalize(pool *PoolDef) error {
	if err := naming.ValidateName(v.Name); err != nil {
		return fmt.Errorf("invalid volume name: %w", err)
	}
	if v.Type == "" {
		if pool != nil {
			v.Type = pool.Type.DefaultVolType()
		} else {
			v.Type = VolTypeFile
		}
	}
	if !v.Type.valid() {
		return fmt.Errorf("unknown volume type %q", v.Type)
	}
	if v.Target.Allocation > v.Target.Capacity && v.Target.Capacity != 0 {
		return fmt.Errorf("allocation %d exceeds capacity %d", v.Target.Allocation, v.Target.Capacity)
	}
	if err := v.Target.Perms.validate(); err != nil {
		return fmt.Errorf("invalid target permissions: %w", err)
	}
	if v.Backing != nil && v.Backing.Path == "" {
		return fmt.Errorf("backing store requires a path")
	}
	return nil
}

// SameSource reports whether two pool definitions claim the same physical
// source. Only pools of the same type can clash.
func SameSource(a, b *PoolDef) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case PoolTypeDir:
		return a.Target.Path == b.Target.Path
	case PoolTypeSCSI:
		return sameAdapter(a.Source.Adapter, b.Source.Adapter)
	case PoolTypeFS, PoolTypeDisk:
		return len(a.Source.Devices) > 0 && len(b.Source.Devices) > 0 &&
			a.Source.Devices[0] == b.Source.Devices[0]
	case PoolTypeNetFS:
		return sameHost(a.Source.Hosts, b.Source.Hosts) && a.Source.Dir == b.Source.Dir
	case PoolTypeISCSI:
		return sameHost(a.Source.Hosts, b.Source.Hosts) && len(a.Source.Devices) > 0 &&
			len(b.Source.Devices) > 0 && a.Source.Devices[0] == b.Source.Devices[0]
	case PoolTypeLogical, PoolTypeRBD, PoolTypeGluster, PoolTypeZFS:
		return a.Source.Name != "" && a.Source.Name == b.Source.Name &&
			(len(a.Source.Hosts) == 0 || sameHost(a.Source.Hosts, b.Source.Hosts))
	}
	return false
}

func sameAdapter(a, b *Adapter) bool {
	if a == nil || b == nil || a.Type != b.Type {
		return false
	}
	switch a.Type {
	case AdapterSCSIHost:
		na, errA := naming.HostNumber(a.Name)
		nb, errB := naming.HostNumber(b.Name)
		return errA == nil && errB == nil && na == nb
	case AdapterFCHost:
		return NormalizeWWN(a.WWNN) == NormalizeWWN(b.WWNN) && NormalizeWWN(a.WWPN) == NormalizeWWN(b.WWPN)
	}
	return false
}

func sameHost(a, b []Host) bool {
	return len(a) > 0 && len(b) > 0 && a[0].Name == b[0].Name
}
