package pooldef

import (
	"fmt"
	"strings"

	libvirtxml "libvirt.org/go/libvirtxml"
)

// ParsePoolXML parses a libvirt <pool> document.
func ParsePoolXML(doc string) (*PoolDef, error) {
	var x libvirtxml.StoragePool
	if err := x.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("failed to parse pool XML: %w", err)
	}

	def := &PoolDef{
		Name: x.Name,
		UUID: x.UUID,
		Type: PoolType(x.Type),
	}

	var err error
	if def.Capacity, err = poolSize(x.Capacity); err != nil {
		return nil, fmt.Errorf("invalid pool capacity: %w", err)
	}
	if def.Allocation, err = poolSize(x.Allocation); err != nil {
		return nil, fmt.Errorf("invalid pool allocation: %w", err)
	}
	if def.Available, err = poolSize(x.Available); err != nil {
		return nil, fmt.Errorf("invalid pool available: %w", err)
	}

	if src := x.Source; src != nil {
		def.Source.Name = src.Name
		if src.Dir != nil {
			def.Source.Dir = src.Dir.Path
		}
		for _, d := range src.Device {
			def.Source.Devices = append(def.Source.Devices, d.Path)
		}
		for _, h := range src.Host {
			def.Source.Hosts = append(def.Source.Hosts, Host{Name: h.Name, Port: h.Port})
		}
		if src.Format != nil {
			def.Source.Format = src.Format.Type
		}
		if a := src.Adapter; a != nil {
			def.Source.Adapter = &Adapter{
				Type:   AdapterType(a.Type),
				Name:   a.Name,
				Parent: a.Parent,
				WWNN:   a.WWNN,
				WWPN:   a.WWPN,
			}
			// libvirt treats an adapter with only a name as scsi_host
			if def.Source.Adapter.Type == "" && a.Name != "" {
				def.Source.Adapter.Type = AdapterSCSIHost
			}
		}
	}

	if t := x.Target; t != nil {
		def.Target.Path = t.Path
		if p := t.Permissions; p != nil {
			def.Target.Perms = Permissions{Owner: p.Owner, Group: p.Group, Mode: p.Mode, Label: p.Label}
		}
	}

	if err := def.Normalize(); err != nil {
		return nil, err
	}
	return def, nil
}

// FormatPoolXML renders def as a libvirt <pool> document.
func FormatPoolXML(def *PoolDef) (string, error) {
	x := &libvirtxml.StoragePool{
		Type:       string(def.Type),
		Name:       def.Name,
		UUID:       def.UUID,
		Capacity:   &libvirtxml.StoragePoolSize{Unit: "bytes", Value: def.Capacity},
		Allocation: &libvirtxml.StoragePoolSize{Unit: "bytes", Value: def.Allocation},
		Available:  &libvirtxml.StoragePoolSize{Unit: "bytes", Value: def.Available},
	}

	src := &libvirtxml.StoragePoolSource{Name: def.Source.Name}
	hasSource := def.Source.Name != ""
	if def.Source.Dir != "" {
		src.Dir = &libvirtxml.StoragePoolSourceDir{Path: def.Source.Dir}
		hasSource = true
	}
	for _, d := range def.Source.Devices {
		src.Device = append(src.Device, libvirtxml.StoragePoolSourceDevice{Path: d})
		hasSource = true
	}
	for _, h := range def.Source.Hosts {
		src.Host = append(src.Host, libvirtxml.StoragePoolSourceHost{Name: h.Name, Port: h.Port})
		hasSource = true
	}
	if def.Source.Format != "" {
		src.Format = &libvirtxml.StoragePoolSourceFormat{Type: def.Source.Format}
		hasSource = true
	}
	if a := def.Source.Adapter; a != nil {
		src.Adapter = &libvirtxml.StoragePoolSourceAdapter{
			Type:   string(a.Type),
			Name:   a.Name,
			Parent: a.Parent,
			WWNN:   a.WWNN,
			WWPN:   a.WWPN,
		}
		hasSource = true
	}
	if hasSource {
		x.Source = src
	}

	if def.Target.Path != "" {
		x.Target = &libvirtxml.StoragePoolTarget{Path: def.Target.Path}
		if p := def.Target.Perms; p != (Permissions{}) {
			x.Target.Permissions = &libvirtxml.StoragePoolTargetPermissions{
				Owner: p.Owner, Group: p.Group, Mode: p.Mode, Label: p.Label,
			}
		}
	}

	doc, err := x.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to format pool XML: %w", err)
	}
	return cleanXML(string(doc)), nil
}

// VolParseOptions tune volume definition parsing.
type VolParseOptions struct {
	// NoCapacity accepts a definition without <capacity>, as clones inherit it.
	NoCapacity bool
}

// ParseVolXML parses a libvirt <volume> document for a volume of pool.
func ParseVolXML(doc string, pool *PoolDef, opts VolParseOptions) (*VolDef, error) {
	var x libvirtxml.StorageVolume
	if err := x.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("failed to parse volume XML: %w", err)
	}

	vol := &VolDef{
		Name: x.Name,
		Key:  x.Key,
		Type: VolType(x.Type),
	}

	if x.Capacity == nil && !opts.NoCapacity {
		return nil, fmt.Errorf("missing capacity element")
	}
	var err error
	if x.Capacity != nil {
		if vol.Target.Capacity, err = ScaleSize(x.Capacity.Value, x.Capacity.Unit); err != nil {
			return nil, fmt.Errorf("malformed capacity element: %w", err)
		}
	}
	if x.Allocation != nil {
		if vol.Target.Allocation, err = ScaleSize(x.Allocation.Value, x.Allocation.Unit); err != nil {
			return nil, fmt.Errorf("malformed allocation element: %w", err)
		}
	} else {
		vol.Target.Allocation = vol.Target.Capacity
	}

	if t := x.Target; t != nil {
		vol.Target.Path = t.Path
		if t.Format != nil {
			vol.Target.Format = t.Format.Type
		}
		if p := t.Permissions; p != nil {
			vol.Target.Perms = Permissions{Owner: p.Owner, Group: p.Group, Mode: p.Mode, Label: p.Label}
		}
	}
	if b := x.BackingStore; b != nil {
		vol.Backing = &BackingStore{Path: b.Path}
		if b.Format != nil {
			vol.Backing.Format = b.Format.Type
		}
	}

	if err := vol.Normalize(pool); err != nil {
		return nil, err
	}
	return vol, nil
}

// FormatVolXML renders vol as a libvirt <volume> document.
func FormatVolXML(vol *VolDef) (string, error) {
	x := &libvirtxml.StorageVolume{
		Type:       string(vol.Type),
		Name:       vol.Name,
		Key:        vol.Key,
		Capacity:   &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: vol.Target.Capacity},
		Allocation: &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: vol.Target.Allocation},
		Target: &libvirtxml.StorageVolumeTarget{
			Path: vol.Target.Path,
		},
	}
	if vol.Target.Format != "" {
		x.Target.Format = &libvirtxml.StorageVolumeTargetFormat{Type: vol.Target.Format}
	}
	if p := vol.Target.Perms; p != (Permissions{}) {
		x.Target.Permissions = &libvirtxml.StorageVolumeTargetPermissions{
			Owner: p.Owner, Group: p.Group, Mode: p.Mode, Label: p.Label,
		}
	}
	if b := vol.Backing; b != nil {
		x.BackingStore = &libvirtxml.StorageVolumeBackingStore{Path: b.Path}
		if b.Format != "" {
			x.BackingStore.Format = &libvirtxml.StorageVolumeTargetFormat{Type: b.Format}
		}
	}

	doc, err := x.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to format volume XML: %w", err)
	}
	return cleanXML(string(doc)), nil
}

func poolSize(s *libvirtxml.StoragePoolSize) (uint64, error) {
	if s == nil {
		return 0, nil
	}
	return ScaleSize(s.Value, s.Unit)
}

// cleanXML drops the XML declaration libvirtxml may emit.
func cleanXML(doc string) string {
	doc = strings.TrimPrefix(doc, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(doc)
}
