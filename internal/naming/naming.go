// Package naming provides the path and name conventions shared by the
// storage driver and its backends: config file and autostart link
// locations, SCSI unit names and pool/volume name validation.
//
// These rules are independent of any particular backend.
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// ConfigSuffix is the extension of persisted pool definitions.
	ConfigSuffix = ".xml"

	// StorageSubdir is the directory below the base dir holding pool configs.
	StorageSubdir = "storage"

	// AutostartSubdir is the directory below the config dir holding autostart links.
	AutostartSubdir = "autostart"
)

// namePattern mirrors what libvirt accepts for pool names in practice:
// anything printable without a path separator.
var namePattern = regexp.MustCompile(`^[^/\x00-\x1f]+$`)

// ValidateName checks that a pool or volume name is usable as a file name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name: %q", name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name: %q (must not contain '/' or control characters)", name)
	}
	return nil
}

// ConfigDir returns the pool config directory below base.
// Format: {base}/storage
func ConfigDir(base string) string {
	return filepath.Join(base, StorageSubdir)
}

// AutostartDir returns the autostart directory below base.
// Format: {base}/storage/autostart
func AutostartDir(base string) string {
	return filepath.Join(ConfigDir(base), AutostartSubdir)
}

// ConfigFile returns the config file path of a pool.
// Format: {dir}/{name}.xml
func ConfigFile(dir, poolName string) string {
	return filepath.Join(dir, poolName+ConfigSuffix)
}

// AutostartLink returns the autostart symlink path of a pool.
// Format: {autostartDir}/{name}.xml
func AutostartLink(autostartDir, poolName string) string {
	return filepath.Join(autostartDir, poolName+ConfigSuffix)
}

// PoolNameFromConfig returns the pool name a config file name encodes,
// or false when the file is not a pool config.
func PoolNameFromConfig(fileName string) (string, bool) {
	base := filepath.Base(fileName)
	if !strings.HasSuffix(base, ConfigSuffix) || base == ConfigSuffix {
		return "", false
	}
	return strings.TrimSuffix(base, ConfigSuffix), true
}

// SCSIUnitName returns the volume name of a LUN. The host number is left out
// because the kernel assigns it first come, first served.
// Format: unit:{bus}:{target}:{lun}
func SCSIUnitName(bus, target, lun uint32) string {
	return fmt.Sprintf("unit:%d:%d:%d", bus, target, lun)
}

// ParseSCSIAddress parses a "H:B:T:L" sysfs device entry.
func ParseSCSIAddress(s string) (host, bus, target, lun uint32, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("invalid SCSI address: %q", s)
	}
	var vals [4]uint32
	for i, p := range parts {
		v, perr := strconv.ParseUint(p, 10, 32)
		if perr != nil {
			return 0, 0, 0, 0, fmt.Errorf("invalid SCSI address: %q", s)
		}
		vals[i] = uint32(v)
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// HostNumber extracts N from an adapter name of the form scsi_hostN,
// fc_hostN or hostN.
func HostNumber(adapterName string) (uint32, error) {
	rest := adapterName
	switch {
	case strings.HasPrefix(rest, "scsi_host"):
		rest = strings.TrimPrefix(rest, "scsi_host")
	case strings.HasPrefix(rest, "fc_host"):
		rest = strings.TrimPrefix(rest, "fc_host")
	case strings.HasPrefix(rest, "host"):
		rest = strings.TrimPrefix(rest, "host")
	default:
		return 0, fmt.Errorf("invalid adapter name %q for SCSI pool", adapterName)
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid adapter name %q for SCSI pool", adapterName)
	}
	return uint32(n), nil
}
