package scsi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbweber/poold/internal/naming"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
)

// Peripheral device types from the SCSI INQUIRY data. Only disks and
// CD-ROMs become volumes.
const (
	deviceTypeDisk = 0
	deviceTypeROM  = 5
)

const sectorSize = 512

// findLUNs adds a volume for every disk or CD-ROM LUN on host. LUNs that
// cannot be turned into volumes are skipped.
func (b *Backend) findLUNs(ctx context.Context, pool *storage.Pool, host uint32) error {
	entries, err := os.ReadDir(b.sys.devicesDir())
	if err != nil {
		return err
	}

	found := false
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, bus, target, lun, err := naming.ParseSCSIAddress(e.Name())
		if err != nil || h != host {
			continue
		}
		found = true
		b.log.V(1).Info("found LUN", "pool", pool.Name(), "address", e.Name())

		if err := b.processLUN(ctx, pool, e.Name(), bus, target, lun); err != nil {
			b.log.V(1).Info("skipping LUN", "pool", pool.Name(), "address", e.Name(), "reason", err.Error())
		}
	}
	if !found {
		b.log.V(1).Info("no LUNs found", "pool", pool.Name(), "host", host)
	}
	return nil
}

func (b *Backend) processLUN(ctx context.Context, pool *storage.Pool, addr string, bus, target, lun uint32) error {
	typ, err := b.sys.deviceType(addr)
	if err != nil {
		return err
	}
	if typ != deviceTypeDisk && typ != deviceTypeROM {
		return nil
	}

	dev, err := b.sys.blockDevice(addr)
	if err != nil {
		return err
	}
	devPath := filepath.Join(b.devDir, dev)

	def := pool.Def()
	path, ok := b.stablePath(def.Target.Path, devPath)
	if !ok {
		return fmt.Errorf("no stable path for %s in %s", devPath, def.Target.Path)
	}

	capacity, err := b.sys.blockSize(dev)
	if err != nil {
		return err
	}

	vol := &pooldef.VolDef{
		Name: naming.SCSIUnitName(bus, target, lun),
		Key:  b.serial(ctx, path),
		Type: pooldef.VolTypeBlock,
	}
	vol.Target.Path = path
	vol.Target.Capacity = capacity
	vol.Target.Allocation = capacity

	def.Capacity += capacity
	def.Allocation += capacity
	pool.AddVolume(vol)
	return nil
}

// deviceType reads the peripheral device type of a LUN.
func (s sysfs) deviceType(addr string) (int, error) {
	path := filepath.Join(s.devicesDir(), addr, "type")
	typ, err := readInt(path)
	if err != nil {
		return 0, fmt.Errorf("cannot read device type of %s: %w", addr, err)
	}
	return typ, nil
}

// blockDevice returns the kernel name of the LUN's block device. Newer
// kernels list it in a block/ subdirectory; older ones have a block:sdX
// entry.
func (s sysfs) blockDevice(addr string) (string, error) {
	dir := filepath.Join(s.devicesDir(), addr)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == "block":
			devs, err := os.ReadDir(filepath.Join(dir, name))
			if err != nil {
				return "", err
			}
			for _, d := range devs {
				if !strings.HasPrefix(d.Name(), ".") {
					return d.Name(), nil
				}
			}
			return "", fmt.Errorf("no block device under %s", addr)
		case strings.HasPrefix(name, "block:"):
			return strings.TrimPrefix(name, "block:"), nil
		}
	}
	return "", fmt.Errorf("%s has no block device", addr)
}

// blockSize returns the size of a block device in bytes.
func (s sysfs) blockSize(dev string) (uint64, error) {
	sectors, err := readInt(filepath.Join(s.root, "class", "block", dev, "size"))
	if err != nil {
		return 0, fmt.Errorf("cannot read size of %s: %w", dev, err)
	}
	return uint64(sectors) * sectorSize, nil
}

// stablePath finds the link in target that points at devPath. A pool
// targeting the device directory itself uses the kernel path.
func (b *Backend) stablePath(target, devPath string) (string, bool) {
	if target == "" || filepath.Clean(target) == filepath.Clean(b.devDir) {
		return devPath, true
	}

	devInfo, err := os.Stat(devPath)
	if err != nil {
		return "", false
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		candidate := filepath.Join(target, e.Name())
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if os.SameFile(info, devInfo) {
			return candidate, true
		}
	}
	return "", false
}

// serial returns the udev serial of the device at path, or the path when
// scsi_id has nothing to say.
func (b *Backend) serial(ctx context.Context, path string) string {
	out, err := b.run.Run(ctx, b.scsiID, "--replace-whitespace", "--whitelisted", "--device", path)
	if err != nil {
		b.log.V(1).Info("scsi_id failed, keying by path", "path", path, "error", err.Error())
		return path
	}
	serial, _, _ := strings.Cut(string(out), "\n")
	if serial = strings.TrimSpace(serial); serial == "" {
		return path
	}
	return serial
}
