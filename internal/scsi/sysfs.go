package scsi

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jbweber/poold/internal/pooldef"
)

// DefaultSysfsRoot is where sysfs is mounted.
const DefaultSysfsRoot = "/sys"

const (
	// scanAll asks a SCSI host to rescan every channel, target and LUN.
	scanAll = "- - -"

	vportCreate = "vport_create"
	vportDelete = "vport_delete"
)

// sysfs reads and writes the kernel's SCSI objects below root.
type sysfs struct {
	root string
}

func (s sysfs) scsiHostDir() string { return filepath.Join(s.root, "class", "scsi_host") }
func (s sysfs) fcHostDir() string   { return filepath.Join(s.root, "class", "fc_host") }
func (s sysfs) devicesDir() string  { return filepath.Join(s.root, "bus", "scsi", "devices") }

func (s sysfs) scsiHost(host uint32) string {
	return filepath.Join(s.scsiHostDir(), fmt.Sprintf("host%d", host))
}

func readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// hostExists reports whether the SCSI host is present.
func (s sysfs) hostExists(host uint32) (bool, error) {
	_, err := os.Stat(s.scsiHost(host))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// listHosts returns the SCSI host names, hostN, in numeric order.
func (s sysfs) listHosts() ([]string, error) {
	entries, err := os.ReadDir(s.scsiHostDir())
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "host") {
			hosts = append(hosts, e.Name())
		}
	}
	sort.Slice(hosts, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(hosts[i], "host"))
		b, _ := strconv.Atoi(strings.TrimPrefix(hosts[j], "host"))
		return a < b
	})
	return hosts, nil
}

// rescan triggers a full scan of the SCSI host.
func (s sysfs) rescan(host uint32) error {
	return writeAttr(filepath.Join(s.scsiHost(host), "scan"), scanAll)
}

// fcHostByWWN returns the fc_host whose node and port names match. Found is
// false when no such host exists, which is normal for a vHBA not yet
// created.
func (s sysfs) fcHostByWWN(wwnn, wwpn string) (name string, found bool, err error) {
	entries, err := os.ReadDir(s.fcHostDir())
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	wwnn, wwpn = pooldef.NormalizeWWN(wwnn), pooldef.NormalizeWWN(wwpn)
	for _, e := range entries {
		dir := filepath.Join(s.fcHostDir(), e.Name())
		node, err := readAttr(filepath.Join(dir, "node_name"))
		if err != nil || pooldef.NormalizeWWN(node) != wwnn {
			continue
		}
		port, err := readAttr(filepath.Join(dir, "port_name"))
		if err != nil || pooldef.NormalizeWWN(port) != wwpn {
			continue
		}
		return e.Name(), true, nil
	}
	return "", false, nil
}

// vportCapable returns the first fc_host that can take another vport.
func (s sysfs) vportCapable() (string, bool) {
	entries, err := os.ReadDir(s.fcHostDir())
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		dir := filepath.Join(s.fcHostDir(), e.Name())
		if _, err := os.Stat(filepath.Join(dir, vportCreate)); err != nil {
			continue
		}
		max, err := readInt(filepath.Join(dir, "max_npiv_vports"))
		if err != nil {
			continue
		}
		inUse, err := readInt(filepath.Join(dir, "npiv_vports_inuse"))
		if err != nil {
			continue
		}
		if inUse < max {
			return e.Name(), true
		}
	}
	return "", false
}

// manageVport creates or deletes the vHBA wwpn:wwnn on the parent host.
func (s sysfs) manageVport(parent uint32, wwpn, wwnn, op string) error {
	path := filepath.Join(s.fcHostDir(), fmt.Sprintf("host%d", parent), op)
	return writeAttr(path, pooldef.NormalizeWWN(wwpn)+":"+pooldef.NormalizeWWN(wwnn))
}

func readInt(path string) (int, error) {
	v, err := readAttr(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
