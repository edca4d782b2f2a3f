package storagefile

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
)

// QEMUConfPath is where libvirt's qemu driver names the hypervisor user.
const QEMUConfPath = "/etc/libvirt/qemu.conf"

var (
	hvOnce sync.Once
	hvUID  int
	hvGID  int
	hvErr  error
)

// HypervisorIDs returns the uid and gid the hypervisor process runs as,
// which is the identity backing chains are inspected with. The lookup order
// is the user configured in qemu.conf, then the common distribution user
// names, then 107:107. The result is cached.
func HypervisorIDs() (uid, gid int, err error) {
	hvOnce.Do(func() {
		hvUID, hvGID, hvErr = lookupHypervisorIDs(QEMUConfPath)
	})
	return hvUID, hvGID, hvErr
}

func lookupHypervisorIDs(confPath string) (int, int, error) {
	username, groupname := configuredUser(confPath)

	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			gid := u.Gid
			if groupname != "" {
				if g, err := user.LookupGroup(groupname); err == nil {
					gid = g.Gid
				}
			}
			return atoiIDs(u.Uid, gid)
		}
	}

	for _, name := range []string{"qemu", "libvirt-qemu"} {
		if u, err := user.Lookup(name); err == nil {
			return atoiIDs(u.Uid, u.Gid)
		}
	}

	return 107, 107, fmt.Errorf("could not determine hypervisor user, using fallback uid/gid 107")
}

func atoiIDs(uid, gid string) (int, int, error) {
	u, err := strconv.Atoi(uid)
	if err != nil {
		return -1, -1, fmt.Errorf("non-numeric uid %q", uid)
	}
	g, err := strconv.Atoi(gid)
	if err != nil {
		return -1, -1, fmt.Errorf("non-numeric gid %q", gid)
	}
	return u, g, nil
}

// configuredUser extracts the user and group settings from a qemu.conf
// style file. Missing files and settings yield empty strings.
func configuredUser(path string) (username, groupname string) {
	file, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"'")
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}

	return username, groupname
}
