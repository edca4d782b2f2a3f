// Package status names storage pool states and guards the transitions
// between them.
package status

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

var names = map[libvirt.StoragePoolState]string{
	libvirt.StoragePoolInactive:     "inactive",
	libvirt.StoragePoolBuilding:     "building",
	libvirt.StoragePoolRunning:      "running",
	libvirt.StoragePoolDegraded:     "degraded",
	libvirt.StoragePoolInaccessible: "inaccessible",
}

// Name returns the lower-case name of a pool state.
func Name(s libvirt.StoragePoolState) string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", s)
}

// IsActive reports whether a pool in state s has been started.
func IsActive(s libvirt.StoragePoolState) bool {
	return s == libvirt.StoragePoolRunning || s == libvirt.StoragePoolDegraded
}

// transitions lists the states each state may move to.
var transitions = map[libvirt.StoragePoolState][]libvirt.StoragePoolState{
	libvirt.StoragePoolInactive: {libvirt.StoragePoolBuilding, libvirt.StoragePoolRunning},
	libvirt.StoragePoolBuilding: {libvirt.StoragePoolInactive},
	libvirt.StoragePoolRunning:  {libvirt.StoragePoolInactive, libvirt.StoragePoolDegraded},
	libvirt.StoragePoolDegraded: {libvirt.StoragePoolInactive, libvirt.StoragePoolRunning},
}

// Transition moves *s to next, rejecting moves the pool state machine does
// not allow. The state is unchanged on error.
func Transition(s *libvirt.StoragePoolState, next libvirt.StoragePoolState) error {
	if *s == next {
		return nil
	}
	for _, allowed := range transitions[*s] {
		if allowed == next {
			*s = next
			return nil
		}
	}
	return fmt.Errorf("cannot transition pool from %s to %s", Name(*s), Name(next))
}
