// Package kernel probes the host kernel version. It is adapted from
// the teacher's pkg/kernel and pkg/linux/init.go: instead of sizing a
// raw tcp_info struct per kernel version, it reports the version (which
// cmd/netstackd logs once at startup, as a warning if the probe fails)
// and offers an AtLeast comparison; nothing in this module calls
// AtLeast.
package kernel

import (
	"sync"

	dockerkernel "github.com/docker/docker/pkg/parsers/kernel"
)

var (
	probeOnce    sync.Once
	probeVersion *dockerkernel.VersionInfo
	probeErr     error
)

// Version returns the host kernel's version, probed once and cached.
func Version() (*dockerkernel.VersionInfo, error) {
	probeOnce.Do(func() {
		probeVersion, probeErr = dockerkernel.GetKernelVersion()
	})
	return probeVersion, probeErr
}

// AtLeast reports whether the host kernel is at or above k.major.minor.
// A probe failure (non-Linux host, unreadable /proc/version) is
// treated as "unknown", reported as false with the probe error so
// callers can log and proceed rather than fail NIC open.
func AtLeast(k, major, minor int) (bool, error) {
	v, err := Version()
	if err != nil {
		return false, err
	}
	want := dockerkernel.VersionInfo{Kernel: k, Major: major, Minor: minor}
	return dockerkernel.CompareKernelVersion(*v, want) >= 0, nil
}
