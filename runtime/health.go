package runtime

import (
	"golang.org/x/sys/unix"
)

// HealthChecker verifies host resources between capture batches. Checks
// run on the capture goroutine, so they must be fast.
type HealthChecker interface {
	// CheckDisk verifies free space on the output filesystem.
	CheckDisk() error
	// CheckMemory verifies available system memory.
	CheckMemory() error
}

// HostHealth checks the real host via statfs and sysinfo.
type HostHealth struct {
	// Path is any path on the output filesystem.
	Path string
	// MinDiskFree is the free-space floor in bytes.
	MinDiskFree uint64
	// MinMemFree is the available-memory floor in bytes.
	MinMemFree uint64
}

var _ HealthChecker = (*HostHealth)(nil)

// CheckDisk fails when free space on the output filesystem drops under
// the floor. A long run must stop while there is still room to
// finalize the recording.
func (h *HostHealth) CheckDisk() error {
	var fs unix.Statfs_t
	if err := unix.Statfs(h.Path, &fs); err != nil {
		return &HealthError{Resource: "disk", Err: err}
	}
	free := fs.Bavail * uint64(fs.Bsize)
	if free < h.MinDiskFree {
		return &HealthError{Resource: "disk", Err: ErrLowDisk}
	}
	return nil
}

// CheckMemory fails when available memory drops under the floor.
func (h *HostHealth) CheckMemory() error {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return &HealthError{Resource: "memory", Err: err}
	}
	available := (uint64(info.Freeram) + uint64(info.Bufferram)) * uint64(info.Unit)
	if available < h.MinMemFree {
		return &HealthError{Resource: "memory", Err: ErrLowMemory}
	}
	return nil
}
