// Package runtime drives a recording session: it walks the frame
// schedule, coordinates the illuminator pulse with frame acquisition,
// and persists every tick to the store.
package runtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for run failure classification.
var (
	// ErrCaptureFailed indicates the frame source produced nothing for a
	// tick even after retries. Non-fatal; the tick is recorded as failed.
	ErrCaptureFailed = errors.New("frame capture failed")

	// ErrLowDisk indicates free space under the configured floor.
	ErrLowDisk = errors.New("disk space below threshold")

	// ErrLowMemory indicates available memory under the configured floor.
	ErrLowMemory = errors.New("available memory below threshold")

	// ErrDeviceUnavailable indicates the device stayed down after the
	// single reconnect attempt a health check is allowed.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrStopped indicates the run ended on an operator stop request.
	ErrStopped = errors.New("run stopped")
)

// HealthError wraps a failed periodic health check with the resource
// that tripped it. Health failures end the run gracefully so the
// recording is finalized with everything captured so far.
type HealthError struct {
	// Resource names the check ("disk", "memory", "device").
	Resource string
	// Err is the sentinel classification.
	Err error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("health check %s: %v", e.Resource, e.Err)
}

// Unwrap returns the sentinel classification.
func (e *HealthError) Unwrap() error {
	return e.Err
}

// IsHealthError reports whether err came from a health check.
func IsHealthError(err error) bool {
	var he *HealthError
	return errors.As(err, &he)
}
