// Package metrics provides session counters for capture runs.
//
// A nil *Collector is valid: all Inc methods are no-ops on nil, so
// instrumented code never needs nil checks at call sites.
package metrics

import "sync"

// Collector accumulates counters across a recording session. Safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	framesCaptured int64
	framesFailed   int64
	captureRetries int64
	deviceRetries  int64
	reconnects     int64
	flushes        int64
	sensorFallback int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncFramesCaptured increments the captured-frame count.
func (c *Collector) IncFramesCaptured() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesCaptured++
}

// IncFramesFailed increments the failed-frame count.
func (c *Collector) IncFramesFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesFailed++
}

// IncCaptureRetries increments the per-tick capture retry count.
func (c *Collector) IncCaptureRetries() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captureRetries++
}

// IncDeviceRetries increments the device command retry count.
func (c *Collector) IncDeviceRetries() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceRetries++
}

// IncReconnects increments the device reconnect count.
func (c *Collector) IncReconnects() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

// IncFlushes increments the store flush count.
func (c *Collector) IncFlushes() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
}

// IncSensorFallback increments the replaced-sensor-reading count.
func (c *Collector) IncSensorFallback() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensorFallback++
}

// Snapshot is an immutable copy of the counters at one moment.
type Snapshot struct {
	FramesCaptured int64
	FramesFailed   int64
	CaptureRetries int64
	DeviceRetries  int64
	Reconnects     int64
	Flushes        int64
	SensorFallback int64
}

// Snapshot returns a copy of the current counters. Safe on nil.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		FramesCaptured: c.framesCaptured,
		FramesFailed:   c.framesFailed,
		CaptureRetries: c.captureRetries,
		DeviceRetries:  c.deviceRetries,
		Reconnects:     c.reconnects,
		Flushes:        c.flushes,
		SensorFallback: c.sensorFallback,
	}
}
