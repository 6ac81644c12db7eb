package status

import "sync/atomic"

var draining atomic.Bool
var drainingEnabled atomic.Bool

// EnableDrainFlag turns on/off whether SetDraining has any effect, so the
// flag can be wired up only once a listener actually exists.
func EnableDrainFlag(on bool) { drainingEnabled.Store(on) }

// SetDraining marks the status endpoint as draining, causing /health to
// report 503 during graceful shutdown.
func SetDraining(on bool) {
	if drainingEnabled.Load() {
		draining.Store(on)
	}
}

// IsDraining reports whether the endpoint is currently draining.
func IsDraining() bool { return drainingEnabled.Load() && draining.Load() }
