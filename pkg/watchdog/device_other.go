//go:build !linux

package watchdog

import (
	"time"

	"github.com/ravend/raven/pkg/rerr"
)

// Device is a no-op stand-in for platforms without /dev/watchdogN;
// OpenDevice always fails so callers fall back to whatever other
// Watchdog they have (or none).
type Device struct{}

// OpenDevice always returns rerr.OpNotSupported on non-Linux builds.
func OpenDevice(path string) (*Device, error) {
	return nil, rerr.New(rerr.OpNotSupported, "watchdog.OpenDevice", path)
}

func (d *Device) Configure(timeout time.Duration) (time.Duration, error) { return 0, nil }
func (d *Device) Feed() error                                            { return nil }
func (d *Device) Close() error                                           { return nil }
