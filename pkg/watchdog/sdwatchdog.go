package watchdog

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/ravend/raven/pkg/rerr"
)

// SdWatchdog feeds whatever supervisor is watching raven itself over
// the sd_notify protocol — used when raven runs as a systemd-supervised
// re-exec helper, or nested under another instance of itself during
// testing, rather than as pid 1.
type SdWatchdog struct{}

// Configure reads WATCHDOG_USEC from the environment via
// daemon.SdWatchdogEnabled rather than accepting timeout, since the
// supervisor — not raven — owns that value; the requested timeout is
// only used as a fallback when no supervisor watchdog is configured.
func (SdWatchdog) Configure(timeout time.Duration) (time.Duration, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0, rerr.Wrap(rerr.IO, "watchdog.SdWatchdog.Configure", err)
	}
	if interval <= 0 {
		return timeout / 2, nil
	}
	return interval / 2, nil
}

// Feed sends WATCHDOG=1 on the notify socket.
func (SdWatchdog) Feed() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	if err != nil {
		return rerr.Wrap(rerr.IO, "watchdog.SdWatchdog.Feed", err)
	}
	return nil
}

// Close is a no-op: the notify socket has no "disarm" message, and
// sending STOPPING is the caller's job at actual shutdown, not
// Watchdog's.
func (SdWatchdog) Close() error { return nil }
