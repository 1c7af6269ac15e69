//go:build linux

package watchdog

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ravend/raven/pkg/rerr"
)

// Linux watchdog ioctl request numbers, from <linux/watchdog.h>; there
// is no golang.org/x/sys/unix constant for these since the watchdog
// API lives entirely behind ioctl rather than a syscall of its own.
const (
	wdiocSetoptions = 0x80045704
	wdiocKeepalive  = 0x80045705
	wdiocSettimeout = 0xc0045706
	wdiocGettimeout = 0x80045707

	wdiosDisableCard = 0x0001
)

// Device drives a hardware watchdog through /dev/watchdogN via ioctl,
// per spec 6's config(timeout)/feed()/close() description.
type Device struct {
	f *os.File
}

// OpenDevice opens path (conventionally "/dev/watchdog0").
func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "watchdog.OpenDevice", err)
	}
	return &Device{f: f}, nil
}

// Configure sets the device's timeout in seconds and returns half of
// it as the feed interval.
func (d *Device) Configure(timeout time.Duration) (time.Duration, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	if err := unix.IoctlSetInt(int(d.f.Fd()), wdiocSettimeout, secs); err != nil {
		return 0, rerr.Wrap(rerr.IO, "watchdog.Configure", err)
	}
	return timeout / 2, nil
}

// Feed resets the countdown via WDIOC_KEEPALIVE.
func (d *Device) Feed() error {
	if err := unix.IoctlSetInt(int(d.f.Fd()), wdiocKeepalive, 0); err != nil {
		return rerr.Wrap(rerr.IO, "watchdog.Feed", err)
	}
	return nil
}

// Close disarms the card (WDIOS_DISABLECARD) before closing the file;
// most drivers otherwise let the timeout fire on the next boot if the
// magic-close byte isn't written, so this also writes 'V' per the
// kernel's documented magic-close convention before the ioctl.
func (d *Device) Close() error {
	_, werr := d.f.Write([]byte{'V'})
	ierr := unix.IoctlSetInt(int(d.f.Fd()), wdiocSetoptions, wdiosDisableCard)
	cerr := d.f.Close()
	if werr != nil {
		return rerr.Wrap(rerr.IO, "watchdog.Close", werr)
	}
	if ierr != nil {
		return rerr.Wrap(rerr.IO, "watchdog.Close", ierr)
	}
	if cerr != nil {
		return rerr.Wrap(rerr.IO, "watchdog.Close", cerr)
	}
	return nil
}
