package manager

import (
	"context"
	"time"

	"github.com/ravend/raven/pkg/event"
)

// newSigChldPoller builds a Timer source that reaps on a short,
// fixed cadence — used on platforms or sandboxes where signalfd isn't
// available. It costs a little latency on exit detection (up to one
// tick) in exchange for not depending on a real-time signal mechanism.
func newSigChldPoller(m *Manager) event.Source {
	const tick = 200 * time.Millisecond
	return event.NewTimer(-7, time.Now().Add(tick), tick, func(context.Context) error {
		m.sup.Reap()
		return nil
	})
}
