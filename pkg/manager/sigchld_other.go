//go:build !linux

package manager

import "github.com/ravend/raven/pkg/event"

// newSigChldSource falls back to polling on platforms without
// signalfd; sigChldSource itself is Linux-only.
func newSigChldSource(m *Manager) event.Source {
	return newSigChldPoller(m)
}
