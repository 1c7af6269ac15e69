package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
	"github.com/ravend/raven/pkg/unit/socket"
)

func TestClockReportsBootAndStartupTimes(t *testing.T) {
	m := newTestManager(t)
	c := clock{m}

	assert.Equal(t, m.bootTime, c.BootTime())
	assert.Equal(t, m.startupTime, c.StartupTime())
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)
}

func TestClockUnitActivationTimeMissingUnit(t *testing.T) {
	m := newTestManager(t)
	c := clock{m}

	_, ok := c.UnitActivationTime("missing.service")
	assert.False(t, ok)
}

func TestClockUnitActivationAndDeactivationTimes(t *testing.T) {
	m := newTestManager(t)
	c := clock{m}

	now := time.Now()
	mach := &stubMachine{meta: unit.Meta{
		ID:     "a.service",
		Active: types.Active,
		Load:   types.LoadLoaded,
		Timestamps: types.Timestamps{
			ActiveEnter:   now,
			InactiveEnter: now.Add(time.Minute),
		},
	}}
	m.reg.Put(mach)

	active, ok := c.UnitActivationTime("a.service")
	require.True(t, ok)
	assert.True(t, active.Equal(now))

	inactive, ok := c.UnitDeactivationTime("a.service")
	require.True(t, ok)
	assert.True(t, inactive.Equal(now.Add(time.Minute)))
}

func TestLastTriggerStoreRoundTrips(t *testing.T) {
	m := newTestManager(t)
	s := lastTriggerStore{m}

	_, ok := s.LoadLastTrigger("timer.timer")
	assert.False(t, ok)

	at := time.Now()
	require.NoError(t, s.SaveLastTrigger("timer.timer", at))

	got, ok := s.LoadLastTrigger("timer.timer")
	require.True(t, ok)
	assert.True(t, got.Equal(at.Truncate(0)) || got.UnixNano() == at.UnixNano())
}

func TestTriggersEnqueueStartForKnownUnit(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "a.service", types.Inactive)

	require.NoError(t, socketTrigger{m}.TriggerStart("a.service", nil))
	require.NoError(t, pathTrigger{m}.TriggerStart("a.service"))
	require.NoError(t, timerTrigger{m}.TriggerStart("a.service"))
}

func TestTriggerStartUnknownUnitFailsToLoad(t *testing.T) {
	m := newTestManager(t)

	err := socketTrigger{m}.TriggerStart("ghost.service", nil)
	assert.Error(t, err)
}

func TestNetlinkProtocolsOnlyCoversSupportedFamilies(t *testing.T) {
	for family := range netlinkProtocols {
		assert.True(t, family.Supported(), "netlinkProtocols has an entry for unsupported family %q", family)
	}
	assert.NotContains(t, netlinkProtocols, socket.NetlinkFirewall)
	assert.Contains(t, netlinkProtocols, socket.NetlinkRoute)
}

func TestSocketAdapterBindRejectsUnsupportedNetlinkFamily(t *testing.T) {
	_, err := socketAdapter{}.Bind(socket.Listener{Family: types.FamilyNetlink, Netlink: socket.NetlinkFirewall})
	assert.Error(t, err)
}
