package manager

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravend/raven/pkg/loader"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit/service"
	"github.com/ravend/raven/pkg/unit/socket"
)

func parse(t *testing.T, src string) *loader.File {
	t.Helper()
	f, err := loader.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return f
}

func TestParseUnitEdgesSplitsSpaceSeparatedLists(t *testing.T) {
	f := parse(t, "[Unit]\nRequires=a.service b.service\nAfter=b.service\n")
	edges := parseUnitEdges(f)

	var requires, after []types.UnitID
	for _, e := range edges {
		switch e.rel {
		case types.Requires:
			requires = append(requires, e.target)
		case types.After:
			after = append(after, e.target)
		}
	}
	assert.ElementsMatch(t, []types.UnitID{"a.service", "b.service"}, requires)
	assert.Equal(t, []types.UnitID{"b.service"}, after)
}

func TestParseExecCommandStripsIgnoreErrorMarker(t *testing.T) {
	cmd := parseExecCommand("-/usr/bin/true arg1 arg2")
	assert.True(t, cmd.IgnoreError)
	assert.Equal(t, "/usr/bin/true", cmd.Path)
	assert.Equal(t, []string{"arg1", "arg2"}, cmd.Argv)
}

func TestParseExecCommandEmptyValue(t *testing.T) {
	cmd := parseExecCommand("   ")
	assert.Equal(t, types.ExecCommand{}, cmd)
}

func TestParseDurationAcceptsGoAndBareSeconds(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseDuration("5s", time.Minute))
	assert.Equal(t, 30*time.Second, parseDuration("30", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("not-a-duration", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("", time.Minute))
}

func TestParseBoolRecognizesSystemdSpellings(t *testing.T) {
	f := parse(t, "[Service]\nA=yes\nB=0\nC=maybe\n")
	assert.True(t, parseBool(f, "Service", "A", false))
	assert.False(t, parseBool(f, "Service", "B", true))
	assert.True(t, parseBool(f, "Service", "C", true), "unrecognized spelling falls back to default")
}

func TestParseExitStatusSetMixesCodesAndSignals(t *testing.T) {
	f := parse(t, "[Service]\nSuccessExitStatus=0 1 SIGTERM\n")
	set := parseExitStatusSet(f, "Service", "SuccessExitStatus")
	require.NotNil(t, set)
	assert.True(t, set.HasCode(0))
	assert.True(t, set.HasCode(1))
	assert.True(t, set.HasSignal("SIGTERM"))
}

func TestBuildServiceConfigDefaults(t *testing.T) {
	f := parse(t, "[Service]\nExecStart=/usr/bin/sleep 1\n")
	cfg := buildServiceConfig(f)

	assert.Equal(t, service.Simple, cfg.Type)
	assert.Equal(t, types.RestartCondition("no"), cfg.Restart)
	assert.Equal(t, 100*time.Millisecond, cfg.RestartSec)
	assert.Equal(t, 90*time.Second, cfg.TimeoutStartSec)
	require.Len(t, cfg.ExecStart, 1)
	assert.Equal(t, "/usr/bin/sleep", cfg.ExecStart[0].Path)
}

func TestBuildServiceConfigEnvironment(t *testing.T) {
	f := parse(t, "[Service]\nExecStart=/bin/true\nEnvironment=A=1 B=2\n")
	cfg := buildServiceConfig(f)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, cfg.Exec.Env)
}

func TestBuildSocketConfigListenersAndValidate(t *testing.T) {
	f := parse(t, "[Socket]\nListenStream=/run/raven/test.sock\nAccept=yes\n")
	cfg, err := buildSocketConfig(f)
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, "/run/raven/test.sock", cfg.Listeners[0].Path)
	assert.True(t, cfg.Accept)
}

func TestBuildSocketConfigRejectsUnknownNetlinkFamily(t *testing.T) {
	f := parse(t, "[Socket]\nListenNetlink=bogus-family\n")
	_, err := buildSocketConfig(f)
	assert.Error(t, err)
}

func TestBuildSocketConfigRejectsUnimplementedNetlinkFamily(t *testing.T) {
	f := parse(t, "[Socket]\nListenNetlink=firewall\n")
	_, err := buildSocketConfig(f)
	assert.Error(t, err)
}

func TestBuildSocketConfigAcceptsSupportedNetlinkFamily(t *testing.T) {
	f := parse(t, "[Socket]\nListenNetlink=route\n")
	cfg, err := buildSocketConfig(f)
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, socket.NetlinkRoute, cfg.Listeners[0].Netlink)
}

func TestListenerForDetectsPathVsAddress(t *testing.T) {
	path := listenerFor(types.FamilyStream, "/run/x.sock")
	assert.Equal(t, "/run/x.sock", path.Path)

	abstract := listenerFor(types.FamilyStream, "@abstract")
	assert.Equal(t, "@abstract", abstract.Path)

	addr := listenerFor(types.FamilyStream, "127.0.0.1:8080")
	assert.Equal(t, "127.0.0.1:8080", addr.Address)
}

func TestBuildTimerConfigParsesBootAndCalendarBases(t *testing.T) {
	f := parse(t, "[Timer]\nOnBootSec=5m\nOnCalendar=*-*-* 00:00:00\nPersistent=yes\n")
	cfg := buildTimerConfig(f)
	require.Len(t, cfg.Values, 2)
	assert.True(t, cfg.Persistent)
}

func TestBuildPathConfigDefaultDirectoryMode(t *testing.T) {
	f := parse(t, "[Path]\nPathExists=/tmp/trigger\n")
	cfg := buildPathConfig(f)
	require.Len(t, cfg.Specs, 1)
	assert.Equal(t, "/tmp/trigger", cfg.Specs[0].Path)
	assert.EqualValues(t, 0755, cfg.DirectoryMode)
}
