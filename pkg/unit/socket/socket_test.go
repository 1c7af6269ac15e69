package socket

import (
	"context"
	"testing"

	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBinder struct {
	nextFd      int
	closed      []int
	chmods      []uint32
	symlinked   []string
}

func (b *fakeBinder) Bind(l Listener) (int, error) {
	b.nextFd++
	return b.nextFd, nil
}
func (b *fakeBinder) Close(fd int) error { b.closed = append(b.closed, fd); return nil }
func (b *fakeBinder) Chown(l Listener, uid, gid int) error { return nil }
func (b *fakeBinder) Chmod(l Listener, mode uint32) error {
	b.chmods = append(b.chmods, mode)
	return nil
}
func (b *fakeBinder) Symlink(l Listener, alias string) error {
	b.symlinked = append(b.symlinked, alias)
	return nil
}

type fakeRunner struct{ ran []string }

func (r *fakeRunner) Run(cmd types.ExecCommand) error {
	r.ran = append(r.ran, cmd.Path)
	return nil
}

type fakeTrigger struct{ started []types.UnitID }

func (t *fakeTrigger) TriggerStart(target types.UnitID, env map[string]string) error {
	t.started = append(t.started, target)
	return nil
}

type noopSink struct{}

func (noopSink) UnitStateChanged(unit.Event) {}

func TestParseNetlinkFamilyRejectsUnknown(t *testing.T) {
	_, ok := ParseNetlinkFamily("not-a-real-family")
	assert.False(t, ok)

	f, ok := ParseNetlinkFamily("audit")
	assert.True(t, ok)
	assert.Equal(t, NetlinkAudit, f)
}

func TestValidateRejectsSymlinksWithoutExactlyOneFSListener(t *testing.T) {
	cfg := Config{
		Listeners: []Listener{{Family: types.FamilyDatagram, Address: "127.0.0.1:53"}},
		Symlinks:  []string{"/run/alias.sock"},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestNetlinkFamilySupported(t *testing.T) {
	assert.True(t, NetlinkRoute.Supported())
	assert.True(t, NetlinkKObjectUevent.Supported())
	assert.False(t, NetlinkFirewall.Supported())
	assert.False(t, NetlinkNFLog.Supported())
	assert.False(t, NetlinkXFRM.Supported())
	assert.False(t, NetlinkConnector.Supported())
	assert.False(t, NetlinkGeneric.Supported())
	assert.False(t, NetlinkECryptFS.Supported())
	assert.False(t, NetlinkInvalid.Supported())
}

func TestValidateRejectsUnimplementedNetlinkFamily(t *testing.T) {
	cfg := Config{Listeners: []Listener{{Family: types.FamilyNetlink, Netlink: NetlinkFirewall}}}
	require.Error(t, cfg.Validate())

	cfg = Config{Listeners: []Listener{{Family: types.FamilyNetlink, Netlink: NetlinkRoute}}}
	assert.NoError(t, cfg.Validate())
}

func TestValidateAcceptsSymlinksWithOneFSListener(t *testing.T) {
	cfg := Config{
		Listeners: []Listener{{Family: types.FamilyStream, Path: "/run/demo.sock"}},
		Symlinks:  []string{"/run/alias.sock"},
	}
	require.NoError(t, cfg.Validate())
}

func TestAcceptFalseTriggersServiceImmediatelyOnStart(t *testing.T) {
	cfg := Config{
		Listeners: []Listener{{Family: types.FamilyStream, Address: "127.0.0.1:8080"}},
		Accept:    false,
	}
	trigger := &fakeTrigger{}
	m, err := New("demo.socket", cfg, &fakeBinder{}, &fakeRunner{}, trigger, noopSink{})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Running, m.sub)
	assert.Equal(t, []types.UnitID{"demo.service"}, trigger.started)
}

func TestAcceptTrueStaysListeningUntilConnectionArrives(t *testing.T) {
	cfg := Config{
		Listeners: []Listener{{Family: types.FamilyStream, Address: "127.0.0.1:8080"}},
		Accept:    true,
	}
	trigger := &fakeTrigger{}
	m, err := New("demo.socket", cfg, &fakeBinder{}, &fakeRunner{}, trigger, noopSink{})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Listening, m.sub)
	assert.Empty(t, trigger.started)

	require.NoError(t, m.Accepted("1", nil))
	assert.Equal(t, []types.UnitID{"demo@1.service"}, trigger.started)
}

func TestStopClosesAllListenerFds(t *testing.T) {
	cfg := Config{
		Listeners: []Listener{
			{Family: types.FamilyStream, Address: "127.0.0.1:8080"},
			{Family: types.FamilyStream, Path: "/run/demo.sock"},
		},
	}
	binder := &fakeBinder{}
	m, err := New("demo.socket", cfg, binder, &fakeRunner{}, &fakeTrigger{}, noopSink{})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, Dead, m.sub)
	assert.Len(t, binder.closed, 2)
}
