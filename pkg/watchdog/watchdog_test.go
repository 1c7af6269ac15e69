package watchdog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatchdog struct {
	interval time.Duration
	fed      int
	closed   bool
	feedErr  error
}

func (f *fakeWatchdog) Configure(time.Duration) (time.Duration, error) { return f.interval, nil }
func (f *fakeWatchdog) Feed() error {
	f.fed++
	return f.feedErr
}
func (f *fakeWatchdog) Close() error { f.closed = true; return nil }

func TestMultiConfigureReturnsSmallestInterval(t *testing.T) {
	a := &fakeWatchdog{interval: 10 * time.Second}
	b := &fakeWatchdog{interval: 3 * time.Second}
	m := Multi{a, b}

	interval, err := m.Configure(20 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, interval)
}

func TestMultiFeedFeedsEveryMemberEvenAfterAnErr(t *testing.T) {
	a := &fakeWatchdog{feedErr: errors.New("boom")}
	b := &fakeWatchdog{}
	m := Multi{a, b}

	err := m.Feed()
	assert.Error(t, err)
	assert.Equal(t, 1, a.fed)
	assert.Equal(t, 1, b.fed)
}

func TestMultiCloseClosesEveryMember(t *testing.T) {
	a := &fakeWatchdog{}
	b := &fakeWatchdog{}
	m := Multi{a, b}

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
