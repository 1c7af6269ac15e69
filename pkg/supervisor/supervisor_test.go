package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	got []WaitResult
}

func (r *recordingSink) SigChld(wr WaitResult) { r.got = append(r.got, wr) }

func TestWatchUnwatchTracksPids(t *testing.T) {
	s := New()
	sink := &recordingSink{}
	s.Watch("a.service", 123, sink)

	id, ok := s.Pids().Get(123)
	assert.True(t, ok)
	assert.Equal(t, "a.service", string(id))

	s.Unwatch(123)
	_, ok = s.Pids().Get(123)
	assert.False(t, ok)
}

func TestDropUnitRemovesOnlyItsPids(t *testing.T) {
	s := New()
	sink := &recordingSink{}
	s.Watch("a.service", 1, sink)
	s.Watch("a.service", 2, sink)
	s.Watch("b.service", 3, sink)

	s.DropUnit("a.service")

	_, ok1 := s.Pids().Get(1)
	_, ok2 := s.Pids().Get(2)
	_, ok3 := s.Pids().Get(3)
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
}
