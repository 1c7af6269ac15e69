package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

func TestCacheThroughSetIsVisibleBeforeFlush(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tbl := s.Table("servicemng", CacheThrough)
	require.NoError(t, tbl.Set("web.service", record{Name: "web", PID: 42}))

	var out record
	ok, err := tbl.Get("web.service", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, out.PID)
}

func TestCacheThroughFlushThenImportRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	tbl := s.Table("servicemng", CacheThrough)
	require.NoError(t, tbl.Set("web.service", record{Name: "web", PID: 42}))
	require.NoError(t, tbl.Flush())
	require.NoError(t, s.Close())

	s2, err := New(dir)
	require.NoError(t, err)
	defer s2.Close()
	tbl2 := s2.Table("servicemng", CacheThrough)
	require.NoError(t, tbl2.Import())

	var out record
	ok, err := tbl2.Get("web.service", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "web", out.Name)
}

func TestBufferedSetNotVisibleUntilFlush(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tbl := s.Table("sockm-frame", Buffered)
	require.NoError(t, tbl.Set("a.socket", record{Name: "a"}))

	var out record
	ok, err := tbl.Get("a.socket", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tbl.Flush())
	ok, err = tbl.Get("a.socket", &out)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBufferedFlushClearsPriorBucketContents(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	tbl := s.Table("sockm-frame", Buffered)
	require.NoError(t, tbl.Set("a.socket", record{Name: "a"}))
	require.NoError(t, tbl.Flush())

	require.NoError(t, tbl.Set("b.socket", record{Name: "b"}))
	require.NoError(t, tbl.Flush())

	require.NoError(t, tbl.Import())
	var out record
	ok, _ := tbl.Get("a.socket", &out)
	assert.False(t, ok, "buffered flush must clear the previous contents, not merge")
	ok, _ = tbl.Get("b.socket", &out)
	assert.True(t, ok)
}

func TestLastFrameSetAndCleared(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	f, err := s.LastFrame()
	require.NoError(t, err)
	assert.Nil(t, f)

	require.NoError(t, s.BeginFrame("unit.start", record{Name: "web"}))
	f, err = s.LastFrame()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "unit.start", f.Op)

	require.NoError(t, s.EndFrame())
	f, err = s.LastFrame()
	require.NoError(t, err)
	assert.Nil(t, f)
}

type fakeSubscriber struct {
	rebuilt, mapped, consistent bool
	seenFrame                   *Frame
}

func (f *fakeSubscriber) RebuildInputs() error        { f.rebuilt = true; return nil }
func (f *fakeSubscriber) CompensateLast(fr *Frame) error { f.seenFrame = fr; return nil }
func (f *fakeSubscriber) Map() error                  { f.mapped = true; return nil }
func (f *fakeSubscriber) MakeConsistent() error       { f.consistent = true; return nil }

func TestRecoverRunsStagesInOrderAndClearsLastFrame(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tbl := s.Table("servicemng", CacheThrough)
	require.NoError(t, tbl.Set("web.service", record{Name: "web", PID: 1}))
	require.NoError(t, tbl.Flush())
	require.NoError(t, s.BeginFrame("unit.start", record{Name: "web"}))

	sub := &fakeSubscriber{}
	require.NoError(t, s.Recover([]Subscriber{sub}))

	assert.True(t, sub.rebuilt)
	require.NotNil(t, sub.seenFrame)
	assert.Equal(t, "unit.start", sub.seenFrame.Op)
	assert.True(t, sub.mapped)
	assert.True(t, sub.consistent)

	f, err := s.LastFrame()
	require.NoError(t, err)
	assert.Nil(t, f, "recover must clear a compensated frame")

	var out record
	ok, err := tbl.Get("web.service", &out)
	require.NoError(t, err)
	assert.False(t, ok, "Recover clears every table's cache once subscribers are done")
}

func TestCompactRotatesDirectoryAndPreservesData(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	tbl := s.Table("servicemng", CacheThrough)
	require.NoError(t, tbl.Set("web.service", record{Name: "web", PID: 7}))
	require.NoError(t, tbl.Flush())

	firstDir := s.curDir
	require.NoError(t, s.Compact())
	assert.NotEqual(t, firstDir, s.curDir)

	tbl2 := s.Table("servicemng", CacheThrough)
	require.NoError(t, tbl2.Import())
	var out record
	ok, err := tbl2.Get("web.service", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, out.PID)
}
