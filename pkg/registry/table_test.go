package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableInsertGetRemove(t *testing.T) {
	tbl := NewTable[string, int]()
	tbl.Insert("a", 1)

	v, ok := tbl.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	tbl.Remove("a")
	_, ok = tbl.Get("a")
	assert.False(t, ok)
}

func TestTableNotifiesSubscribersInline(t *testing.T) {
	tbl := NewTable[string, int]()
	var events []TableOp
	tbl.Subscribe(SubscriberFunc[string, int](func(op TableOp, key string, value int) {
		events = append(events, op)
	}))

	tbl.Insert("a", 1)
	tbl.Remove("a")

	require.Len(t, events, 2)
	assert.Equal(t, TableInsert, events[0])
	assert.Equal(t, TableRemove, events[1])
}

func TestTableFilterNarrowsNotifications(t *testing.T) {
	tbl := NewTable[string, int]()
	count := 0
	tbl.Subscribe(filteredSub{accept: "b", fn: func(TableOp, string, int) { count++ }})

	tbl.Insert("a", 1)
	tbl.Insert("b", 2)

	assert.Equal(t, 1, count)
}

type filteredSub struct {
	accept string
	fn     func(TableOp, string, int)
}

func (f filteredSub) Filter(key string, _ int) bool { return key == f.accept }
func (f filteredSub) Notify(op TableOp, key string, value int) { f.fn(op, key, value) }

func TestTableUnsubscribeStopsNotifications(t *testing.T) {
	tbl := NewTable[string, int]()
	count := 0
	tok := tbl.Subscribe(SubscriberFunc[string, int](func(TableOp, string, int) { count++ }))
	tbl.Insert("a", 1)
	tbl.Unsubscribe(tok)
	tbl.Insert("b", 2)

	assert.Equal(t, 1, count)
}

func TestTableRangeVisitsEveryEntry(t *testing.T) {
	tbl := NewTable[string, int]()
	tbl.Insert("a", 1)
	tbl.Insert("b", 2)

	seen := map[string]int{}
	tbl.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})

	assert.Equal(t, map[string]int{"a": 1, "b": 2}, seen)
}
