package redisroute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotsEntry(start, end int64, nodes ...[]interface{}) []interface{} {
	entry := []interface{}{start, end}
	for _, n := range nodes {
		entry = append(entry, n)
	}
	return entry
}

func node(host string, port int64) []interface{} {
	return []interface{}{[]byte(host), port, []byte("id")}
}

func TestParseClusterSlots(t *testing.T) {
	reply := []interface{}{
		slotsEntry(0, 5460, node("127.0.0.1", 7000), node("127.0.0.1", 7003)),
		slotsEntry(5461, 10922, node("", 7001)),
		slotsEntry(10923, 16383, node("?", 7002), node("127.0.0.1", 7005)),
		slotsEntry(16000, 16000, node("?", 7006)),
	}

	ranges, err := parseClusterSlots(reply, "10.0.0.1:7000")
	require.NoError(t, err, "parseClusterSlots")
	assert.Equal(t, []slotRange{
		{start: 0, end: 5460, nodes: []string{"127.0.0.1:7000", "127.0.0.1:7003"}},
		{start: 5461, end: 10922, nodes: []string{"10.0.0.1:7001"}},
		{start: 10923, end: 16383, nodes: []string{"127.0.0.1:7005"}},
	}, ranges)

	_, err = parseClusterSlots("OK", "10.0.0.1:7000")
	assert.Error(t, err, "invalid reply")
	_, err = parseClusterSlots([]interface{}{[]interface{}{[]byte("x")}}, "10.0.0.1:7000")
	assert.Error(t, err, "invalid range")
}

func TestSlotTable(t *testing.T) {
	var st slotTable
	assert.False(t, st.isReady())
	assert.Nil(t, st.resolve(0))
	assert.Nil(t, st.resolve(-1))
	assert.Nil(t, st.resolve(HashSlots))

	ranges := []slotRange{
		{start: 0, end: 5460, nodes: []string{"a:1", "d:1"}},
		{start: 5461, end: 10922, nodes: []string{"b:1"}},
		{start: 10923, end: 16000, nodes: []string{"c:1", "a:1"}},
	}
	assert.True(t, st.replace(ranges), "first replace")
	assert.True(t, st.isReady())
	assert.False(t, st.replace(ranges), "same mapping")

	assert.Equal(t, []string{"a:1", "d:1"}, st.resolve(0))
	assert.Equal(t, []string{"b:1"}, st.resolve(5461))
	assert.Equal(t, "c:1", st.owner(12182))
	assert.Equal(t, "", st.owner(16001), "uncovered")

	// a is master of a range and replica of another
	assert.ElementsMatch(t, []NodeInfo{
		{Addr: "a:1"},
		{Addr: "d:1", Replica: true},
		{Addr: "b:1"},
		{Addr: "c:1"},
	}, st.nodes())

	assert.True(t, st.setOwner(12182, "b:1"))
	assert.False(t, st.setOwner(12182, "b:1"), "unchanged")
	assert.False(t, st.setOwner(HashSlots, "b:1"), "out of range")
	assert.Equal(t, []string{"b:1"}, st.resolve(12182))
	assert.Equal(t, []string{"c:1", "a:1"}, st.resolve(12181))

	assert.True(t, st.replace(ranges[:1]), "shrink")
	assert.Nil(t, st.resolve(12182))
	assert.ElementsMatch(t, []NodeInfo{{Addr: "a:1"}, {Addr: "d:1", Replica: true}}, st.nodes())
}
