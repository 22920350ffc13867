package datapath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bag map[string]any

type score float32

func TestLookup(t *testing.T) {
	data := map[string]any{
		"contracts": []any{
			map[string]any{"value": 120.5},
			map[string]any{"value": 99},
		},
		"bag":    bag{"org": "MEC"},
		"ids":    []int{7, 8},
		"counts": map[string]int{"open": 3},
		"fixed":  [2]string{"a", "b"},
		"ptr":    &map[string]any{"x": 1},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"contracts.0.value", 120.5, true},
		{"contracts.1.value", 99, true},
		{"contracts.2.value", nil, false},
		{"contracts.x", nil, false},
		{"bag.org", "MEC", true},
		{"ids.1", 8, true},
		{"ids.-1", nil, false},
		{"counts.open", 3, true},
		{"counts.closed", nil, false},
		{"fixed.0", "a", true},
		{"ptr.x", 1, true},
		{"bag.org.deeper", nil, false},
		{"missing", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := Lookup(data, tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestSetCreatesIntermediates(t *testing.T) {
	data := map[string]any{"a": "scalar"}
	Set(data, "a.b.c", 1)
	Set(data, "top", true)

	v, ok := Lookup(data, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, true, data["top"])
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{3, 3, true},
		{int64(-4), -4, true},
		{uint8(9), 9, true},
		{float32(0.5), 0.5, true},
		{score(2), 2, true},
		{"3", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToFloat(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestNumberParsesStrings(t *testing.T) {
	f, ok := Number(" 12.5 ")
	require.True(t, ok)
	assert.Equal(t, 12.5, f)

	_, ok = Number("twelve")
	assert.False(t, ok)

	f, ok = Number(7)
	require.True(t, ok)
	assert.Equal(t, 7.0, f)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(3, 3.0))
	assert.True(t, Equal(int64(3), uint16(3)))
	assert.False(t, Equal(3, "3"))
	assert.True(t, Equal([]any{"a"}, []any{"a"}))
	assert.False(t, Equal("a", "b"))
}

func TestCopyMapNil(t *testing.T) {
	out := CopyMap(nil)
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDeepCopyIsolatesContainers(t *testing.T) {
	orig := map[string]any{
		"list":    []any{map[string]any{"k": "v"}},
		"strings": []string{"a"},
		"tags":    map[string]string{"t": "1"},
	}
	c := CopyMap(orig)
	c["list"].([]any)[0].(map[string]any)["k"] = "changed"
	c["strings"].([]string)[0] = "changed"
	c["tags"].(map[string]string)["t"] = "changed"

	assert.Equal(t, "v", orig["list"].([]any)[0].(map[string]any)["k"])
	assert.Equal(t, "a", orig["strings"].([]string)[0])
	assert.Equal(t, "1", orig["tags"].(map[string]string)["t"])
}

func TestDeepCopyTypedContainers(t *testing.T) {
	type contract struct {
		Values []float64
		Meta   map[string]int
	}
	n := 5
	orig := map[string]any{
		"ids":      []int{1, 2, 3},
		"counts":   map[string]int{"a": 1},
		"nested":   map[string][]string{"orgs": {"MEC"}},
		"bag":      bag{"inner": []int{4}},
		"ptr":      &n,
		"contract": contract{Values: []float64{1.5}, Meta: map[string]int{"m": 1}},
		"rows":     []map[string]any{{"k": "v"}},
		"array":    [2][]int{{1}, {2}},
	}
	c := CopyMap(orig)

	c["ids"].([]int)[0] = 99
	c["counts"].(map[string]int)["a"] = 99
	c["nested"].(map[string][]string)["orgs"][0] = "changed"
	c["bag"].(bag)["inner"].([]int)[0] = 99
	*c["ptr"].(*int) = 99
	cc := c["contract"].(contract)
	cc.Values[0] = 99
	cc.Meta["m"] = 99
	c["rows"].([]map[string]any)[0]["k"] = "changed"
	arr := c["array"].([2][]int)
	arr[0][0] = 99

	assert.Equal(t, []int{1, 2, 3}, orig["ids"])
	assert.Equal(t, map[string]int{"a": 1}, orig["counts"])
	assert.Equal(t, "MEC", orig["nested"].(map[string][]string)["orgs"][0])
	assert.Equal(t, 4, orig["bag"].(bag)["inner"].([]int)[0])
	assert.Equal(t, 5, n)
	assert.Equal(t, 1.5, orig["contract"].(contract).Values[0])
	assert.Equal(t, 1, orig["contract"].(contract).Meta["m"])
	assert.Equal(t, "v", orig["rows"].([]map[string]any)[0]["k"])
	assert.Equal(t, 1, orig["array"].([2][]int)[0][0])
}

func TestDeepCopyKeepsNils(t *testing.T) {
	var nilSlice []int
	var nilMap map[string]int
	orig := map[string]any{"s": nilSlice, "m": nilMap, "v": nil}
	c := CopyMap(orig)

	assert.Nil(t, c["s"].([]int))
	assert.Nil(t, c["m"].(map[string]int))
	v, ok := c["v"]
	assert.True(t, ok)
	assert.Nil(t, v)
}
