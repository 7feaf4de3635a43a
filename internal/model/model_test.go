package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONKeyOrderIndependent(t *testing.T) {
	var a, b map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"price":"1.5","qty":"2","meta":{"b":1,"a":2}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"meta":{"a":2,"b":1},"qty":"2","price":"1.5"}`), &b))

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
	require.NotContains(t, string(ca), " ")
}

func TestHashPayloadStable(t *testing.T) {
	p1 := map[string]interface{}{"a": 1.0, "b": []interface{}{"x", "y"}}
	p2 := map[string]interface{}{"b": []interface{}{"x", "y"}, "a": 1.0}

	h1, err := HashPayload(p1)
	require.NoError(t, err)
	h2, err := HashPayload(p2)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestNewRawMsgIDSortsByTime(t *testing.T) {
	first := NewRawMsgID()
	second := NewRawMsgID()
	// UUIDv7 high bits are a millisecond timestamp; same-millisecond IDs
	// still never sort the later one before an earlier millisecond.
	require.LessOrEqual(t, first[:8], second[:8])
	require.Len(t, first, 36)
}

func TestRawRefsRoundTrip(t *testing.T) {
	refs := RawRefs{"a", "b"}
	require.Equal(t, refs, ParseRawRefs(refs.String()))
	require.Equal(t, "[]", RawRefs(nil).String())
}
