package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []Value{
		Null,
		NewBool(true),
		NewBool(false),
		NewInt(42),
		NewInt(-7),
		NewFloat(3.5),
		NewString("hello"),
		NewArray([]Value{NewInt(1), NewString("x"), Null}),
		NewObject(map[string]Value{
			"a": NewInt(1),
			"b": NewString("two"),
			"c": NewArray([]Value{NewBool(true)}),
		}),
	}

	for _, v := range cases {
		data, err := json.Marshal(v)
		require.NoError(t, err)

		var out Value
		require.NoError(t, json.Unmarshal(data, &out))
		require.True(t, v.Equal(out), "round trip mismatch for %+v -> %s -> %+v", v, data, out)
	}
}

func TestValueIntVsFloatNeverEqual(t *testing.T) {
	require.False(t, NewInt(1).Equal(NewFloat(1)))
	require.False(t, NewFloat(1).Equal(NewInt(1)))
}

func TestDocumentIdRoundTrip(t *testing.T) {
	ids := []Id{
		NewIntId(7),
		NewStringId("abc"),
		NewOpaqueId(),
	}
	for _, id := range ids {
		data, err := json.Marshal(id)
		require.NoError(t, err)

		var out Id
		require.NoError(t, json.Unmarshal(data, &out))
		require.True(t, id.Equal(out))
	}
}

func TestDocumentTombstone(t *testing.T) {
	doc := NewTombstone("users", NewIntId(1))
	require.True(t, doc.IsTombstone())
	id, ok := doc.GetId()
	require.True(t, ok)
	require.True(t, id.Equal(NewIntId(1)))
	coll, ok := doc.Collection()
	require.True(t, ok)
	require.Equal(t, "users", coll)
}
