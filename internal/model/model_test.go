package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedProduct_NumericIDs(t *testing.T) {
	var ps []CachedProduct
	err := json.Unmarshal([]byte(`[
		{"id":1,"batch_id":10,"category_id":3,"name":"Milk","price":"2.50"},
		{"id":"p2","batch_id":"B1","name":"Tea","price":1},
		{"id":12345678901234567890,"batch_id":null,"name":"Big"}
	]`), &ps)
	require.NoError(t, err)
	require.Len(t, ps, 3)

	assert.Equal(t, "1", ps[0].ID)
	assert.Equal(t, "10", ps[0].BatchID)
	assert.Equal(t, "3", ps[0].CategoryID)
	assert.Equal(t, "Milk", ps[0].Name)
	assert.Equal(t, "2.5", ps[0].Price.String())

	assert.Equal(t, "p2", ps[1].ID)
	assert.Equal(t, "B1", ps[1].BatchID)
	assert.Equal(t, "", ps[1].CategoryID)

	assert.Equal(t, "12345678901234567890", ps[2].ID)
	assert.Equal(t, "", ps[2].BatchID)
}

func TestCachedProduct_RejectsNonScalarIDs(t *testing.T) {
	for _, in := range []string{`{"id":true}`, `{"id":{"x":1}}`, `{"batch_id":[1]}`} {
		var p CachedProduct
		assert.Error(t, json.Unmarshal([]byte(in), &p), in)
	}
}

func TestCachedProduct_EncodesIDsAsStrings(t *testing.T) {
	b, err := json.Marshal(CachedProduct{ID: "1", BatchID: "B1"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id":"1"`)

	var back CachedProduct
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "1#B1", back.Key())
}

func TestKey_EscapesSeparator(t *testing.T) {
	assert.Equal(t, "1#B1", Key("1", "B1"))
	assert.NotEqual(t, Key("1#2", "B1"), Key("1", "2#B1"))
	assert.NotEqual(t, Key("1%232", "B1"), Key("1#2", "B1"))

	assert.Equal(t, "1#", IDPrefix("1"))
	assert.Equal(t, "1%232#", IDPrefix("1#2"))
	assert.False(t, strings.HasPrefix(Key("1#2", "B1"), IDPrefix("1")))
}
