package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceCursorIteratesInOrder(t *testing.T) {
	c := NewSliceCursor([]Record{{Key: "a"}, {Key: "b"}, {Key: "c"}})

	var keys []string
	n, err := Drain(c, func(r Record) { keys = append(keys, r.Key) })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.False(t, c.Next(), "closed cursor must not advance")
}

func TestSliceCursorEmpty(t *testing.T) {
	c := NewSliceCursor(nil)
	assert.False(t, c.Next())
	assert.Equal(t, Record{}, c.Record())
	assert.NoError(t, c.Err())
}

func TestSliceCursorStopsAfterClose(t *testing.T) {
	c := NewSliceCursor([]Record{{Key: "a"}, {Key: "b"}})
	require.True(t, c.Next())
	require.NoError(t, c.Close())
	assert.False(t, c.Next())
}
