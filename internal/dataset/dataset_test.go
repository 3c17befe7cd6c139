package dataset

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyAndIndex(t *testing.T) {
	assert.Equal(t, "key-0", Key(0))
	assert.Equal(t, "key-149", Key(149))

	tests := []struct {
		key  string
		want int
		ok   bool
	}{
		{"key-0", 0, true},
		{"key-42", 42, true},
		{"key-", 0, false},
		{"key-007", 0, false},
		{"key--1", 0, false},
		{"other-1", 0, false},
		{"key-1x", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := Index(tt.key)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPayloadIsDeterministic(t *testing.T) {
	p := Payload(7, DefaultPayloadSize)
	assert.Equal(t, p, Payload(7, DefaultPayloadSize))
	assert.NotEqual(t, p, Payload(8, DefaultPayloadSize))

	raw, err := base64.StdEncoding.DecodeString(p)
	require.NoError(t, err)
	require.Len(t, raw, DefaultPayloadSize)
	for j, b := range raw {
		require.Equal(t, byte(j^7), b, "byte %d", j)
	}
}

func TestEntry(t *testing.T) {
	e := Entry(3, 16)
	assert.Equal(t, "key-3", e.Key)
	assert.Equal(t, int64(3), e.Sequence)
	assert.Equal(t, Payload(3, 16), e.Payload)
}

func TestMissingIsAscending(t *testing.T) {
	present := map[string]bool{"key-1": true, "key-3": true}
	got := Missing(5, func(k string) bool { return present[k] })
	assert.Equal(t, []string{"key-0", "key-2", "key-4"}, got)

	assert.Empty(t, Missing(3, func(string) bool { return true }))
	assert.Equal(t, ExpectedKeys(150), Missing(150, func(string) bool { return false }))
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange("key-149", 150))
	assert.False(t, InRange("key-150", 150))
	assert.False(t, InRange("bogus", 150))
}
