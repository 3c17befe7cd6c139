// Package dataset builds the fixed, deterministic dataset written by the
// writer and expected by the listener.
package dataset

import (
	"encoding/base64"
	"strconv"
	"strings"

	"sowcheck/internal/store"
)

const (
	// KeyPrefix precedes the entry index in every key.
	KeyPrefix = "key-"
	// DefaultPayloadSize is the raw payload length before base64 rendering.
	DefaultPayloadSize = 1024
)

// Key returns the key of entry i.
func Key(i int) string {
	return KeyPrefix + strconv.Itoa(i)
}

// Index parses the entry index out of key.
func Index(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || Key(i) != key {
		return 0, false
	}
	return i, true
}

// Payload renders the payload for sequence: size bytes where byte j is
// j XOR sequence, base64 encoded.
func Payload(sequence int64, size int) string {
	raw := make([]byte, size)
	for j := range raw {
		raw[j] = byte(int64(j) ^ sequence)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Entry returns the record for entry i.
func Entry(i, payloadSize int) store.Record {
	return store.Record{
		Key:      Key(i),
		Payload:  Payload(int64(i), payloadSize),
		Sequence: int64(i),
	}
}

// ExpectedKeys returns key-0 .. key-(n-1).
func ExpectedKeys(n int) []string {
	keys := make([]string, n)
	for i := range n {
		keys[i] = Key(i)
	}
	return keys
}

// Missing returns the expected keys for which has reports false, in
// ascending index order.
func Missing(n int, has func(string) bool) []string {
	var missing []string
	for i := range n {
		if k := Key(i); !has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// InRange reports whether key belongs to the expected universe of size n.
func InRange(key string, n int) bool {
	i, ok := Index(key)
	return ok && i < n
}
