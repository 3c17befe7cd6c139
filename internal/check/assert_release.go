//go:build !debug

// Package check holds invariant assertions that compile to no-ops unless the
// debug build tag is set.
package check

func Assert(bool, string) {}

func Assertf(bool, string, ...any) {}
