//go:build debug

package check

import "fmt"

// Assert panics if cond is false. Only active in debug builds
// (go test -tags debug ./...).
func Assert(cond bool, msg string) {
	if !cond {
		panic("sowcheck: assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("sowcheck: assertion failed: " + fmt.Sprintf(format, args...))
	}
}
