package fake

import (
	"slices"
	"sync"
)

// Call is one recorded port invocation.
type Call struct {
	Method string
	Args   []any
}

// CallRecorder keeps the port calls made against a Cluster, in order.
type CallRecorder struct {
	mu     sync.Mutex
	calls  []Call
	counts map[string]int
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.counts[method]++
}

// Calls returns the recorded calls to method, or every call when method is
// empty.
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if method == "" {
		return slices.Clone(r.calls)
	}
	return slices.DeleteFunc(slices.Clone(r.calls), func(c Call) bool { return c.Method != method })
}

// Count returns how many times method was called.
func (r *CallRecorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[method]
}

// Reset forgets every recorded call.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.counts = nil
}
