// Package fault injects failures into fake adapters at named points.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"sowcheck/internal/check"
)

// Hook decides, from the call's arguments, whether the call fails.
type Hook func(args ...any) error

// point holds the faults armed at one injection point. Calls are counted so
// that FailAfter can let a number of them through first.
type point struct {
	calls  int
	hook   Hook
	queued []error
	after  int
	always error
}

// Injector arms failures per point name. The zero value is not usable; a nil
// *Injector never fails.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

func (i *Injector) arm(name string, fn func(p *point)) {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector: point must not be empty")
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	fn(p)
}

// FailOnce makes the next call at name fail with err. Repeated calls queue up.
func (i *Injector) FailOnce(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailOnce: err must not be nil")
	i.arm(name, func(p *point) { p.queued = append(p.queued, err) })
}

// FailAlways makes every call at name fail with err.
func (i *Injector) FailAlways(name string, err error) {
	i.FailAfter(name, 0, err)
}

// FailAfter lets n more calls at name through, then fails every later call
// with err.
func (i *Injector) FailAfter(name string, n int, err error) {
	check.Assert(err != nil, "fault.Injector.FailAfter: err must not be nil")
	i.arm(name, func(p *point) {
		p.always = err
		p.after = p.calls + n
	})
}

// SetHook installs an argument-aware hook at name.
func (i *Injector) SetHook(name string, hook Hook) {
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	i.arm(name, func(p *point) { p.hook = hook })
}

// Clear disarms name.
func (i *Injector) Clear(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, name)
}

// Reset disarms every point.
func (i *Injector) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	clear(i.points)
}

// Eval records a call at name and returns the injected error, if any. The
// hook is consulted first, then queued one-shot errors, then the persistent
// one.
func (i *Injector) Eval(name string, args ...any) error {
	if i == nil {
		return nil
	}

	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	p.calls++
	hook := p.hook
	var once error
	if len(p.queued) > 0 {
		once, p.queued = p.queued[0], p.queued[1:]
	}
	var always error
	if p.always != nil && p.calls > p.after {
		always = p.always
	}
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s (hook): %w", name, err)
		}
	}
	switch {
	case once != nil:
		return fmt.Errorf("fault %s (once): %w", name, once)
	case always != nil:
		return fmt.Errorf("fault %s (always): %w", name, always)
	}
	return nil
}
