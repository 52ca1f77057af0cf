// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package lib

// Cleanup invokes a completion function once every reference handed out by
// Ref has been released. It is not safe for concurrent use; callers run on
// a single event loop.
type Cleanup struct {
	refs int
	fn   func()
}

func NewCleanup(fn func()) *Cleanup {
	return &Cleanup{refs: 1, fn: fn}
}

// Ref acquires a reference and returns the closure that releases it. The
// closure is idempotent.
func (c *Cleanup) Ref() func() {
	c.refs++
	released := false
	return func() {
		if released {
			return
		}
		released = true
		c.release()
	}
}

// Release drops the initial reference held by NewCleanup.
func (c *Cleanup) Release() {
	c.release()
}

func (c *Cleanup) release() {
	c.refs--
	if c.refs == 0 && c.fn != nil {
		fn := c.fn
		c.fn = nil
		fn()
	}
}

// ApplyToAllWithCleanup calls apply for each item in items, handing each
// call a release closure tied to a shared Cleanup. Once apply has returned
// for every item and every release closure has been invoked, cleanup runs
// exactly once. The items slice is the caller's snapshot; membership
// changes made by the callbacks do not affect the iteration.
func ApplyToAllWithCleanup[T any](items []T, apply func(item T, done func()), cleanup func()) {
	c := NewCleanup(cleanup)
	for _, item := range items {
		apply(item, c.Ref())
	}
	c.Release()
}
