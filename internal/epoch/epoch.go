// Package epoch provides an atomically-swappable snapshot pointer with an
// explicit reclamation barrier. Readers dereference the live snapshot
// without blocking writers; a writer that replaces the snapshot can wait
// until every reader that observed the old one has left its read section
// before tearing the old snapshot down.
//
// The slot table and the I/O buses both publish through this primitive.
package epoch

import (
	"sync/atomic"

	gate "gvisor.dev/gvisor/pkg/sync"
)

type snapshot[T any] struct {
	value *T

	// g counts readers inside a read section against this snapshot.
	// Closing it blocks until they all leave.
	g gate.Gate
}

// Value is a published snapshot of type T.
//
// Reads are lock-free and never wait for writers. Writers must serialize
// among themselves externally (the owning component's writer lock) and must
// not hold any other lock across Replace, whose grace period is unbounded
// while readers are active.
type Value[T any] struct {
	cur atomic.Pointer[snapshot[T]]
}

// NewValue publishes v as the initial snapshot.
func NewValue[T any](v *T) *Value[T] {
	val := &Value[T]{}
	val.cur.Store(&snapshot[T]{value: v})
	return val
}

// Load enters a read section and returns the live snapshot plus the release
// function that ends the section. The snapshot stays valid until release is
// called, even if a writer replaces it in the meantime.
func (v *Value[T]) Load() (*T, func()) {
	for {
		s := v.cur.Load()
		if !s.g.Enter() {
			// This snapshot is being retired; the new one is
			// already published.
			continue
		}
		return s.value, s.g.Leave
	}
}

// Peek returns the live snapshot without entering a read section. The
// caller may only use it for comparisons (generation checks); the snapshot
// can be torn down at any moment.
func (v *Value[T]) Peek() *T {
	return v.cur.Load().value
}

// Replace publishes next and waits for every reader of the previous
// snapshot to leave its read section. On return the old snapshot has no
// remaining readers and may be torn down; it is returned for that purpose.
func (v *Value[T]) Replace(next *T) *T {
	old := v.cur.Swap(&snapshot[T]{value: next})
	old.g.Close()
	return old.value
}
