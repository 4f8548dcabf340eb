// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package seal

// Explicit is the nearest idiomatic Go approximation of a Present(value) |
// Absent sum type: the zero value of Explicit[T] is always "absent"
// regardless of T's own zero value, so the witness travels with the value
// it guards instead of living in a separate, independently-settable bool.
type Explicit[T any] struct {
	value T
	set   bool
}

// Set returns an Explicit[T] that carries v and is marked present.
func Set[T any](v T) Explicit[T] {
	return Explicit[T]{value: v, set: true}
}

// IsSet reports whether the value was explicitly assigned.
func (e Explicit[T]) IsSet() bool { return e.set }

// Get returns the underlying value and whether it was explicitly set. It
// never panics; callers that ignore the second return are exactly the bug
// class this type exists to make conspicuous.
func (e Explicit[T]) Get() (T, bool) { return e.value, e.set }

// MustGet returns the value, panicking if it was never set. Reserved for
// call sites that have already checked IsSet via a validator and are
// reading a value known to exist post-validation.
func (e Explicit[T]) MustGet() T {
	if !e.set {
		panic("seal: MustGet on unset Explicit value")
	}
	return e.value
}
