// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package seal provides the shared unsealed -> probed -> validated -> sealed
// lifecycle guard used by every stage of the boot pipeline (BootFacts,
// Topology, DomainGraph), plus the Explicit[T] witness wrapper used to
// distinguish "never set" from a zero value.
package seal

import "fmt"

// ErrNotProbed is returned when a caller validates a stage that has not
// been probed yet.
var ErrNotProbed = fmt.Errorf("seal: stage has not been probed")

// ErrNotValidated is returned when a caller seals a stage that has not
// passed validation.
var ErrNotValidated = fmt.Errorf("seal: stage has not been validated")

// ErrAlreadySealed is returned by any operation that would mutate a sealed
// stage, including a second call to Seal.
var ErrAlreadySealed = fmt.Errorf("seal: stage is already sealed")

// ErrPredecessorUnsealed is returned when a stage is initialized against an
// upstream stage that has not been sealed.
var ErrPredecessorUnsealed = fmt.Errorf("seal: predecessor stage is not sealed")

// Lifecycle tracks the probed/validated/sealed flags shared by every stage
// in the chain. It is embedded by value, never by pointer, so that copying
// a sealed stage copies its lifecycle state along with it.
type Lifecycle struct {
	probed    bool
	validated bool
	sealed    bool
}

// MarkProbed records that the stage finished its probe step. It is a no-op
// precondition error if the stage is already sealed.
func (l *Lifecycle) MarkProbed() error {
	if l.sealed {
		return ErrAlreadySealed
	}
	l.probed = true
	return nil
}

// MarkValidated records that Validate returned a severity that allows the
// stage to be sealed (Accept or Warn). Validate itself decides whether that
// condition holds; MarkValidated only records the outcome.
func (l *Lifecycle) MarkValidated() error {
	if l.sealed {
		return ErrAlreadySealed
	}
	if !l.probed {
		return ErrNotProbed
	}
	l.validated = true
	return nil
}

// MarkSealed transitions the stage into its terminal, immutable state. It
// is one-way: a second call always fails.
func (l *Lifecycle) MarkSealed() error {
	if l.sealed {
		return ErrAlreadySealed
	}
	if !l.validated {
		return ErrNotValidated
	}
	l.sealed = true
	return nil
}

// Probed reports whether the stage has completed its probe step.
func (l *Lifecycle) Probed() bool { return l.probed }

// Validated reports whether the stage has passed validation.
func (l *Lifecycle) Validated() bool { return l.validated }

// Sealed reports whether the stage is sealed.
func (l *Lifecycle) Sealed() bool { return l.sealed }

// RequireSealed is the standard guard a downstream stage's Init calls
// against an upstream stage before capturing a read-only reference to it.
func (l *Lifecycle) RequireSealed() error {
	if !l.sealed {
		return ErrPredecessorUnsealed
	}
	return nil
}

// RequireMutable is the standard guard any mutating operation calls first.
func (l *Lifecycle) RequireMutable() error {
	if l.sealed {
		return ErrAlreadySealed
	}
	return nil
}
