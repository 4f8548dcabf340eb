// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package domain

import (
	"github.com/antimetal/ucqcf/pkg/seal"
	"github.com/antimetal/ucqcf/pkg/topology"
)

// MaxNameLen bounds a domain name.
const MaxNameLen = 63

// SecurityLevel is the per-domain classification level. The zero value,
// Undefined, is always a validation error: there is no implicit
// default level.
type SecurityLevel int

const (
	LevelUndefined SecurityLevel = iota
	LevelL0
	LevelL1
	LevelL2
	LevelL3
	LevelL4
	LevelL5
	LevelL6
	LevelL7
)

// Preemption states which other domains, if any, may interrupt a running
// task of this domain. Undefined is a validation error.
type Preemption int

const (
	PreemptionUndefined Preemption = iota
	PreemptionNever
	PreemptionByHigher
	PreemptionBySame
	PreemptionByAny
)

// CacheIsolation mirrors topology.IsolationLevel but adds an Undefined zero
// value, since a domain's declared requirement (unlike a computed matrix
// entry) can be legitimately unset and must be rejected as such.
type CacheIsolation int

const (
	CacheIsolationUndefined CacheIsolation = iota
	CacheIsolationNone
	CacheIsolationL1
	CacheIsolationL2
	CacheIsolationL3
	CacheIsolationFull
)

// AsTopologyLevel converts a declared CacheIsolation requirement into the
// topology.IsolationLevel it is compared against. Callers must not call
// this on CacheIsolationUndefined; validation rejects that value before any
// comparison is attempted.
func (c CacheIsolation) AsTopologyLevel() topology.IsolationLevel {
	return topology.IsolationLevel(c - 1)
}

// MemoryType is the per-domain memory-sharing requirement. Undefined is a
// validation error.
type MemoryType int

const (
	MemoryTypeUndefined MemoryType = iota
	MemoryTypeIsolated
	MemoryTypeSharedRead
	MemoryTypeSharedWrite
)

// SecurityDomain is one declared domain: a named, disjoint set of cores
// with explicit isolation, memory, preemption, and dependency requirements.
// Fields whose zero value is a plausible real value (Name, NUMALocal) are
// wrapped in seal.Explicit[T] so "never assigned" is distinguishable from
// "assigned the zero value"; enum fields carry their own Undefined sentinel
// instead, and CoreSet/DependencySet track their witness internally.
type SecurityDomain struct {
	ID   ID
	Name seal.Explicit[string]

	SecurityLevel SecurityLevel
	Preemption    Preemption

	Cores CoreSet

	CacheIsolationReq CacheIsolation
	MemoryType        MemoryType

	NUMALocal seal.Explicit[bool]

	Dependencies DependencySet

	validated bool
	sealed    bool
}
