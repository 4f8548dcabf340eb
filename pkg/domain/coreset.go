// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package domain implements Stage 3 of the boot security pipeline: a typed
// container of declared security domains, validated against the sealed
// topology under a total, no-defaults, fail-closed policy.
package domain

import "github.com/antimetal/ucqcf/pkg/topology"

// MaxCores is the bitmap width of a CoreSet, matching topology.MaxCores.
const MaxCores = topology.MaxCores

const coreSetWords = MaxCores / 64

// CoreSet is a fixed-size, non-allocating bitmap of core indices with a
// cached population count. A generic set library was deliberately not used
// here: post-seal reads must be allocation-free with a static size
// invariant, which a map- or slice-backed set type cannot provide.
type CoreSet struct {
	bits  [coreSetWords]uint64
	count int
	set   bool // explicit witness: was this field ever assigned
}

// NewCoreSet returns an explicitly-empty CoreSet (set=true, count=0). An
// empty-but-explicit CoreSet is still a validation error;
// this constructor exists so "explicitly declared empty" is distinguishable
// from "field never touched" (the zero value of CoreSet, which is also
// empty but has set=false).
func NewCoreSet() CoreSet {
	return CoreSet{set: true}
}

// IsExplicit reports whether this CoreSet was ever assigned to, as opposed
// to being a zero-valued, untouched field.
func (s CoreSet) IsExplicit() bool { return s.set }

// Add sets bit i, tolerating i >= MaxCores by returning false (the caller,
// typically SecurityDomain population code, turns this into a hard-fail
// finding rather than silently dropping the core).
func (s *CoreSet) Add(i uint32) bool {
	s.set = true
	if int(i) >= MaxCores {
		return false
	}
	word, bit := i/64, i%64
	mask := uint64(1) << bit
	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.count++
	}
	return true
}

// Has reports whether core i is a member.
func (s CoreSet) Has(i uint32) bool {
	if int(i) >= MaxCores {
		return false
	}
	word, bit := i/64, i%64
	return s.bits[word]&(uint64(1)<<bit) != 0
}

// Count returns the cached population count, never recomputed by popcount
// on read.
func (s CoreSet) Count() int { return s.count }

// Empty reports whether the set has no members.
func (s CoreSet) Empty() bool { return s.count == 0 }

// Intersects reports whether s and o share any member, used by the global
// disjointness validator (D5).
func (s CoreSet) Intersects(o CoreSet) bool {
	for i := range s.bits {
		if s.bits[i]&o.bits[i] != 0 {
			return true
		}
	}
	return false
}

// IntersectionMembers returns every core index present in both s and o, for
// validators that need to name each overlapping core.
func (s CoreSet) IntersectionMembers(o CoreSet) []uint32 {
	var out []uint32
	for i := range s.bits {
		word := s.bits[i] & o.bits[i]
		for b := 0; b < 64 && word != 0; b++ {
			if word&1 != 0 {
				out = append(out, uint32(i*64+b))
			}
			word >>= 1
		}
	}
	return out
}

// Members returns every core index in s, in ascending order.
func (s CoreSet) Members() []uint32 {
	var out []uint32
	for i := range s.bits {
		word := s.bits[i]
		for b := 0; b < 64 && word != 0; b++ {
			if word&1 != 0 {
				out = append(out, uint32(i*64+b))
			}
			word >>= 1
		}
	}
	return out
}
