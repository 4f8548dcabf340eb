// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import "github.com/antimetal/ucqcf/pkg/ucqcferr"

// SealedTopology is the type-state marker a downstream stage's Init
// requires, obtainable only from a successful (*Topology).Seal call.
type SealedTopology struct {
	topo *Topology
}

// Topology returns the read-only Topology behind the seal.
func (s *SealedTopology) Topology() *Topology { return s.topo }

// Seal requires Validated() and a computed isolation matrix; it fixes the
// matrix and forbids further mutation.
func (t *Topology) Seal() (*SealedTopology, error) {
	if !t.matrixBuilt {
		return nil, ucqcferr.New("topology: cannot seal before cache isolation matrix is built")
	}
	if err := t.MarkSealed(); err != nil {
		return nil, err
	}
	t.log.Info("topology sealed", "cores", len(t.cores))
	return &SealedTopology{topo: t}, nil
}

// CoreCount returns the number of cores this topology was built over.
func (t *Topology) CoreCount() int { return len(t.cores) }

// Core returns the geometry of core id, or the zero value and false if out
// of range.
func (t *Topology) Core(id uint32) (CoreGeometry, bool) {
	if int(id) >= len(t.cores) {
		return CoreGeometry{}, false
	}
	return t.cores[id], true
}

// CacheIsolation returns M[a][b], the deepest level at which a and b have
// disjoint cache-sharing domains. Symmetric and O(1); the diagonal is
// always Full.
func (t *Topology) CacheIsolation(a, b uint32) IsolationLevel {
	return t.isolation[triKey(a, b)]
}

// CanIsolate reports whether M[a][b] meets or exceeds required.
func (t *Topology) CanIsolate(a, b uint32, required IsolationLevel) bool {
	return t.CacheIsolation(a, b) >= required
}

// SameNUMA reports whether cores a and b are on the same NUMA node.
func (t *Topology) SameNUMA(a, b uint32) bool {
	ca, aok := t.Core(a)
	cb, bok := t.Core(b)
	return aok && bok && ca.NUMANodeID == cb.NUMANodeID
}

// NUMADistance returns D[a][b] for two NUMA node ids (not core ids).
func (t *Topology) NUMADistance(nodeA, nodeB uint32) uint32 {
	return t.numaDistance[triKey(nodeA, nodeB)]
}

// NUMANode returns the node table entry for a NUMA node id, or the zero
// value and false if no probed core resides on that node.
func (t *Topology) NUMANode(id uint32) (NUMANodeInfo, bool) {
	node, ok := t.numaNodes[id]
	if !ok {
		return NUMANodeInfo{}, false
	}
	return *node, true
}

// NUMANodeCount returns the number of distinct NUMA nodes the probed cores
// occupy.
func (t *Topology) NUMANodeCount() int { return len(t.numaNodes) }

// HasSMTSibling reports whether core c has a recorded SMT sibling.
func (t *Topology) HasSMTSibling(c uint32) bool {
	core, ok := t.Core(c)
	return ok && core.SMT.HasSibling
}

// CacheSharingCores returns every core sharing a cache domain with c at the
// given level (1, 2, or 3), excluding c itself.
func (t *Topology) CacheSharingCores(c uint32, level int) []uint32 {
	core, ok := t.Core(c)
	if !ok {
		return nil
	}
	var out []uint32
	for i := range t.cores {
		if uint32(i) == c {
			continue
		}
		if !cacheDomainsDiffer(core.CacheDomain, t.cores[i].CacheDomain, level) {
			out = append(out, uint32(i))
		}
	}
	return out
}
