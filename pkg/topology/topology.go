// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology implements Stage 2 of the boot security pipeline:
// lifting BootFacts into a per-core geometry, a pairwise cache-isolation
// matrix, a NUMA distance matrix, and an SMT sibling relation, then
// validating that the geometry meets deterministic-execution prerequisites.
package topology

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/ucqcf/pkg/boot"
	"github.com/antimetal/ucqcf/pkg/seal"
	"github.com/antimetal/ucqcf/pkg/ucqcferr"
)

// MaxCores bounds the number of cores a Topology covers: Init rejects a
// cpu_count above it as a hard-fail rather than truncating. The per-core
// slice is allocated at Init, sized to cpu_count, and the isolation and NUMA
// matrices are maps filled by BuildCacheIsolationMatrix; neither is a
// fixed-size array.
const MaxCores = 256

// MaxNUMANodes bounds the NUMA distance matrix dimension.
const MaxNUMANodes = 8

// IsolationLevel orders cache-isolation depth. The zero value, None, means
// "no disjoint cache level found" — it is a real answer, not an error.
type IsolationLevel int

const (
	IsolationNone IsolationLevel = iota
	IsolationL1
	IsolationL2
	IsolationL3
	IsolationFull
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationNone:
		return "None"
	case IsolationL1:
		return "L1"
	case IsolationL2:
		return "L2"
	case IsolationL3:
		return "L3"
	case IsolationFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// Frequency captures a core's clock facts, used both for the topology
// invariant (freq scaling must be disabled for determinism) and for the
// asymmetric-topology warning heuristic.
type Frequency struct {
	BaseMHz         uint32
	MaxMHz          uint32
	ScalingDisabled bool
}

// SMT describes a core's hyperthread sibling relationship.
type SMT struct {
	HasSibling bool
	SiblingID  uint32
}

// Capabilities mirrors the derived per-core roll-ups BootFacts computes
// globally, re-exposed per-core because a heterogeneous machine could in
// principle disagree core to core. Such a disagreement is not an error, and
// the asymmetry warning does not compare these fields.
type Capabilities struct {
	ConstantTime      bool
	CachePartitioning bool
	MemoryEncryption  bool
}

// CacheDomainIDs holds the per-level cache-sharing domain id a core was
// assigned. Two cores share a domain id at level k iff they physically
// share that cache; ids are otherwise opaque integers, not addresses.
type CacheDomainIDs struct {
	L1 uint32
	L2 uint32
	L3 uint32
}

// NUMANodeInfo is one entry in the NUMA node table: the node id, the cores
// resident on it, and the distance vector those cores reported for it. The
// table is derived from core geometry during the matrix build, so every
// node id occurring in any core has an entry.
type NUMANodeInfo struct {
	ID        uint32
	Cores     []uint32
	Distances []uint32
}

// CoreGeometry is the per-core record Topology builds from BootFacts plus
// the ProbeProvider.
type CoreGeometry struct {
	PhysicalID  uint32
	Online      bool
	Isolatable  bool
	SocketID    uint32
	PackageID   uint32
	CacheDomain CacheDomainIDs
	CacheLevels []boot.CacheLevel // the full hierarchy, as reported for this core
	NUMANodeID  uint32
	NUMADist    []uint32 // length == numa_node_count
	SMT         SMT
	Freq        Frequency
	Caps        Capabilities

	probed bool
}

// CoreProvider is the subset of a probe back-end Topology needs to build
// per-core geometry; a real architecture back-end typically implements
// both boot.ProbeProvider and CoreProvider.
type CoreProvider interface {
	ProbeCoreGeometry(core uint32) (CoreGeometry, error)
}

// Topology is the Stage 2 record.
type Topology struct {
	seal.Lifecycle

	log logr.Logger

	boot  *boot.SealedFacts
	cores []CoreGeometry // len == boot.Facts().CPUCount, index is logical core id

	// isolation stores only the i<=j half of the symmetric cache-isolation
	// matrix, since M[i][j] always equals M[j][i]. Keyed by logical core id
	// pairs.
	isolation map[[2]uint32]IsolationLevel
	// numaDistance is the NUMA distance matrix D[a][b], keyed by NUMA node
	// id pairs (a<=b), not core id pairs.
	numaDistance      map[[2]uint32]uint32
	numaNodes         map[uint32]*NUMANodeInfo
	numaAsymmetryFlag bool
	matrixBuilt       bool
}

// Init requires boot.Sealed() via the SealedFacts type-state marker: there
// is no runtime path to call Init with an unsealed BootFacts, because
// SealedFacts can only be obtained from (*boot.BootFacts).Seal.
func Init(log logr.Logger, sealedBoot *boot.SealedFacts) (*Topology, error) {
	if sealedBoot == nil {
		return nil, ucqcferr.NewCoded(ucqcferr.CodeUnsealedPredecessor, ucqcferr.HardFail, "topology: nil sealed boot facts")
	}
	facts := sealedBoot.Facts()
	if facts.CPUCount > MaxCores {
		return nil, ucqcferr.NewCoded(ucqcferr.CodeCoreIndexOutOfRange, ucqcferr.HardFail, "topology: cpu_count exceeds MaxCores")
	}
	t := &Topology{
		log:          log.WithName("topology"),
		boot:         sealedBoot,
		cores:        make([]CoreGeometry, facts.CPUCount),
		isolation:    make(map[[2]uint32]IsolationLevel),
		numaDistance: make(map[[2]uint32]uint32),
		numaNodes:    make(map[uint32]*NUMANodeInfo),
	}
	return t, nil
}

// BootFacts returns the sealed BootFacts this topology was built against.
func (t *Topology) BootFacts() *boot.BootFacts { return t.boot.Facts() }

// ProbeCore populates one core's geometry through provider.
func (t *Topology) ProbeCore(provider CoreProvider, id uint32) error {
	if err := t.RequireMutable(); err != nil {
		return err
	}
	if int(id) >= len(t.cores) {
		return ucqcferr.NewCoded(ucqcferr.CodeCoreIndexOutOfRange, ucqcferr.HardFail, "topology: core %d out of range", id)
	}
	g, err := provider.ProbeCoreGeometry(id)
	if err != nil {
		t.log.Error(err, "core probe failed", "core", id)
		return err
	}
	g.probed = true
	t.cores[id] = g
	return nil
}

// ProbeAllCores probes every core 0..cpu_count, in order.
func (t *Topology) ProbeAllCores(provider CoreProvider) error {
	for id := range t.cores {
		if err := t.ProbeCore(provider, uint32(id)); err != nil {
			return err
		}
	}
	return t.MarkProbed()
}

// triKey normalizes (a, b) to the (min, max) key the symmetric-half maps
// use; only the i <= j half of each symmetric matrix is stored.
func triKey(a, b uint32) [2]uint32 {
	if a > b {
		a, b = b, a
	}
	return [2]uint32{a, b}
}

// cacheDomainsDiffer reports whether cores a and b have different
// cache-sharing domain ids at the given cache level; level is 1, 2, or 3.
func cacheDomainsDiffer(a, b CacheDomainIDs, level int) bool {
	switch level {
	case 1:
		return a.L1 != b.L1
	case 2:
		return a.L2 != b.L2
	case 3:
		return a.L3 != b.L3
	default:
		return true
	}
}

// BuildCacheIsolationMatrix computes, for every ordered pair (i, j) with i
// <= j, the deepest level at which the cores' cache-domain ids differ, and
// the NUMA distance matrix. Complexity is Θ(N²·L), L <= 4; the diagonal is
// always Full / 10.
func (t *Topology) BuildCacheIsolationMatrix() error {
	if err := t.RequireMutable(); err != nil {
		return err
	}
	n := len(t.cores)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			key := triKey(uint32(i), uint32(j))
			if i == j {
				t.isolation[key] = IsolationFull
				continue
			}
			t.isolation[key] = deepestDisjointLevel(t.cores[i].CacheDomain, t.cores[j].CacheDomain)
		}
	}
	t.buildNUMADistanceMatrix()
	t.matrixBuilt = true
	return nil
}

// buildNUMADistanceMatrix derives D[a][b], the NUMA node distance matrix,
// from each core's reported NUMADist vector (its own node's view of the
// distance to every other node). Because distinct cores on the same node
// may report this vector, a mismatch between two cores sharing a node, or
// between a's view of b and b's view of a, is recorded as an asymmetry
// rather than silently resolved by picking one.
func (t *Topology) buildNUMADistanceMatrix() {
	t.numaDistance = make(map[[2]uint32]uint32)
	t.numaNodes = make(map[uint32]*NUMANodeInfo)
	t.numaAsymmetryFlag = false
	for i := range t.cores {
		a := t.cores[i].NUMANodeID
		node, ok := t.numaNodes[a]
		if !ok {
			node = &NUMANodeInfo{ID: a, Distances: t.cores[i].NUMADist}
			t.numaNodes[a] = node
		}
		node.Cores = append(node.Cores, uint32(i))
		for b, dist := range t.cores[i].NUMADist {
			key := triKey(a, uint32(b))
			if a == uint32(b) {
				continue
			}
			if existing, ok := t.numaDistance[key]; ok {
				if existing != dist {
					t.numaAsymmetryFlag = true
				}
				continue
			}
			t.numaDistance[key] = dist
		}
	}
	for i := uint32(0); i < MaxNUMANodes; i++ {
		t.numaDistance[[2]uint32{i, i}] = 10
	}
}

// deepestDisjointLevel returns the deepest level through which a and b's
// cache domains remain disjoint: None if they already share an L1 domain
// (and therefore, by the nesting invariant, every deeper level too), up to
// L3 if they differ at every modeled level. Cache nesting means sharing at
// an inner level forces sharing at every outer level, so the first shared
// level encountered from L1 outward is where disjointness ends.
func deepestDisjointLevel(a, b CacheDomainIDs) IsolationLevel {
	if !cacheDomainsDiffer(a, b, 1) {
		return IsolationNone
	}
	if !cacheDomainsDiffer(a, b, 2) {
		return IsolationL1
	}
	if !cacheDomainsDiffer(a, b, 3) {
		return IsolationL2
	}
	return IsolationL3
}
