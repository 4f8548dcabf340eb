// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/ucqcf/pkg/boot"
	"github.com/antimetal/ucqcf/pkg/boot/scripted"
	"github.com/antimetal/ucqcf/pkg/topology"
	"github.com/antimetal/ucqcf/pkg/ucqcferr"
)

// fourCoreFacts models a four-core, single-node machine with enough cache
// structure for the matrix to exercise every isolation level.
func fourCoreFacts() scripted.Facts {
	fullSet := boot.FeatureSet{Valid: true, Flags: map[string]bool{"aes_ni": true, "rdrand": true}}
	return scripted.Facts{
		CPU:              boot.CPUIdentity{Vendor: boot.VendorIntel},
		Caches:           []boot.CacheLevel{{Level: 1}, {Level: 2}, {Level: 3}},
		CPUCount:         4,
		NUMANodeCount:    1,
		ConstantTime:     fullSet,
		CacheControl:     fullSet,
		MemoryProtection: fullSet,
		SideChannel:      fullSet,
		TRNGAvailable:    true,
		// L1 is private to every core (distinct ids). L2 is shared within
		// each pair {0,1} and {2,3} but not across pairs. L3 is shared by
		// all four. So
		// cores within a pair are isolated only through L1 (they share
		// L2), and cores across pairs are isolated through L2 (they share
		// only L3).
		Cores: []topology.CoreGeometry{
			core(0, 1, 10, 100, true, false),
			core(1, 2, 10, 100, true, false),
			core(2, 3, 20, 100, true, false),
			core(3, 4, 20, 100, true, false),
		},
	}
}

func core(id, l1, l2, l3 uint32, scalingDisabled, smt bool) topology.CoreGeometry {
	return topology.CoreGeometry{
		PhysicalID:  id,
		Online:      true,
		Isolatable:  true,
		CacheDomain: topology.CacheDomainIDs{L1: l1, L2: l2, L3: l3},
		NUMANodeID:  0,
		NUMADist:    []uint32{10},
		Freq:        topology.Frequency{BaseMHz: 3000, MaxMHz: 4000, ScalingDisabled: scalingDisabled},
		SMT:         topology.SMT{HasSibling: smt},
	}
}

func sealedBootFacts(t *testing.T, f scripted.Facts) *boot.SealedFacts {
	t.Helper()
	facts := boot.New(logr.Discard())
	require.NoError(t, facts.Probe(scripted.New(f)))
	ctx := ucqcferr.NewValidationContext()
	require.True(t, facts.Validate(ctx).AllowsBoot(), "findings: %v", ctx.Findings())
	sealed, err := facts.Seal()
	require.NoError(t, err)
	return sealed
}

func buildTopology(t *testing.T, f scripted.Facts) (*topology.Topology, *ucqcferr.ValidationContext) {
	t.Helper()
	sealedBoot := sealedBootFacts(t, f)
	topo, err := topology.Init(logr.Discard(), sealedBoot)
	require.NoError(t, err)
	require.NoError(t, topo.ProbeAllCores(scripted.New(f)))
	require.NoError(t, topo.BuildCacheIsolationMatrix())
	ctx := ucqcferr.NewValidationContext()
	topo.Validate(ctx)
	return topo, ctx
}

func TestTopologyInitRequiresSealedBoot(t *testing.T) {
	_, err := topology.Init(logr.Discard(), nil)
	require.Error(t, err)
}

func TestTopologyCacheIsolationMatrix(t *testing.T) {
	topo, ctx := buildTopology(t, fourCoreFacts())
	require.True(t, ctx.WorstSeverity().AllowsBoot(), "findings: %v", ctx.Findings())

	// Cores 0,1 share L2 (and therefore L3) but have private L1 -> isolated
	// only through L1.
	assert.Equal(t, topology.IsolationL1, topo.CacheIsolation(0, 1))
	// Cores 0,2 share only L3 -> isolated through L2.
	assert.Equal(t, topology.IsolationL2, topo.CacheIsolation(0, 2))
	// Diagonal is always Full.
	assert.Equal(t, topology.IsolationFull, topo.CacheIsolation(2, 2))
}

// TestTopologyMatrixSymmetry: M[i][j] = M[j][i] for every pair.
func TestTopologyMatrixSymmetry(t *testing.T) {
	topo, _ := buildTopology(t, fourCoreFacts())
	n := topo.CoreCount()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			assert.Equal(t, topo.CacheIsolation(uint32(i), uint32(j)), topo.CacheIsolation(uint32(j), uint32(i)))
		}
	}
}

func TestTopologyCanIsolate(t *testing.T) {
	topo, _ := buildTopology(t, fourCoreFacts())
	assert.True(t, topo.CanIsolate(0, 2, topology.IsolationL2))
	assert.False(t, topo.CanIsolate(0, 2, topology.IsolationL3))
	assert.True(t, topo.CanIsolate(0, 1, topology.IsolationL1))
	assert.False(t, topo.CanIsolate(0, 1, topology.IsolationL2))
}

func TestTopologySeal(t *testing.T) {
	topo, ctx := buildTopology(t, fourCoreFacts())
	require.True(t, ctx.WorstSeverity().AllowsBoot())
	sealed, err := topo.Seal()
	require.NoError(t, err)
	assert.Same(t, topo, sealed.Topology())
	assert.True(t, topo.Sealed())
}

func TestTopologySealBeforeValidateFails(t *testing.T) {
	sealedBoot := sealedBootFacts(t, fourCoreFacts())
	topo, err := topology.Init(logr.Discard(), sealedBoot)
	require.NoError(t, err)
	require.NoError(t, topo.ProbeAllCores(scripted.New(fourCoreFacts())))
	require.NoError(t, topo.BuildCacheIsolationMatrix())
	_, err = topo.Seal()
	require.Error(t, err)
}

// TestTopologyFreqScalingEnabledIsHardFail covers the determinism
// requirement: freq_scaling_disabled must be true on every core.
func TestTopologyFreqScalingEnabledIsHardFail(t *testing.T) {
	f := fourCoreFacts()
	f.Cores[1].Freq.ScalingDisabled = false
	topo, ctx := buildTopology(t, f)
	assert.Equal(t, ucqcferr.HardFail, ctx.WorstSeverity())
	assert.True(t, ctx.HasCode(ucqcferr.CodeFreqScalingEnabled))
	assert.False(t, topo.Validated())
}

// TestTopologyCacheNestingViolationIsHardFail: a geometry that violates
// cache nesting (same L1 domain, different L2) is caught by validate.
func TestTopologyCacheNestingViolationIsHardFail(t *testing.T) {
	f := fourCoreFacts()
	// Force cores 0 and 1 to share an L1 domain while keeping distinct L2
	// domains: a contradiction, since sharing L1 must imply sharing every
	// deeper level.
	f.Cores[1].CacheDomain.L1 = f.Cores[0].CacheDomain.L1
	f.Cores[1].CacheDomain.L2 = 99
	_, ctx := buildTopology(t, f)
	assert.Equal(t, ucqcferr.HardFail, ctx.WorstSeverity())
	assert.True(t, ctx.HasCode(ucqcferr.CodeCacheNestingViolation))
}

func TestTopologySMTWarning(t *testing.T) {
	f := fourCoreFacts()
	f.Cores[0].SMT = topology.SMT{HasSibling: true, SiblingID: 1}
	f.Cores[1].SMT = topology.SMT{HasSibling: true, SiblingID: 0}
	_, ctx := buildTopology(t, f)
	assert.True(t, ctx.HasCode(ucqcferr.CodeSMTEnabled))
	assert.True(t, ctx.WorstSeverity().AllowsBoot())
}

func TestTopologySMTSiblingOutOfRangeIsHardFail(t *testing.T) {
	f := fourCoreFacts()
	f.Cores[0].SMT = topology.SMT{HasSibling: true, SiblingID: 50}
	_, ctx := buildTopology(t, f)
	assert.True(t, ctx.HasCode(ucqcferr.CodeSMTSiblingOutOfRange))
	assert.Equal(t, ucqcferr.HardFail, ctx.WorstSeverity())
}

func TestTopologyCacheSharingCores(t *testing.T) {
	topo, _ := buildTopology(t, fourCoreFacts())
	assert.Empty(t, topo.CacheSharingCores(0, 1))
	assert.ElementsMatch(t, []uint32{1}, topo.CacheSharingCores(0, 2))
	assert.ElementsMatch(t, []uint32{1, 2, 3}, topo.CacheSharingCores(0, 3))
}

func TestTopologySameNUMA(t *testing.T) {
	topo, _ := buildTopology(t, fourCoreFacts())
	assert.True(t, topo.SameNUMA(0, 3))
}

// twoNodeFacts splits the four cores across two NUMA nodes, cores 0,1 on
// node 0 and cores 2,3 on node 1, with an inter-node distance of 20.
func twoNodeFacts() scripted.Facts {
	f := fourCoreFacts()
	f.NUMANodeCount = 2
	for i := range f.Cores {
		if i < 2 {
			f.Cores[i].NUMANodeID = 0
			f.Cores[i].NUMADist = []uint32{10, 20}
		} else {
			f.Cores[i].NUMANodeID = 1
			f.Cores[i].NUMADist = []uint32{20, 10}
		}
	}
	return f
}

func TestTopologyNUMANodeTable(t *testing.T) {
	topo, ctx := buildTopology(t, twoNodeFacts())
	require.True(t, ctx.WorstSeverity().AllowsBoot(), "findings: %v", ctx.Findings())

	assert.Equal(t, 2, topo.NUMANodeCount())
	node0, ok := topo.NUMANode(0)
	require.True(t, ok)
	assert.ElementsMatch(t, []uint32{0, 1}, node0.Cores)
	node1, ok := topo.NUMANode(1)
	require.True(t, ok)
	assert.ElementsMatch(t, []uint32{2, 3}, node1.Cores)
	_, ok = topo.NUMANode(7)
	assert.False(t, ok)

	assert.Equal(t, uint32(10), topo.NUMADistance(0, 0))
	assert.Equal(t, uint32(20), topo.NUMADistance(0, 1))
	assert.Equal(t, topo.NUMADistance(0, 1), topo.NUMADistance(1, 0))
	assert.False(t, topo.SameNUMA(0, 2))
	assert.True(t, topo.SameNUMA(2, 3))
}

// TestTopologyNUMANodeUnknownIsHardFail covers the invariant that every
// NUMA node id occurring in any core must exist per boot facts.
func TestTopologyNUMANodeUnknownIsHardFail(t *testing.T) {
	f := fourCoreFacts()
	f.Cores[2].NUMANodeID = 5
	_, ctx := buildTopology(t, f)
	assert.Equal(t, ucqcferr.HardFail, ctx.WorstSeverity())
	assert.True(t, ctx.HasCode(ucqcferr.CodeNUMANodeUnknown))
}

// TestTopologyCacheIsolationMatrixMatchesGolden builds the full pairwise
// isolation matrix and diffs it against a hand-computed golden map, the
// same whole-struct comparison idiom the rest of the pack's topology tests
// use for comparing per-core detail maps.
func TestTopologyCacheIsolationMatrixMatchesGolden(t *testing.T) {
	topo, ctx := buildTopology(t, fourCoreFacts())
	require.True(t, ctx.WorstSeverity().AllowsBoot())

	n := topo.CoreCount()
	got := make(map[[2]uint32]topology.IsolationLevel, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			got[[2]uint32{uint32(i), uint32(j)}] = topo.CacheIsolation(uint32(i), uint32(j))
		}
	}

	want := map[[2]uint32]topology.IsolationLevel{
		{0, 0}: topology.IsolationFull, {0, 1}: topology.IsolationL1, {0, 2}: topology.IsolationL2, {0, 3}: topology.IsolationL2,
		{1, 0}: topology.IsolationL1, {1, 1}: topology.IsolationFull, {1, 2}: topology.IsolationL2, {1, 3}: topology.IsolationL2,
		{2, 0}: topology.IsolationL2, {2, 1}: topology.IsolationL2, {2, 2}: topology.IsolationFull, {2, 3}: topology.IsolationL1,
		{3, 0}: topology.IsolationL2, {3, 1}: topology.IsolationL2, {3, 2}: topology.IsolationL1, {3, 3}: topology.IsolationFull,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cache isolation matrix mismatch (-want +got):\n%s", diff)
	}
}

// TestTopologyConcurrentReadsAfterSeal covers the read-only guarantee a
// SealedTopology makes: once sealed, every query method is safe to call
// from many goroutines at once with no external synchronization.
func TestTopologyConcurrentReadsAfterSeal(t *testing.T) {
	topo, ctx := buildTopology(t, fourCoreFacts())
	require.True(t, ctx.WorstSeverity().AllowsBoot())
	sealed, err := topo.Seal()
	require.NoError(t, err)

	g, _ := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			tp := sealed.Topology()
			for a := uint32(0); a < uint32(tp.CoreCount()); a++ {
				for b := uint32(0); b < uint32(tp.CoreCount()); b++ {
					if tp.CacheIsolation(a, b) != tp.CacheIsolation(b, a) {
						return fmt.Errorf("matrix asymmetry under concurrent read: (%d,%d)", a, b)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
