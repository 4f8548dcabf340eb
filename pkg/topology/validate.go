// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import "github.com/antimetal/ucqcf/pkg/ucqcferr"

// Validate runs the Stage 2 check list, accumulating every finding into
// ctx and never short-circuiting. It hard-fails on any core being
// unprobed, cache-domain nesting violations, out-of-range SMT sibling ids,
// a cpu_count mismatch against BootFacts, or freq_scaling_disabled being
// false on any core (a determinism requirement). It warns on SMT enabled,
// asymmetric core topology, and NUMA distance asymmetry.
func (t *Topology) Validate(ctx *ucqcferr.ValidationContext) ucqcferr.Severity {
	if !t.Probed() {
		ctx.Add(ucqcferr.CodeCoreUnprobed, ucqcferr.HardFail, "topology has not been probed")
		return ucqcferr.HardFail
	}
	if !t.matrixBuilt {
		ctx.Add(ucqcferr.CodeCoreUnprobed, ucqcferr.HardFail, "cache isolation matrix has not been built")
		return ucqcferr.HardFail
	}

	facts := t.boot.Facts()
	if uint32(len(t.cores)) != facts.CPUCount {
		ctx.Add(ucqcferr.CodeCPUCountMismatch, ucqcferr.HardFail,
			"topology core count %d disagrees with boot facts cpu_count %d", len(t.cores), facts.CPUCount)
	}

	for i, c := range t.cores {
		if !c.probed {
			ctx.Add(ucqcferr.CodeCoreUnprobed, ucqcferr.HardFail, "core %d was never probed", i)
			continue
		}
		if c.SMT.HasSibling && int(c.SMT.SiblingID) >= len(t.cores) {
			ctx.Add(ucqcferr.CodeSMTSiblingOutOfRange, ucqcferr.HardFail,
				"core %d smt sibling %d out of range", i, c.SMT.SiblingID)
		}
		if !c.Freq.ScalingDisabled {
			ctx.Add(ucqcferr.CodeFreqScalingEnabled, ucqcferr.HardFail,
				"core %d has frequency scaling enabled; determinism requires it disabled", i)
		}
		if c.NUMANodeID >= facts.NUMANodeCount {
			ctx.Add(ucqcferr.CodeNUMANodeUnknown, ucqcferr.HardFail,
				"core %d is on NUMA node %d, but boot facts report only %d nodes", i, c.NUMANodeID, facts.NUMANodeCount)
		}
	}

	t.validateCacheNesting(ctx)

	if t.anySMTEnabled() {
		ctx.Add(ucqcferr.CodeSMTEnabled, ucqcferr.Warn, "SMT is enabled across the topology")
	}
	if t.asymmetric() {
		ctx.Add(ucqcferr.CodeAsymmetricTopology, ucqcferr.Warn,
			"cores differ in base/max frequency or cache hierarchy")
	}
	if t.numaAsymmetryFlag {
		ctx.Add(ucqcferr.CodeAsymmetricTopology, ucqcferr.Warn, "NUMA distance matrix is asymmetric")
	}

	worst := ctx.WorstSeverity()
	if worst != ucqcferr.HardFail {
		if err := t.MarkValidated(); err != nil {
			ctx.Add(ucqcferr.CodeAlreadySealed, ucqcferr.HardFail, "%s", err)
			return ucqcferr.HardFail
		}
	}
	return worst
}

// validateCacheNesting checks that cache domains nest: if two cores share
// an Lk domain id, they must share the Lm id for every m > k. A violation
// means the probed geometry contains a logical contradiction; this is
// caught here rather than assumed.
func (t *Topology) validateCacheNesting(ctx *ucqcferr.ValidationContext) {
	n := len(t.cores)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := t.cores[i].CacheDomain, t.cores[j].CacheDomain
			if a.L1 == b.L1 && a.L2 != b.L2 {
				ctx.Add(ucqcferr.CodeCacheNestingViolation, ucqcferr.HardFail,
					"cores %d,%d share L1 domain but differ at L2", i, j)
			}
			if a.L2 == b.L2 && a.L3 != b.L3 {
				ctx.Add(ucqcferr.CodeCacheNestingViolation, ucqcferr.HardFail,
					"cores %d,%d share L2 domain but differ at L3", i, j)
			}
		}
	}
}

func (t *Topology) anySMTEnabled() bool {
	for _, c := range t.cores {
		if c.SMT.HasSibling {
			return true
		}
	}
	return false
}

// asymmetric implements the resolved open question: any difference in
// base_freq_mhz, max_freq_mhz, or cache_hierarchy across online cores.
func (t *Topology) asymmetric() bool {
	var first *CoreGeometry
	for i := range t.cores {
		c := &t.cores[i]
		if !c.Online {
			continue
		}
		if first == nil {
			first = c
			continue
		}
		if c.Freq.BaseMHz != first.Freq.BaseMHz || c.Freq.MaxMHz != first.Freq.MaxMHz {
			return true
		}
		if len(c.CacheLevels) != len(first.CacheLevels) {
			return true
		}
		for i := range c.CacheLevels {
			if c.CacheLevels[i] != first.CacheLevels[i] {
				return true
			}
		}
	}
	return false
}
