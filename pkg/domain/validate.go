// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package domain

import "github.com/antimetal/ucqcf/pkg/ucqcferr"

// Validate runs the complete check list, accumulating every finding
// into ctx. No validator short-circuits: every domain and every pair is
// checked regardless of earlier failures, so an operator sees every
// misconfiguration in one pass.
func (g *DomainGraph) Validate(ctx *ucqcferr.ValidationContext) ucqcferr.Severity {
	domains := g.Domains()

	g.validateFieldCompleteness(ctx, domains)
	g.validateBootConsistency(ctx, domains)
	g.validateTopologySatisfiability(ctx, domains)
	g.validateGlobalDisjointness(ctx, domains)
	g.validateDependencyExistence(ctx, domains)
	g.validateAcyclicity(ctx, domains)
	g.validateCrossDomainIsolation(ctx, domains)
	g.validateUnusedCores(ctx, domains)

	worst := ctx.WorstSeverity()
	for _, d := range domains {
		d.validated = worst != ucqcferr.HardFail
	}
	if worst != ucqcferr.HardFail {
		if err := g.MarkValidated(); err != nil {
			ctx.Add(ucqcferr.CodeAlreadySealed, ucqcferr.HardFail, "%s", err)
			return ucqcferr.HardFail
		}
	}
	return worst
}

// validateFieldCompleteness is validator 1: every enum != Undefined, every
// explicit witness true, name nonempty and bounded, cores nonempty. There
// are no defaults anywhere, so any single unset field is a HardFail naming
// that field.
func (g *DomainGraph) validateFieldCompleteness(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	for _, d := range domains {
		if name, set := d.Name.Get(); !set || name == "" {
			ctx.Add(ucqcferr.CodeNameEmpty, ucqcferr.HardFail, "domain %d: name is empty or not explicitly set", d.ID)
		} else if len(name) > MaxNameLen {
			ctx.Add(ucqcferr.CodeNameTooLong, ucqcferr.HardFail, "domain %d: name is %d characters, max %d", d.ID, len(name), MaxNameLen)
		}
		if d.SecurityLevel == LevelUndefined {
			ctx.Add(ucqcferr.CodeSecurityLevelUndefined, ucqcferr.HardFail, "domain %d: security_level is Undefined", d.ID)
		}
		if d.Preemption == PreemptionUndefined {
			ctx.Add(ucqcferr.CodePreemptionUndefined, ucqcferr.HardFail, "domain %d: preemption is Undefined", d.ID)
		}
		if d.CacheIsolationReq == CacheIsolationUndefined {
			ctx.Add(ucqcferr.CodeCacheIsolationUndefined, ucqcferr.HardFail, "domain %d: cache_isolation is Undefined", d.ID)
		}
		if d.MemoryType == MemoryTypeUndefined {
			ctx.Add(ucqcferr.CodeMemoryTypeUndefined, ucqcferr.HardFail, "domain %d: memory_type is Undefined", d.ID)
		}
		if !d.NUMALocal.IsSet() {
			ctx.Add(ucqcferr.CodeFieldNotExplicit, ucqcferr.HardFail, "domain %d: numa_local was never explicitly set", d.ID)
		}
		if !d.Cores.IsExplicit() {
			ctx.Add(ucqcferr.CodeFieldNotExplicit, ucqcferr.HardFail, "domain %d: cores was never explicitly set", d.ID)
		} else if d.Cores.Empty() {
			ctx.Add(ucqcferr.CodeCoresEmpty, ucqcferr.HardFail, "domain %d: cores is empty", d.ID)
		}
		if !d.Dependencies.IsExplicit() {
			ctx.Add(ucqcferr.CodeFieldNotExplicit, ucqcferr.HardFail, "domain %d: dependencies was never explicitly set", d.ID)
		}
	}
}

// validateBootConsistency is validator 2: every core in domain.cores is <
// boot.cpu_count.
func (g *DomainGraph) validateBootConsistency(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	cpuCount := g.BootFacts().CPUCount
	for _, d := range domains {
		for _, core := range d.Cores.Members() {
			if core >= cpuCount {
				ctx.Add(ucqcferr.CodeCoreOutOfRange, ucqcferr.HardFail,
					"domain %d: core %d >= boot cpu_count %d", d.ID, core, cpuCount)
			}
		}
	}
}

// validateTopologySatisfiability is validator 3: for every pair (a, b) in
// cores^2 with a<b, topology.CacheIsolation(a,b) >= domain.cache_isolation;
// if numa_local, all cores share one NUMA node.
func (g *DomainGraph) validateTopologySatisfiability(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	topo := g.Topology()
	for _, d := range domains {
		if d.CacheIsolationReq == CacheIsolationUndefined {
			continue
		}
		members := d.Cores.Members()
		required := d.CacheIsolationReq.AsTopologyLevel()
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				if !topo.CanIsolate(a, b, required) {
					ctx.Add(ucqcferr.CodeCacheIsolationUnsatisfiable, ucqcferr.HardFail,
						"domain %d: cores (%d,%d) only achieve isolation %s, need %s",
						d.ID, a, b, topo.CacheIsolation(a, b), required)
				}
			}
		}
		if local, set := d.NUMALocal.Get(); set && local && len(members) > 0 {
			first, _ := topo.Core(members[0])
			for _, c := range members[1:] {
				cg, _ := topo.Core(c)
				if cg.NUMANodeID != first.NUMANodeID {
					ctx.Add(ucqcferr.CodeNUMALocalViolated, ucqcferr.HardFail,
						"domain %d: numa_local requires all cores on one NUMA node, but core %d is on node %d not %d",
						d.ID, c, cg.NUMANodeID, first.NUMANodeID)
				}
			}
		}
	}
}

// validateGlobalDisjointness is validator 4: every pair of distinct domains
// has disjoint core sets. Every overlapping pair produces its own finding.
func (g *DomainGraph) validateGlobalDisjointness(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	for i := 0; i < len(domains); i++ {
		for j := i + 1; j < len(domains); j++ {
			overlap := domains[i].Cores.IntersectionMembers(domains[j].Cores)
			for _, core := range overlap {
				ctx.Add(ucqcferr.CodeCoresOverlap, ucqcferr.HardFail,
					"domains %d and %d both claim core %d", domains[i].ID, domains[j].ID, core)
			}
		}
	}
}

// validateDependencyExistence is validator 5: every deps entry is a
// declared id; no self-dependency.
func (g *DomainGraph) validateDependencyExistence(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	for _, d := range domains {
		for _, dep := range d.Dependencies.IDs() {
			if dep == d.ID {
				ctx.Add(ucqcferr.CodeDependencySelf, ucqcferr.HardFail, "domain %d depends on itself", d.ID)
				continue
			}
			if g.byID[dep] == nil {
				ctx.Add(ucqcferr.CodeDependencyUnknown, ucqcferr.HardFail,
					"domain %d depends on undeclared domain %d", d.ID, dep)
			}
		}
	}
}

// validateAcyclicity is validator 6: a recursive DFS with white/gray/black
// coloring over the dependency digraph. A gray successor is a cycle; the
// validator records the offending edge and continues rather than stopping
// at the first cycle found, so every cycle is reported.
func (g *DomainGraph) validateAcyclicity(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[ID]int, len(domains))
	for _, d := range domains {
		color[d.ID] = white
	}

	var visit func(id ID, path []ID)
	visit = func(id ID, path []ID) {
		d := g.byID[id]
		if d == nil {
			return
		}
		color[id] = gray
		path = append(path, id)
		for _, dep := range d.Dependencies.IDs() {
			if dep == id {
				continue // already reported by validateDependencyExistence
			}
			switch color[dep] {
			case gray:
				ctx.Add(ucqcferr.CodeDependencyCircular, ucqcferr.HardFail,
					"dependency cycle: %v -> %d", path, dep)
			case white:
				visit(dep, path)
			}
		}
		color[id] = black
	}

	for _, d := range domains {
		if color[d.ID] == white {
			visit(d.ID, nil)
		}
	}
}

// validateCrossDomainIsolation is validator 7 (graph-wide, warning): when
// domains at differing security levels are not cache-isolated at the
// stricter of the two cache_isolation requirements, record a warning.
func (g *DomainGraph) validateCrossDomainIsolation(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	for i := 0; i < len(domains); i++ {
		for j := i + 1; j < len(domains); j++ {
			a, b := domains[i], domains[j]
			if a.SecurityLevel == b.SecurityLevel {
				continue
			}
			if !g.CoresIsolated(a.ID, b.ID) {
				ctx.Add(ucqcferr.CodeCrossDomainIsolationWeak, ucqcferr.Warn,
					"domains %d (level %d) and %d (level %d) differ in security level but are not isolated at their stricter requirement",
					a.ID, a.SecurityLevel, b.ID, b.SecurityLevel)
			}
		}
	}
}

// validateUnusedCores is a Warn-only check: cores present in boot facts but
// assigned to no domain.
func (g *DomainGraph) validateUnusedCores(ctx *ucqcferr.ValidationContext, domains []*SecurityDomain) {
	assigned := make(map[uint32]bool)
	for _, d := range domains {
		for _, c := range d.Cores.Members() {
			assigned[c] = true
		}
	}
	cpuCount := g.BootFacts().CPUCount
	for c := uint32(0); c < cpuCount; c++ {
		if !assigned[c] {
			ctx.Add(ucqcferr.CodeCoresUnused, ucqcferr.Warn, "core %d is not assigned to any domain", c)
		}
	}
}
