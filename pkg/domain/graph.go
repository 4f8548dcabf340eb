// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package domain

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/ucqcf/pkg/boot"
	"github.com/antimetal/ucqcf/pkg/seal"
	"github.com/antimetal/ucqcf/pkg/topology"
	"github.com/antimetal/ucqcf/pkg/ucqcferr"
)

// MaxDomains bounds the domain table.
const MaxDomains = 64

// DomainGraph is the Stage 3 record: an ordered table of SecurityDomains
// plus read-only references to the sealed BootFacts and Topology they were
// validated against.
type DomainGraph struct {
	seal.Lifecycle

	log logr.Logger

	boot *boot.SealedFacts
	topo *topology.SealedTopology

	order []ID // insertion order, for tie-breaks
	byID  map[ID]*SecurityDomain
}

// Init requires both boot and topo sealed via their type-state markers.
func Init(log logr.Logger, sealedBoot *boot.SealedFacts, sealedTopo *topology.SealedTopology) (*DomainGraph, error) {
	if sealedBoot == nil || sealedTopo == nil {
		return nil, ucqcferr.NewCoded(ucqcferr.CodeUnsealedPredecessor, ucqcferr.HardFail, "domain graph: nil sealed predecessor")
	}
	g := &DomainGraph{
		log:  log.WithName("domains"),
		boot: sealedBoot,
		topo: sealedTopo,
		byID: make(map[ID]*SecurityDomain),
	}
	// DomainGraph has no separate probe step (its lifecycle is
	// init -> populate -> validate -> seal): population happens
	// via Add. MarkProbed here lets it share seal.Lifecycle's
	// probed-before-validated guard with BootFacts and Topology without
	// requiring every stage to have a literal probe phase.
	_ = g.MarkProbed()
	return g, nil
}

// Add registers domain in the table. It is pre-seal only and rejects a
// full table or a duplicate id; it does not validate — validation is
// holistic, run once over the whole table by Validate.
func (g *DomainGraph) Add(d SecurityDomain) error {
	if err := g.RequireMutable(); err != nil {
		return err
	}
	if d.ID == IDInvalid {
		return ucqcferr.NewCoded(ucqcferr.CodeDomainInvalidID, ucqcferr.HardFail, "domain graph: id 0x%X is the invalid sentinel", uint32(IDInvalid))
	}
	if len(g.order) >= MaxDomains {
		return ucqcferr.NewCoded(ucqcferr.CodeDomainTableFull, ucqcferr.HardFail, "domain graph: table full (max %d)", MaxDomains)
	}
	if _, exists := g.byID[d.ID]; exists {
		return ucqcferr.NewCoded(ucqcferr.CodeDomainDuplicateID, ucqcferr.HardFail, "domain graph: duplicate domain id %d", d.ID)
	}
	stored := d
	g.byID[d.ID] = &stored
	g.order = append(g.order, d.ID)
	return nil
}

// Domains returns every registered domain in insertion order.
func (g *DomainGraph) Domains() []*SecurityDomain {
	out := make([]*SecurityDomain, len(g.order))
	for i, id := range g.order {
		out[i] = g.byID[id]
	}
	return out
}

// Get returns the domain with id, or nil if none exists.
func (g *DomainGraph) Get(id ID) *SecurityDomain {
	return g.byID[id]
}

// BootFacts returns the sealed BootFacts this graph was validated against.
func (g *DomainGraph) BootFacts() *boot.BootFacts { return g.boot.Facts() }

// Topology returns the sealed Topology this graph was validated against.
func (g *DomainGraph) Topology() *topology.Topology { return g.topo.Topology() }

// SealedDomainGraph is the type-state marker obtainable only from a
// successful (*DomainGraph).Seal.
type SealedDomainGraph struct {
	graph *DomainGraph
}

// Graph returns the read-only DomainGraph behind the seal.
func (s *SealedDomainGraph) Graph() *DomainGraph { return s.graph }

// Seal requires Validate returned Accept or Warn (AllowsBoot()); one-way.
func (g *DomainGraph) Seal() (*SealedDomainGraph, error) {
	if err := g.MarkSealed(); err != nil {
		return nil, err
	}
	for _, id := range g.order {
		g.byID[id].sealed = true
	}
	g.log.Info("domain graph sealed", "domains", len(g.order))
	return &SealedDomainGraph{graph: g}, nil
}

// CanAccess reports transitive reachability in the dependency graph: true
// iff to is reachable from from by following Dependencies edges.
func (g *DomainGraph) CanAccess(from, to ID) bool {
	if from == to {
		return true
	}
	visited := make(map[ID]bool)
	var dfs func(ID) bool
	dfs = func(cur ID) bool {
		if cur == to {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		d := g.byID[cur]
		if d == nil {
			return false
		}
		for _, dep := range d.Dependencies.IDs() {
			if dfs(dep) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// CoresIsolated reports whether every cross-pair of cores between domains a
// and b satisfies both domains' declared cache-isolation requirements.
func (g *DomainGraph) CoresIsolated(a, b ID) bool {
	da, db := g.byID[a], g.byID[b]
	if da == nil || db == nil {
		return false
	}
	topo := g.Topology()
	required := da.CacheIsolationReq
	if db.CacheIsolationReq > required {
		required = db.CacheIsolationReq
	}
	if required == CacheIsolationUndefined {
		return false
	}
	for _, ca := range da.Cores.Members() {
		for _, cb := range db.Cores.Members() {
			if !topo.CanIsolate(ca, cb, required.AsTopologyLevel()) {
				return false
			}
		}
	}
	return true
}
