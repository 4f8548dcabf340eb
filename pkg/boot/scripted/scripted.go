// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package scripted implements a boot.ProbeProvider that replays a fixed,
// hand-built or TOML-decoded fact set instead of probing real hardware,
// since boot facts are a pure function of the provider's responses. It is
// the default provider for cmd/ucqcfd's -provider=scripted flag and every
// deterministic test in pkg/boot, pkg/topology, and pkg/domain.
package scripted

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/antimetal/ucqcf/pkg/boot"
	"github.com/antimetal/ucqcf/pkg/topology"
)

// Facts is the full set of canned answers a Provider replays. A field left
// at its zero value is a legitimate probe response (e.g. CPUCount: 0 is
// what a broken provider looks like), not an "unset" sentinel; tests build
// exactly the Facts they want each probe to answer with.
type Facts struct {
	CPU    boot.CPUIdentity
	Caches []boot.CacheLevel

	CPUCount       uint32
	NUMANodeCount  uint32
	SMTEnabled     bool
	ThreadsPerCore uint32

	ConstantTime     boot.FeatureSet
	CacheControl     boot.FeatureSet
	MemoryProtection boot.FeatureSet
	SideChannel      boot.FeatureSet

	TRNGAvailable bool
	TotalMemoryMB uint64
	UEFIBoot      bool
	SecureBoot    bool

	// Cores supplies one topology.CoreGeometry per logical core, indexed
	// by core id, for tests and cmd/ucqcfd's -provider=scripted path that
	// exercise Stage 2. A fixture that never populates this has no core
	// geometry to replay; ProbeCoreGeometry reports that as an error
	// rather than returning a zero-valued CoreGeometry silently.
	Cores []topology.CoreGeometry

	// Fail, when set, names a probe step that should return an error
	// instead of its canned value, for exercising the degrade-vs-fatal
	// paths in boot.BootFacts.Probe. Not decodable from a fixture file.
	Fail map[string]error `toml:"-"`
}

// Load decodes a TOML fixture file into the Facts a Provider replays, so
// cmd/ucqcfd's -provider=scripted path can run the full deterministic chain
// against a checked-in machine description instead of real hardware.
func Load(path string) (Facts, error) {
	var f Facts
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Facts{}, fmt.Errorf("scripted: failed to decode fixture %s: %w", path, err)
	}
	return f, nil
}

// Provider is a boot.ProbeProvider that replays a Facts value.
type Provider struct {
	facts Facts
}

// New returns a Provider that answers every probe from facts.
func New(facts Facts) *Provider {
	return &Provider{facts: facts}
}

// Default returns a provider replaying the minimal single-core defaults an
// architecture with no real probe back-end would report, useful as a
// baseline fixture before a test overrides specific fields. Validation of
// the resulting facts hard-fails, which is the point: a machine nothing
// actually probed must never boot.
func Default() *Provider {
	return New(Facts{
		CPUCount:      1,
		NUMANodeCount: 1,
		TotalMemoryMB: 8192,
		UEFIBoot:      true,
		SecureBoot:    false,
	})
}

func (p *Provider) failOr(step string, err error) error {
	if p.facts.Fail != nil {
		if e, ok := p.facts.Fail[step]; ok {
			return e
		}
	}
	return err
}

func (p *Provider) ProbeCPUInfo() (boot.CPUIdentity, error) {
	return p.facts.CPU, p.failOr("cpu_info", nil)
}

func (p *Provider) ProbeCacheTopology() ([]boot.CacheLevel, error) {
	return p.facts.Caches, p.failOr("cache_topology", nil)
}

func (p *Provider) ProbeCPUCount() (uint32, error) {
	return p.facts.CPUCount, p.failOr("cpu_count", nil)
}

func (p *Provider) ProbeNUMANodeCount() (uint32, error) {
	return p.facts.NUMANodeCount, p.failOr("numa_node_count", nil)
}

func (p *Provider) ProbeSMTEnabled() (bool, error) {
	return p.facts.SMTEnabled, p.failOr("smt_enabled", nil)
}

func (p *Provider) ProbeThreadsPerCore() (uint32, error) {
	return p.facts.ThreadsPerCore, p.failOr("threads_per_core", nil)
}

func (p *Provider) ProbeConstantTimeSupport() (boot.FeatureSet, error) {
	return p.facts.ConstantTime, p.failOr("constant_time", nil)
}

func (p *Provider) ProbeCacheControl() (boot.FeatureSet, error) {
	return p.facts.CacheControl, p.failOr("cache_control", nil)
}

func (p *Provider) ProbeMemoryProtection() (boot.FeatureSet, error) {
	return p.facts.MemoryProtection, p.failOr("memory_protection", nil)
}

func (p *Provider) ProbeSideChannelMitigation() (boot.FeatureSet, error) {
	return p.facts.SideChannel, p.failOr("side_channel", nil)
}

func (p *Provider) ProbeTRNGAvailable() (bool, error) {
	return p.facts.TRNGAvailable, p.failOr("trng", nil)
}

func (p *Provider) ProbeTotalMemoryMB() (uint64, error) {
	return p.facts.TotalMemoryMB, p.failOr("total_memory_mb", nil)
}

func (p *Provider) ProbeUEFIBoot() (bool, error) {
	return p.facts.UEFIBoot, p.failOr("uefi_boot", nil)
}

func (p *Provider) ProbeSecureBootEnabled() (bool, error) {
	return p.facts.SecureBoot, p.failOr("secure_boot_enabled", nil)
}

// ProbeCoreGeometry replays the canned geometry for core id, implementing
// topology.CoreProvider so a scripted.Provider can drive Stage 2 the same
// way a real architecture back-end does.
func (p *Provider) ProbeCoreGeometry(id uint32) (topology.CoreGeometry, error) {
	if err := p.failOr(fmt.Sprintf("core_geometry_%d", id), nil); err != nil {
		return topology.CoreGeometry{}, err
	}
	if int(id) >= len(p.facts.Cores) {
		return topology.CoreGeometry{}, fmt.Errorf("scripted: no core geometry fixture for core %d", id)
	}
	return p.facts.Cores[id], nil
}

var _ boot.ProbeProvider = (*Provider)(nil)
var _ topology.CoreProvider = (*Provider)(nil)
