// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the declarative domains.toml that feeds the boot
// provider selection and the DomainGraph population step. There is no
// hot-reload: a sealed boot artifact is loaded once and never re-derived,
// so this package only decodes, it never watches.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/antimetal/ucqcf/pkg/domain"
	"github.com/antimetal/ucqcf/pkg/seal"
)

// ProviderKind selects which boot.ProbeProvider cmd/ucqcfd constructs.
type ProviderKind string

const (
	ProviderX86cpuid ProviderKind = "x86cpuid"
	ProviderScripted ProviderKind = "scripted"
)

// Config is the top-level decoded domains.toml document.
type Config struct {
	Boot    BootConfig           `toml:"boot"`
	Domains []SecurityDomainSpec `toml:"domain"`
}

// BootConfig selects the provider and, for the scripted provider, a fixture
// path.
type BootConfig struct {
	Provider    ProviderKind `toml:"provider"`
	FixturePath string       `toml:"fixture_path"`
}

// SecurityDomainSpec is the TOML-facing shape of a domain.SecurityDomain.
// It is decoded into a domain.SecurityDomain by ToDomain, which is also
// where an absent name or numa_local key becomes a cleared _explicit
// witness, and an absent enum key stays Undefined, rather than a Go zero
// value silently standing in for a real setting. Cores and dependencies are
// always built as explicit sets, so an absent cores key yields an
// explicitly empty set.
type SecurityDomainSpec struct {
	ID             uint32   `toml:"id"`
	Name           string   `toml:"name"`
	SecurityLevel  string   `toml:"security_level"`
	Preemption     string   `toml:"preemption"`
	Cores          []uint32 `toml:"cores"`
	CacheIsolation string   `toml:"cache_isolation"`
	MemoryType     string   `toml:"memory_type"`
	NUMALocal      *bool    `toml:"numa_local"`
	Dependencies   []uint32 `toml:"dependencies"`
}

var securityLevels = map[string]domain.SecurityLevel{
	"L0": domain.LevelL0, "L1": domain.LevelL1, "L2": domain.LevelL2, "L3": domain.LevelL3,
	"L4": domain.LevelL4, "L5": domain.LevelL5, "L6": domain.LevelL6, "L7": domain.LevelL7,
}

var preemptions = map[string]domain.Preemption{
	"Never": domain.PreemptionNever, "ByHigher": domain.PreemptionByHigher,
	"BySame": domain.PreemptionBySame, "ByAny": domain.PreemptionByAny,
}

var cacheIsolations = map[string]domain.CacheIsolation{
	"None": domain.CacheIsolationNone, "L1": domain.CacheIsolationL1,
	"L2": domain.CacheIsolationL2, "L3": domain.CacheIsolationL3, "Full": domain.CacheIsolationFull,
}

var memoryTypes = map[string]domain.MemoryType{
	"Isolated": domain.MemoryTypeIsolated, "SharedRead": domain.MemoryTypeSharedRead,
	"SharedWrite": domain.MemoryTypeSharedWrite,
}

// ToDomain converts a decoded spec into a domain.SecurityDomain. An enum
// field whose TOML string does not match a known name is left Undefined
// (the zero value) so the downstream field-completeness validator rejects
// it by name, rather than this function guessing or defaulting. Fail
// closed.
func (s SecurityDomainSpec) ToDomain() domain.SecurityDomain {
	d := domain.SecurityDomain{
		ID:                domain.ID(s.ID),
		SecurityLevel:     securityLevels[s.SecurityLevel],
		Preemption:        preemptions[s.Preemption],
		CacheIsolationReq: cacheIsolations[s.CacheIsolation],
		MemoryType:        memoryTypes[s.MemoryType],
		Cores:             domain.NewCoreSet(),
		Dependencies:      domain.NewDependencySet(),
	}
	for _, c := range s.Cores {
		d.Cores.Add(c)
	}
	for _, dep := range s.Dependencies {
		d.Dependencies.Add(domain.ID(dep))
	}
	if s.Name != "" {
		d.Name = seal.Set(s.Name)
	}
	if s.NUMALocal != nil {
		d.NUMALocal = seal.Set(*s.NUMALocal)
	}
	return d
}

// Load decodes a domains.toml file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
	}
	return &cfg, nil
}
