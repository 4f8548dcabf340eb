// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package boot

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/ucqcf/pkg/seal"
	"github.com/antimetal/ucqcf/pkg/ucqcferr"
)

// MaxCacheLevels bounds the cache level sequence BootFacts carries.
const MaxCacheLevels = 4

// BootFacts is the Stage 1 record: a process-wide fact inventory that is
// immutable once sealed. It carries no methods that could mutate a sealed
// instance; every mutator first checks seal.Lifecycle.RequireMutable.
type BootFacts struct {
	seal.Lifecycle

	log logr.Logger

	CPU    CPUIdentity
	Caches []CacheLevel // len <= MaxCacheLevels

	CPUCount       uint32
	NUMANodeCount  uint32
	ThreadsPerCore uint32
	SMTEnabled     bool

	ConstantTime     FeatureSet
	CacheControl     FeatureSet
	MemoryProtection FeatureSet
	SideChannel      FeatureSet

	TRNGAvailable bool
	TotalMemoryMB uint64
	Mode          BootMode
}

// New returns a zeroed BootFacts: every field zero, lifecycle
// unprobed/unvalidated/unsealed.
func New(log logr.Logger) *BootFacts {
	return &BootFacts{log: log.WithName("boot")}
}

// Probe drives provider through a fixed twelve-step sequence. The order is
// not incidental: later steps are meaningless (or
// actively wrong) if evaluated before earlier ones, e.g. the SMT step
// before cpu count is known. Only three steps are fatal on failure: CPU
// identity, cache topology, and cpu_count == 0. Every other step degrades
// to "feature absent, valid = false" and the sequence continues.
func (b *BootFacts) Probe(provider ProbeProvider) error {
	if err := b.RequireMutable(); err != nil {
		return err
	}

	// Step 1: CPU identity (fatal).
	cpu, err := provider.ProbeCPUInfo()
	if err != nil {
		b.log.Error(err, "CPU identity probe failed")
		return err
	}
	b.CPU = cpu

	// Step 2: cache topology (fatal).
	caches, err := provider.ProbeCacheTopology()
	if err != nil {
		b.log.Error(err, "cache topology probe failed")
		return err
	}
	if len(caches) > MaxCacheLevels {
		err := ucqcferr.New("boot: cache topology reports more levels than MaxCacheLevels")
		b.log.Error(err, "cache topology probe overflowed", "levels", len(caches), "max", MaxCacheLevels)
		return err
	}
	b.Caches = caches

	// Step 3: cpu count (fatal if zero).
	count, err := provider.ProbeCPUCount()
	if err != nil || count == 0 {
		b.log.Error(err, "cpu count probe failed or returned zero", "count", count)
		if err == nil {
			err = ucqcferr.New("boot: cpu count probe returned 0")
		}
		return err
	}
	b.CPUCount = count

	// Step 4: NUMA node count (degrades).
	if numa, err := provider.ProbeNUMANodeCount(); err == nil {
		b.NUMANodeCount = numa
	} else {
		b.log.V(1).Info("NUMA node count probe degraded", "error", err)
	}

	// Step 5: SMT.
	if smt, err := provider.ProbeSMTEnabled(); err == nil {
		b.SMTEnabled = smt
	} else {
		b.log.V(1).Info("SMT probe degraded", "error", err)
	}
	if tpc, err := provider.ProbeThreadsPerCore(); err == nil {
		b.ThreadsPerCore = tpc
	} else {
		b.log.V(1).Info("threads-per-core probe degraded", "error", err)
	}

	// Step 6: constant-time features.
	if fs, err := provider.ProbeConstantTimeSupport(); err == nil {
		b.ConstantTime = fs
	} else {
		b.log.V(1).Info("constant-time feature probe degraded", "error", err)
	}

	// Step 7: cache-control features.
	if fs, err := provider.ProbeCacheControl(); err == nil {
		b.CacheControl = fs
	} else {
		b.log.V(1).Info("cache-control feature probe degraded", "error", err)
	}

	// Step 8: memory-protection features.
	if fs, err := provider.ProbeMemoryProtection(); err == nil {
		b.MemoryProtection = fs
	} else {
		b.log.V(1).Info("memory-protection feature probe degraded", "error", err)
	}

	// Step 9: side-channel mitigations.
	if fs, err := provider.ProbeSideChannelMitigation(); err == nil {
		b.SideChannel = fs
	} else {
		b.log.V(1).Info("side-channel mitigation probe degraded", "error", err)
	}

	// Step 10: TRNG.
	if trng, err := provider.ProbeTRNGAvailable(); err == nil {
		b.TRNGAvailable = trng
	} else {
		b.log.V(1).Info("TRNG probe degraded", "error", err)
	}

	// Step 11: total memory.
	if mem, err := provider.ProbeTotalMemoryMB(); err == nil {
		b.TotalMemoryMB = mem
	} else {
		b.log.V(1).Info("total memory probe degraded", "error", err)
	}

	// Step 12: boot mode.
	uefi, uerr := provider.ProbeUEFIBoot()
	secure, serr := provider.ProbeSecureBootEnabled()
	if uerr == nil {
		b.Mode.UEFI = uefi
	} else {
		b.log.V(1).Info("UEFI boot probe degraded", "error", uerr)
	}
	if serr == nil {
		b.Mode.SecureBoot = secure
	} else {
		b.log.V(1).Info("secure boot probe degraded", "error", serr)
	}

	return b.MarkProbed()
}

// ConstantTimeSupported is a derived roll-up defined narrowly as aes_ni AND
// rdrand, deliberately excluding rdseed and the mul/cmp flags.
func (b *BootFacts) ConstantTimeSupported() bool {
	return b.ConstantTime.Has("aes_ni") && b.ConstantTime.Has("rdrand")
}

// CachePartitioningSupported is a derived roll-up: true iff both CAT and
// CDP are reported present.
func (b *BootFacts) CachePartitioningSupported() bool {
	return b.CacheControl.Has("cat") && b.CacheControl.Has("cdp")
}

// Validate evaluates the Stage 1 check list and accumulates every finding
// into ctx, never short-circuiting. It returns the worst severity seen and
// sets validated iff no HardFail was recorded.
func (b *BootFacts) Validate(ctx *ucqcferr.ValidationContext) ucqcferr.Severity {
	if !b.Probed() {
		ctx.Add(ucqcferr.CodeNotProbed, ucqcferr.HardFail, "boot facts have not been probed")
		return ucqcferr.HardFail
	}

	if b.CPUCount < 2 {
		ctx.Add(ucqcferr.CodeCPUCountTooLow, ucqcferr.HardFail, "cpu_count %d < 2", b.CPUCount)
	}
	if len(b.Caches) == 0 {
		ctx.Add(ucqcferr.CodeCacheLevelsEmpty, ucqcferr.HardFail, "no cache levels reported")
	}
	if b.NUMANodeCount < 1 {
		ctx.Add(ucqcferr.CodeNUMACountTooLow, ucqcferr.HardFail, "numa_node_count %d < 1", b.NUMANodeCount)
	}

	if !b.ConstantTimeSupported() {
		ctx.Add(ucqcferr.CodeConstantTimePartial, ucqcferr.Warn, "constant-time support (aes_ni && rdrand) not present")
	}
	if !b.TRNGAvailable {
		ctx.Add(ucqcferr.CodeTRNGAbsent, ucqcferr.Warn, "no TRNG available")
	}
	if b.SMTEnabled {
		ctx.Add(ucqcferr.CodeSMTEnabled, ucqcferr.Warn, "SMT is enabled")
	}
	if !b.Mode.SecureBoot {
		ctx.Add(ucqcferr.CodeSecureBootDisabled, ucqcferr.Warn, "secure boot is disabled")
	}

	worst := ctx.WorstSeverity()
	if worst != ucqcferr.HardFail {
		if err := b.MarkValidated(); err != nil {
			ctx.Add(ucqcferr.CodeAlreadySealed, ucqcferr.HardFail, "%s", err)
			return ucqcferr.HardFail
		}
	}
	return worst
}

// SealedFacts is the type-state marker a downstream stage's Init requires:
// it can only be obtained from a successful call to (*BootFacts).Seal, so
// "construct Topology against an unsealed BootFacts" is a compile error
// rather than a runtime check.
type SealedFacts struct {
	facts *BootFacts
}

// Seal requires Validated() and forbids a second call, per seal monotonicity.
func (b *BootFacts) Seal() (*SealedFacts, error) {
	if err := b.MarkSealed(); err != nil {
		return nil, err
	}
	b.log.Info("boot facts sealed", "cpu_count", b.CPUCount, "numa_node_count", b.NUMANodeCount)
	return &SealedFacts{facts: b}, nil
}

// Facts returns the read-only BootFacts behind the seal. Every field is
// safe for concurrent readers because nothing mutates it after Seal.
func (s *SealedFacts) Facts() *BootFacts { return s.facts }
