// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package boot implements Stage 1 of the boot security pipeline: probing
// the CPU/cache/NUMA/security-feature surface of the machine and producing
// an immutable fact record. Probing is delegated to a ProbeProvider;
// validation is local.
package boot

// Vendor is the decoded CPU vendor. The zero value, VendorUnknown, is a
// valid answer (not an error sentinel by itself) but downstream validation
// may still choose to warn or hard-fail on it.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "Intel"
	case VendorAMD:
		return "AMD"
	default:
		return "Unknown"
	}
}

// CPUIdentity is the decoded CPU identity a ProbeProvider reports.
type CPUIdentity struct {
	Vendor   Vendor
	Family   uint32
	Model    uint32
	Stepping uint32
	Brand    string // at most 48 bytes
}

// CacheKind classifies a single cache level.
type CacheKind int

const (
	CacheKindUndefined CacheKind = iota
	CacheKindData
	CacheKindInstruction
	CacheKindUnified
)

// CacheLevel describes one level of the cache hierarchy as the provider
// reports it, before Topology assigns per-core sharing domain ids.
type CacheLevel struct {
	Level     uint8 // 1..MaxCacheLevels
	Kind      CacheKind
	SizeBytes uint64
	LineBytes uint32
	Ways      uint32
	Shared    bool // true if this level is shared across more than one core
	Inclusive bool
}

// FeatureSet is a named group of boolean hardware capability flags plus its
// own validity bit: a provider that cannot determine a group at all
// reports Valid=false rather than guessing individual flags.
type FeatureSet struct {
	Valid bool
	Flags map[string]bool
}

// Has reports whether flag is present and true in an valid feature set.
// An invalid set (Valid=false) always reports false for every flag,
// matching the fail-closed principle: absence of information is treated as
// absence of the feature.
func (f FeatureSet) Has(flag string) bool {
	if !f.Valid {
		return false
	}
	return f.Flags[flag]
}

// BootMode captures the boot-time firmware facts.
type BootMode struct {
	UEFI       bool
	SecureBoot bool
}

// ProbeProvider is the capability set the core requires from an
// architecture-specific back-end. Every operation is synchronous and pure:
// the same machine state always yields the same result. The core never
// inspects architecture-specific registers directly; it only calls through
// this interface.
type ProbeProvider interface {
	ProbeCPUInfo() (CPUIdentity, error)
	ProbeCacheTopology() ([]CacheLevel, error)
	ProbeCPUCount() (uint32, error)
	ProbeNUMANodeCount() (uint32, error)
	ProbeSMTEnabled() (bool, error)
	ProbeThreadsPerCore() (uint32, error)
	ProbeConstantTimeSupport() (FeatureSet, error)
	ProbeCacheControl() (FeatureSet, error)
	ProbeMemoryProtection() (FeatureSet, error)
	ProbeSideChannelMitigation() (FeatureSet, error)
	ProbeTRNGAvailable() (bool, error)
	ProbeTotalMemoryMB() (uint64, error)
	ProbeUEFIBoot() (bool, error)
	ProbeSecureBootEnabled() (bool, error)
}
