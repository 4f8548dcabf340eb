// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package x86 is the x86_64 boot.ProbeProvider, the one concrete
// architecture back-end this repository ships. It is built on
// github.com/klauspost/cpuid/v2 rather than a raw CPUID asm wrapper: the
// library already does the vendor decode, family/model/stepping bit math,
// and brand string extraction, and exposes cache topology and feature bits
// as named queries instead of leaf/register numbers. Facts CPUID cannot
// answer (NUMA layout, total memory, firmware boot mode) come from /sys
// and /proc.
package x86

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/antimetal/ucqcf/pkg/boot"
	"github.com/antimetal/ucqcf/pkg/topology"
)

// Provider is the CPUID-based x86_64 boot.ProbeProvider.
type Provider struct {
	// sysPath/procPath allow tests to point the node/meminfo/efi lookups
	// at a fixture directory instead of the real /sys and /proc.
	sysPath  string
	procPath string
}

// New returns a Provider reading the real /proc and /sys.
func New() *Provider {
	return &Provider{sysPath: "/sys", procPath: "/proc"}
}

// NewWithRoot returns a Provider reading /proc and /sys rooted at root,
// for tests.
func NewWithRoot(root string) *Provider {
	return &Provider{
		sysPath:  filepath.Join(root, "sys"),
		procPath: filepath.Join(root, "proc"),
	}
}

func vendorOf(v cpuid.Vendor) boot.Vendor {
	switch v {
	case cpuid.Intel:
		return boot.VendorIntel
	case cpuid.AMD:
		return boot.VendorAMD
	default:
		return boot.VendorUnknown
	}
}

func (p *Provider) ProbeCPUInfo() (boot.CPUIdentity, error) {
	c := cpuid.CPU
	brand := c.BrandName
	if len(brand) > 48 {
		brand = brand[:48]
	}
	return boot.CPUIdentity{
		Vendor:   vendorOf(c.VendorID),
		Family:   uint32(c.Family),
		Model:    uint32(c.Model),
		Stepping: uint32(c.Stepping),
		Brand:    brand,
	}, nil
}

func (p *Provider) ProbeCacheTopology() ([]boot.CacheLevel, error) {
	c := cpuid.CPU
	var levels []boot.CacheLevel
	if c.Cache.L1D > 0 {
		levels = append(levels, boot.CacheLevel{
			Level: 1, Kind: boot.CacheKindData, SizeBytes: uint64(c.Cache.L1D),
			LineBytes: uint32(c.CacheLine), Shared: false,
		})
	}
	if c.Cache.L1I > 0 {
		levels = append(levels, boot.CacheLevel{
			Level: 1, Kind: boot.CacheKindInstruction, SizeBytes: uint64(c.Cache.L1I),
			LineBytes: uint32(c.CacheLine), Shared: false,
		})
	}
	if c.Cache.L2 > 0 {
		levels = append(levels, boot.CacheLevel{
			Level: 2, Kind: boot.CacheKindUnified, SizeBytes: uint64(c.Cache.L2),
			LineBytes: uint32(c.CacheLine), Shared: c.ThreadsPerCore > 1,
		})
	}
	if c.Cache.L3 > 0 {
		levels = append(levels, boot.CacheLevel{
			Level: 3, Kind: boot.CacheKindUnified, SizeBytes: uint64(c.Cache.L3),
			LineBytes: uint32(c.CacheLine), Shared: true, Inclusive: true,
		})
	}
	return levels, nil
}

func (p *Provider) ProbeCPUCount() (uint32, error) {
	return uint32(cpuid.CPU.LogicalCores), nil
}

func (p *Provider) ProbeNUMANodeCount() (uint32, error) {
	// CPUID's AMD-only leaf 0x8000001E NUMA extensions don't cover Intel,
	// so NUMA node count is read from sysfs, giving one provider that
	// works for both vendors.
	pattern := filepath.Join(p.sysPath, "devices", "system", "node", "node[0-9]*")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return 1, nil
	}
	return uint32(len(matches)), nil
}

func (p *Provider) ProbeSMTEnabled() (bool, error) {
	return cpuid.CPU.ThreadsPerCore > 1, nil
}

func (p *Provider) ProbeThreadsPerCore() (uint32, error) {
	return uint32(cpuid.CPU.ThreadsPerCore), nil
}

func (p *Provider) ProbeConstantTimeSupport() (boot.FeatureSet, error) {
	c := cpuid.CPU
	return boot.FeatureSet{Valid: true, Flags: map[string]bool{
		"aes_ni":  c.Supports(cpuid.AESNI),
		"rdrand":  c.Supports(cpuid.RDRAND),
		"rdseed":  c.Supports(cpuid.RDSEED),
		"ct_mul":  c.Supports(cpuid.ADX),
		"ct_cmp":  c.Supports(cpuid.AVX512IFMA),
	}}, nil
}

func (p *Provider) ProbeCacheControl() (boot.FeatureSet, error) {
	c := cpuid.CPU
	return boot.FeatureSet{Valid: true, Flags: map[string]bool{
		"clflush":    true,
		"clflushopt": c.Supports(cpuid.CLFLUSHOPT),
		"clwb":       c.Supports(cpuid.CLWB),
		"cat":        c.Supports(cpuid.CAT_L3) || c.Supports(cpuid.CAT_L2),
		"cdp":        c.Supports(cpuid.CDP_L3) || c.Supports(cpuid.CDP_L2),
	}}, nil
}

func (p *Provider) ProbeMemoryProtection() (boot.FeatureSet, error) {
	c := cpuid.CPU
	return boot.FeatureSet{Valid: true, Flags: map[string]bool{
		"nx":   true,
		"smep": c.Supports(cpuid.SMEP),
		"smap": c.Supports(cpuid.SMAP),
		"pku":  c.Supports(cpuid.OSPKE),
		"tme":  c.Supports(cpuid.TME),
	}}, nil
}

func (p *Provider) ProbeSideChannelMitigation() (boot.FeatureSet, error) {
	c := cpuid.CPU
	return boot.FeatureSet{Valid: true, Flags: map[string]bool{
		"ibrs":     c.Supports(cpuid.IBPB),
		"stibp":    c.Supports(cpuid.STIBP),
		"ssbd":     c.Supports(cpuid.SPEC_CTRL_SSBD),
		"md_clear": c.Supports(cpuid.MD_CLEAR),
	}}, nil
}

func (p *Provider) ProbeTRNGAvailable() (bool, error) {
	return cpuid.CPU.Supports(cpuid.RDSEED), nil
}

// ProbeTotalMemoryMB reads /proc/meminfo's MemTotal line, since CPUID has
// no total-memory leaf.
func (p *Provider) ProbeTotalMemoryMB() (uint64, error) {
	f, err := os.Open(filepath.Join(p.procPath, "meminfo"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, scanner.Err()
}

func (p *Provider) ProbeUEFIBoot() (bool, error) {
	_, err := os.Stat(filepath.Join(p.sysPath, "firmware", "efi"))
	return err == nil, nil
}

func (p *Provider) ProbeSecureBootEnabled() (bool, error) {
	matches, err := filepath.Glob(filepath.Join(p.sysPath, "firmware", "efi", "efivars", "SecureBoot-*"))
	if err != nil || len(matches) == 0 {
		return false, nil
	}
	data, err := os.ReadFile(matches[0])
	if err != nil || len(data) == 0 {
		return false, nil
	}
	return data[len(data)-1] == 1, nil
}

func (p *Provider) cpuSysPath(id uint32) string {
	return filepath.Join(p.sysPath, "devices", "system", "cpu", "cpu"+strconv.FormatUint(uint64(id), 10))
}

// readUint reads a sysfs file containing a single unsigned integer,
// reporting false if the file is absent or unparsable rather than erroring:
// many topology files (online, cpufreq) are legitimately missing on
// single-socket or non-pstate systems.
func readUint(path string) (uint32, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func readString(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// parseCPUList parses a Linux cpu-list string ("0-3,8,10-11") into its
// member cpu ids, the same list format shared_cpu_list, thread_siblings_list
// and node cpulist files all use.
func parseCPUList(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		loN, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, err
		}
		if !isRange {
			out = append(out, uint32(loN))
			continue
		}
		hiN, err := strconv.ParseUint(hi, 10, 32)
		if err != nil {
			return nil, err
		}
		for v := loN; v <= hiN; v++ {
			out = append(out, uint32(v))
		}
	}
	return out, nil
}

// cacheDomainID reads cpuN/cache/indexK/shared_cpu_list and returns its
// lowest member cpu id as the representative domain id: two cores that share
// a physical cache always share its lowest-numbered member, so this is a
// stable, collision-free domain id without maintaining a separate allocator.
func (p *Provider) cacheDomainID(id uint32, index int) uint32 {
	path := filepath.Join(p.cpuSysPath(id), "cache", "index"+strconv.Itoa(index), "shared_cpu_list")
	s, ok := readString(path)
	if !ok {
		return id
	}
	members, err := parseCPUList(s)
	if err != nil || len(members) == 0 {
		return id
	}
	lowest := members[0]
	for _, m := range members[1:] {
		if m < lowest {
			lowest = m
		}
	}
	return lowest
}

// numaNodeOf returns the NUMA node id containing cpu id, scanning
// /sys/devices/system/node/node*/cpulist the same way ProbeNUMANodeCount
// globs the node directories.
func (p *Provider) numaNodeOf(id uint32) uint32 {
	pattern := filepath.Join(p.sysPath, "devices", "system", "node", "node[0-9]*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	for _, nodeDir := range matches {
		s, ok := readString(filepath.Join(nodeDir, "cpulist"))
		if !ok {
			continue
		}
		members, err := parseCPUList(s)
		if err != nil {
			continue
		}
		for _, m := range members {
			if m == id {
				nodeName := filepath.Base(nodeDir)
				n, _ := strconv.ParseUint(strings.TrimPrefix(nodeName, "node"), 10, 32)
				return uint32(n)
			}
		}
	}
	return 0
}

// numaDistanceVector reads /sys/devices/system/node/nodeN/distance, the
// space-separated row of this node's distance to every other node in
// ascending node-id order.
func (p *Provider) numaDistanceVector(node uint32) []uint32 {
	path := filepath.Join(p.sysPath, "devices", "system", "node", "node"+strconv.FormatUint(uint64(node), 10), "distance")
	s, ok := readString(path)
	if !ok {
		return nil
	}
	fields := strings.Fields(s)
	out := make([]uint32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(v))
	}
	return out
}

// ProbeCoreGeometry implements topology.CoreProvider, building one core's
// geometry from sysfs topology and cache files, the same /sys-walking idiom
// ProbeNUMANodeCount already uses for node discovery.
func (p *Provider) ProbeCoreGeometry(id uint32) (topology.CoreGeometry, error) {
	base := p.cpuSysPath(id)

	online := true
	if v, ok := readUint(filepath.Join(base, "online")); ok {
		online = v != 0
	}

	physPkg, _ := readUint(filepath.Join(base, "topology", "physical_package_id"))

	var l1, l2, l3 uint32
	for idx := 0; idx < 8; idx++ {
		levelPath := filepath.Join(base, "cache", "index"+strconv.Itoa(idx), "level")
		lvl, ok := readUint(levelPath)
		if !ok {
			continue
		}
		typePath := filepath.Join(base, "cache", "index"+strconv.Itoa(idx), "type")
		kind, _ := readString(typePath)
		domainID := p.cacheDomainID(id, idx)
		switch {
		case lvl == 1 && kind != "Instruction":
			l1 = domainID
		case lvl == 2:
			l2 = domainID
		case lvl == 3:
			l3 = domainID
		}
	}

	hasSibling := false
	var siblingID uint32
	if s, ok := readString(filepath.Join(base, "topology", "thread_siblings_list")); ok {
		members, err := parseCPUList(s)
		if err == nil {
			for _, m := range members {
				if m != id {
					hasSibling = true
					siblingID = m
					break
				}
			}
		}
	}

	baseFreq, _ := readUint(filepath.Join(base, "cpufreq", "base_frequency"))
	maxFreq, _ := readUint(filepath.Join(base, "cpufreq", "scaling_max_freq"))
	governor, hasGovernor := readString(filepath.Join(base, "cpufreq", "scaling_governor"))
	scalingDisabled := !hasGovernor || governor == "performance"

	caches, _ := p.ProbeCacheTopology()

	constantTime, _ := p.ProbeConstantTimeSupport()
	cacheControl, _ := p.ProbeCacheControl()
	memProtection, _ := p.ProbeMemoryProtection()

	node := p.numaNodeOf(id)

	return topology.CoreGeometry{
		PhysicalID: id,
		Online:     online,
		Isolatable: online,
		SocketID:   physPkg,
		PackageID:  physPkg,
		CacheDomain: topology.CacheDomainIDs{
			L1: l1,
			L2: l2,
			L3: l3,
		},
		CacheLevels: caches,
		NUMANodeID:  node,
		NUMADist:    p.numaDistanceVector(node),
		SMT: topology.SMT{
			HasSibling: hasSibling,
			SiblingID:  siblingID,
		},
		Freq: topology.Frequency{
			BaseMHz:         baseFreq / 1000,
			MaxMHz:          maxFreq / 1000,
			ScalingDisabled: scalingDisabled,
		},
		Caps: topology.Capabilities{
			ConstantTime:      constantTime.Has("aes_ni") && constantTime.Has("rdrand"),
			CachePartitioning: cacheControl.Has("cat") && cacheControl.Has("cdp"),
			MemoryEncryption:  memProtection.Has("tme"),
		},
	}, nil
}

var _ boot.ProbeProvider = (*Provider)(nil)
var _ topology.CoreProvider = (*Provider)(nil)
