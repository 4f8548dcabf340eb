// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package x86_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/ucqcf/pkg/boot/x86"
)

// writeFile creates path and every missing parent directory, for building
// fixture /sys and /proc trees under t.TempDir().
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// twoNodeFourCoreRoot builds a fixture /sys tree for a 4-core, 2-socket,
// 2-NUMA-node machine: cores 0,1 share an L2 domain and are on node 0; cores
// 2,3 share an L2 domain and are on node 1; all four share one L3 domain.
func twoNodeFourCoreRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	sys := filepath.Join(root, "sys")

	writeFile(t, filepath.Join(sys, "devices", "system", "node", "node0", "cpulist"), "0-1")
	writeFile(t, filepath.Join(sys, "devices", "system", "node", "node0", "distance"), "10 20")
	writeFile(t, filepath.Join(sys, "devices", "system", "node", "node1", "cpulist"), "2-3")
	writeFile(t, filepath.Join(sys, "devices", "system", "node", "node1", "distance"), "20 10")

	cpu := func(id int, pkg string, l1Shared, l2Shared, l3Shared, siblings string) {
		base := filepath.Join(sys, "devices", "system", "cpu", "cpu"+strconv.Itoa(id))
		writeFile(t, filepath.Join(base, "online"), "1")
		writeFile(t, filepath.Join(base, "topology", "physical_package_id"), pkg)
		writeFile(t, filepath.Join(base, "topology", "thread_siblings_list"), siblings)

		writeFile(t, filepath.Join(base, "cache", "index0", "level"), "1")
		writeFile(t, filepath.Join(base, "cache", "index0", "type"), "Data")
		writeFile(t, filepath.Join(base, "cache", "index0", "shared_cpu_list"), l1Shared)

		writeFile(t, filepath.Join(base, "cache", "index2", "level"), "2")
		writeFile(t, filepath.Join(base, "cache", "index2", "type"), "Unified")
		writeFile(t, filepath.Join(base, "cache", "index2", "shared_cpu_list"), l2Shared)

		writeFile(t, filepath.Join(base, "cache", "index3", "level"), "3")
		writeFile(t, filepath.Join(base, "cache", "index3", "type"), "Unified")
		writeFile(t, filepath.Join(base, "cache", "index3", "shared_cpu_list"), l3Shared)

		writeFile(t, filepath.Join(base, "cpufreq", "base_frequency"), "3000000")
		writeFile(t, filepath.Join(base, "cpufreq", "scaling_max_freq"), "4000000")
		writeFile(t, filepath.Join(base, "cpufreq", "scaling_governor"), "performance")
	}
	cpu(0, "0", "0", "0-1", "0-3", "0")
	cpu(1, "0", "1", "0-1", "0-3", "1")
	cpu(2, "1", "2", "2-3", "0-3", "2")
	cpu(3, "1", "3", "2-3", "0-3", "3")

	return root
}

func TestProbeNUMANodeCount(t *testing.T) {
	root := twoNodeFourCoreRoot(t)
	p := x86.NewWithRoot(root)
	n, err := p.ProbeNUMANodeCount()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)
}

func TestProbeNUMANodeCountDefaultsToOneWithNoNodeDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys", "devices", "system"), 0o755))
	p := x86.NewWithRoot(root)
	n, err := p.ProbeNUMANodeCount()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
}

func TestProbeTotalMemoryMB(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "proc", "meminfo"), "MemTotal:       16777216 kB\nMemFree:        1024 kB\n")
	p := x86.NewWithRoot(root)
	mb, err := p.ProbeTotalMemoryMB()
	require.NoError(t, err)
	assert.Equal(t, uint64(16384), mb)
}

func TestProbeUEFIBoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sys", "firmware", "efi", "fw_platform_size"), "64")
	p := x86.NewWithRoot(root)
	ok, err := p.ProbeUEFIBoot()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProbeUEFIBootAbsentIsFalse(t *testing.T) {
	p := x86.NewWithRoot(t.TempDir())
	ok, err := p.ProbeUEFIBoot()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProbeSecureBootEnabled(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "sys", "firmware", "efi", "efivars", "SecureBoot-abcd")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte{0x06, 0x00, 0x00, 0x00, 0x01}, 0o644))
	p := x86.NewWithRoot(root)
	ok, err := p.ProbeSecureBootEnabled()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProbeSecureBootDisabledWhenLastByteZero(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "sys", "firmware", "efi", "efivars", "SecureBoot-abcd")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte{0x06, 0x00, 0x00, 0x00, 0x00}, 0o644))
	p := x86.NewWithRoot(root)
	ok, err := p.ProbeSecureBootEnabled()
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestProbeCoreGeometrySysfsDerivedFields covers only the fields
// ProbeCoreGeometry derives from sysfs (cache domain ids, SMT, frequency,
// NUMA placement), since its cache/feature roll-ups fall through to real
// CPUID and so are not fixture-controllable.
func TestProbeCoreGeometrySysfsDerivedFields(t *testing.T) {
	root := twoNodeFourCoreRoot(t)
	p := x86.NewWithRoot(root)

	g0, err := p.ProbeCoreGeometry(0)
	require.NoError(t, err)
	g1, err := p.ProbeCoreGeometry(1)
	require.NoError(t, err)

	assert.True(t, g0.Online)
	assert.Equal(t, uint32(0), g0.SocketID)
	// Cores 0,1 share an L2 domain (lowest member 0) but have private L1
	// domains (their own id).
	assert.Equal(t, g0.CacheDomain.L2, g1.CacheDomain.L2)
	assert.NotEqual(t, g0.CacheDomain.L1, g1.CacheDomain.L1)
	assert.Equal(t, uint32(0), g0.CacheDomain.L3)
	assert.Equal(t, uint32(0), g1.CacheDomain.L3)

	assert.Equal(t, uint32(0), g0.NUMANodeID)
	assert.Equal(t, []uint32{10, 20}, g0.NUMADist)

	assert.Equal(t, uint32(3000), g0.Freq.BaseMHz)
	assert.Equal(t, uint32(4000), g0.Freq.MaxMHz)
	assert.True(t, g0.Freq.ScalingDisabled, "scaling_governor=performance must read as scaling disabled")
}

func TestProbeCoreGeometryCrossSocketCoreHasDifferentNUMANode(t *testing.T) {
	root := twoNodeFourCoreRoot(t)
	p := x86.NewWithRoot(root)

	g0, err := p.ProbeCoreGeometry(0)
	require.NoError(t, err)
	g2, err := p.ProbeCoreGeometry(2)
	require.NoError(t, err)

	assert.NotEqual(t, g0.NUMANodeID, g2.NUMANodeID)
	assert.NotEqual(t, g0.CacheDomain.L2, g2.CacheDomain.L2)
	assert.Equal(t, g0.CacheDomain.L3, g2.CacheDomain.L3, "all four cores share one L3 domain")
}

func TestProbeCoreGeometryOfflineCoreIsNotIsolatable(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "sys", "devices", "system", "cpu", "cpu1")
	writeFile(t, filepath.Join(base, "online"), "0")
	p := x86.NewWithRoot(root)
	g, err := p.ProbeCoreGeometry(1)
	require.NoError(t, err)
	assert.False(t, g.Online)
	assert.False(t, g.Isolatable)
}
