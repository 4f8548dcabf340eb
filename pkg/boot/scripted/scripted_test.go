// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scripted_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/ucqcf/pkg/boot"
	"github.com/antimetal/ucqcf/pkg/boot/scripted"
)

func TestLoadDecodesFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
CPUCount = 4
NUMANodeCount = 1
TRNGAvailable = true
TotalMemoryMB = 8192
UEFIBoot = true

[CPU]
Vendor = 1
Family = 6
Model = 158
Brand = "Fixture CPU"

[[Caches]]
Level = 1
Kind = 1
SizeBytes = 32768

[[Caches]]
Level = 3
Kind = 3
SizeBytes = 8388608
Shared = true

[ConstantTime]
Valid = true
[ConstantTime.Flags]
aes_ni = true
rdrand = true

[[Cores]]
PhysicalID = 0
Online = true
[Cores.CacheDomain]
L1 = 1
L2 = 10
L3 = 100
`), 0o644))

	f, err := scripted.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), f.CPUCount)
	assert.Equal(t, boot.VendorIntel, f.CPU.Vendor)
	assert.Equal(t, "Fixture CPU", f.CPU.Brand)
	require.Len(t, f.Caches, 2)
	assert.True(t, f.Caches[1].Shared)
	assert.True(t, f.ConstantTime.Has("aes_ni"))
	require.Len(t, f.Cores, 1)
	assert.Equal(t, uint32(10), f.Cores[0].CacheDomain.L2)

	p := scripted.New(f)
	count, err := p.ProbeCPUCount()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), count)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := scripted.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestProbeCoreGeometryWithoutFixtureErrors(t *testing.T) {
	p := scripted.Default()
	_, err := p.ProbeCoreGeometry(0)
	require.Error(t, err)
}
