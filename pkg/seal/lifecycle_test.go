// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package seal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/ucqcf/pkg/seal"
)

func TestLifecycleHappyPath(t *testing.T) {
	var l seal.Lifecycle
	assert.False(t, l.Probed())
	assert.False(t, l.Validated())
	assert.False(t, l.Sealed())

	require.NoError(t, l.MarkProbed())
	assert.True(t, l.Probed())

	require.NoError(t, l.MarkValidated())
	assert.True(t, l.Validated())

	require.NoError(t, l.MarkSealed())
	assert.True(t, l.Sealed())
}

func TestLifecycleValidateBeforeProbeFails(t *testing.T) {
	var l seal.Lifecycle
	require.ErrorIs(t, l.MarkValidated(), seal.ErrNotProbed)
}

func TestLifecycleSealBeforeValidateFails(t *testing.T) {
	var l seal.Lifecycle
	require.NoError(t, l.MarkProbed())
	require.ErrorIs(t, l.MarkSealed(), seal.ErrNotValidated)
}

// TestLifecycleSealIsOneWay: once sealed, no further mutation succeeds,
// including a second Seal call.
func TestLifecycleSealIsOneWay(t *testing.T) {
	var l seal.Lifecycle
	require.NoError(t, l.MarkProbed())
	require.NoError(t, l.MarkValidated())
	require.NoError(t, l.MarkSealed())

	require.ErrorIs(t, l.MarkProbed(), seal.ErrAlreadySealed)
	require.ErrorIs(t, l.MarkValidated(), seal.ErrAlreadySealed)
	require.ErrorIs(t, l.MarkSealed(), seal.ErrAlreadySealed)
	require.ErrorIs(t, l.RequireMutable(), seal.ErrAlreadySealed)
}

// TestLifecycleRequireSealed: a downstream stage's Init must refuse an
// unsealed predecessor.
func TestLifecycleRequireSealed(t *testing.T) {
	var l seal.Lifecycle
	require.ErrorIs(t, l.RequireSealed(), seal.ErrPredecessorUnsealed)

	require.NoError(t, l.MarkProbed())
	require.NoError(t, l.MarkValidated())
	require.NoError(t, l.MarkSealed())
	require.NoError(t, l.RequireSealed())
}
