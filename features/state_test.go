// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeScope(t *testing.T) {
	convWeights := tensors.FromValue([]float32{1, 2, 3})
	bias := tensors.FromValue([]float32{4})
	state := ModelState{Variables: map[string]*tensors.Tensor{
		"var:/feature/000_conv/weights": convWeights,
		"var:/feature/bias":             bias,
		"var:/classifier/weights":       tensors.FromValue([]float32{5}),
		"var:/featureless/weights":      tensors.FromValue([]float32{6}),
		"malformed":                     tensors.FromValue([]float32{7}),
	}}

	taken := TakeScope(state, FeatureScope)
	require.Equal(t, 2, taken.NumVariables())

	// Nested scopes are re-rooted, a variable directly under the scope lands
	// at the root scope.
	rerootedConv := context.VariableParameterNameFromScopeAndName("/000_conv", "weights")
	rerootedBias := context.VariableParameterNameFromScopeAndName(context.RootScope, "bias")
	require.Contains(t, taken.Variables, rerootedConv)
	require.Contains(t, taken.Variables, rerootedBias)

	// Tensors are shared, not copied.
	assert.Same(t, convWeights, taken.Variables[rerootedConv])
	assert.Same(t, bias, taken.Variables[rerootedBias])

	// The original state is untouched.
	assert.Equal(t, 5, state.NumVariables())

	// Keys survive a round-trip through the context parameter-name helpers.
	scope, name := context.VariableScopeAndNameFromParameterName(rerootedConv)
	assert.Equal(t, "/000_conv", scope)
	assert.Equal(t, "weights", name)
}

func TestTakeScopeEmpty(t *testing.T) {
	state := ModelState{Variables: map[string]*tensors.Tensor{
		"var:/classifier/weights": tensors.FromValue([]float32{1}),
	}}
	taken := TakeScope(state, FeatureScope)
	assert.Equal(t, 0, taken.NumVariables())
}
