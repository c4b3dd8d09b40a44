// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package methods

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	for _, name := range All {
		require.NoErrorf(t, Validate(name), "method %q should be valid", name)
	}
	err := Validate("baselinepp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baselinepp")
}

func TestProperties(t *testing.T) {
	assert.True(t, IsMetaLearning(MAML))
	assert.True(t, IsMetaLearning(MAMLApprox))
	assert.False(t, IsMetaLearning(Baseline))
	assert.False(t, IsMetaLearning(ProtoNet))

	assert.True(t, RequiresSpatialFeatures(RelationNet))
	assert.True(t, RequiresSpatialFeatures(RelationNetSoftmax))
	assert.False(t, RequiresSpatialFeatures(MatchingNet))
	assert.False(t, RequiresSpatialFeatures(BaselinePP))
}
