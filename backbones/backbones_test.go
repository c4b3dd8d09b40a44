// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbones

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, name := range Names() {
		_, err := New(name, true)
		require.NoErrorf(t, err, "backbone %q should be registered", name)
	}
	_, err := New("Conv5", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Conv5")
}

func TestImageSize(t *testing.T) {
	assert.Equal(t, 84, ImageSize("Conv4"))
	assert.Equal(t, 84, ImageSize("Conv4S"))
	assert.Equal(t, 84, ImageSize("Conv6"))
	assert.Equal(t, 224, ImageSize("ResNet10"))
	assert.Equal(t, 224, ImageSize("ResNet50"))
}

// forwardShape runs a zero-filled batch through the backbone with freshly
// initialized variables and returns the output shape.
func forwardShape(t *testing.T, name string, flatten bool, batchSize int) shapes.Shape {
	backend := graphtest.BuildTestBackend()
	builder, err := New(name, flatten)
	require.NoError(t, err)
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return builder(ctx, images)
	})
	require.NoError(t, err)
	size := ImageSize(name)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, 3))
	outputs := exec.MustExec(images)
	require.Len(t, outputs, 1)
	return outputs[0].Shape()
}

func TestConvNetShapes(t *testing.T) {
	assert.True(t, forwardShape(t, "Conv4", true, 2).Equal(shapes.Make(dtypes.Float32, 2, 1600)))
	assert.True(t, forwardShape(t, "Conv4S", true, 2).Equal(shapes.Make(dtypes.Float32, 2, 800)))
	assert.True(t, forwardShape(t, "Conv6", true, 2).Equal(shapes.Make(dtypes.Float32, 2, 1600)))

	// Relation networks keep the spatial map.
	assert.True(t, forwardShape(t, "Conv4", false, 2).Equal(shapes.Make(dtypes.Float32, 2, 5, 5, 64)))
}

func TestResNetShapes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ResNet forward passes with --short")
	}
	assert.True(t, forwardShape(t, "ResNet10", true, 1).Equal(shapes.Make(dtypes.Float32, 1, 512)))
	assert.True(t, forwardShape(t, "ResNet10", false, 1).Equal(shapes.Make(dtypes.Float32, 1, 7, 7, 512)))
	assert.True(t, forwardShape(t, "ResNet50", true, 1).Equal(shapes.Make(dtypes.Float32, 1, 2048)))
}
