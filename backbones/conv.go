// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbones

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// convNet builds the small convolutional backbones (Conv4, Conv4S, Conv6):
// numBlocks blocks of conv3x3 + batch normalization + relu, with 2x2 max
// pooling in the first 4 blocks. At 84px input the pooled map is 5x5.
func convNet(numBlocks, channels int, flatten bool) Builder {
	return func(ctx *context.Context, images *graph.Node) *graph.Node {
		batchSize := images.Shape().Dimensions[0]
		layerIdx := 0
		nextCtx := func(name string) *context.Context {
			newCtx := ctx.Inf("%03d_%s", layerIdx, name)
			layerIdx++
			return newCtx
		}

		x := images
		for block := 0; block < numBlocks; block++ {
			x = layers.Convolution(nextCtx("conv"), x).Channels(channels).KernelSize(3).PadSame().Done()
			x = batchnorm.New(nextCtx("batchnorm"), x, -1).Done()
			x = activations.Relu(x)
			if block < 4 {
				x = graph.MaxPool(x).Window(2).Strides(2).NoPadding().Done()
			}
		}
		if flatten {
			x = graph.Reshape(x, batchSize, -1)
		}
		return x
	}
}
