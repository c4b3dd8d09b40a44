// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbones

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Per-stage output channels for the two residual block families.
var (
	simpleStageChannels     = [4]int{64, 128, 256, 512}
	bottleneckStageChannels = [4]int{256, 512, 1024, 2048}
)

// resNet builds a ResNet backbone: a 7x7/2 stem followed by 4 stages of
// residual blocks, each stage after the first halving the resolution.
// With bottleneck=false the blocks are two 3x3 convolutions (ResNet10/18/34);
// with bottleneck=true they are the 1x1, 3x3, 1x1 variant (ResNet50/101).
// At 224px input the final feature map is 7x7, reduced by average pooling
// to a flat embedding when flatten is set.
func resNet(blocksPerStage [4]int, bottleneck, flatten bool) Builder {
	return func(ctx *context.Context, images *graph.Node) *graph.Node {
		batchSize := images.Shape().Dimensions[0]

		stemCtx := ctx.In("stem")
		x := layers.Convolution(stemCtx.In("conv"), images).
			Channels(64).KernelSize(7).Strides(2).PadSame().UseBias(false).Done()
		x = batchnorm.New(stemCtx.In("batchnorm"), x, -1).Done()
		x = activations.Relu(x)
		x = graph.MaxPool(x).Window(3).Strides(2).PadSame().Done()

		stageChannels := simpleStageChannels
		if bottleneck {
			stageChannels = bottleneckStageChannels
		}
		for stage := 0; stage < 4; stage++ {
			stageCtx := ctx.Inf("stage_%d", stage)
			for block := 0; block < blocksPerStage[stage]; block++ {
				blockCtx := stageCtx.Inf("block_%d", block)
				halfRes := stage > 0 && block == 0
				if bottleneck {
					x = bottleneckBlock(blockCtx, x, stageChannels[stage], halfRes)
				} else {
					x = simpleBlock(blockCtx, x, stageChannels[stage], halfRes)
				}
			}
		}

		if flatten {
			x = graph.MeanPool(x).Window(7).Strides(7).NoPadding().Done()
			x = graph.Reshape(x, batchSize, -1)
		}
		return x
	}
}

// simpleBlock is the two 3x3 convolutions residual block. The first
// convolution carries the stride when the block halves the resolution.
func simpleBlock(ctx *context.Context, x *graph.Node, channels int, halfRes bool) *graph.Node {
	strides := 1
	if halfRes {
		strides = 2
	}
	y := layers.Convolution(ctx.In("conv1"), x).
		Channels(channels).KernelSize(3).Strides(strides).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("batchnorm1"), y, -1).Done()
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("conv2"), y).
		Channels(channels).KernelSize(3).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("batchnorm2"), y, -1).Done()
	return activations.Relu(graph.Add(y, shortcut(ctx, x, channels, strides)))
}

// bottleneckBlock is the 1x1 reduce, 3x3, 1x1 expand residual block, with the
// 3x3 convolution working at a quarter of the output channels.
func bottleneckBlock(ctx *context.Context, x *graph.Node, channels int, halfRes bool) *graph.Node {
	strides := 1
	if halfRes {
		strides = 2
	}
	inner := channels / 4
	y := layers.Convolution(ctx.In("conv1"), x).
		Channels(inner).KernelSize(1).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("batchnorm1"), y, -1).Done()
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("conv2"), y).
		Channels(inner).KernelSize(3).Strides(strides).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("batchnorm2"), y, -1).Done()
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("conv3"), y).
		Channels(channels).KernelSize(1).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("batchnorm3"), y, -1).Done()
	return activations.Relu(graph.Add(y, shortcut(ctx, x, channels, strides)))
}

// shortcut returns the residual connection for x: the identity when shapes
// already match, otherwise a strided 1x1 projection with batch normalization.
func shortcut(ctx *context.Context, x *graph.Node, channels, strides int) *graph.Node {
	if strides == 1 && x.Shape().Dimensions[x.Rank()-1] == channels {
		return x
	}
	y := layers.Convolution(ctx.In("shortcut"), x).
		Channels(channels).KernelSize(1).Strides(strides).PadSame().UseBias(false).Done()
	return batchnorm.New(ctx.In("shortcut_batchnorm"), y, -1).Done()
}
