// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"fmt"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fewshot/backbones"
	"github.com/gomlx/fewshot/methods"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Per-channel statistics the images are standardized with, the usual
// ImageNet values for inputs scaled to [0, 1].
var (
	channelMean   = []float32{0.485, 0.456, 0.406}
	channelStdDev = []float32{0.229, 0.224, 0.225}
)

// normalizeImages standardizes each channel of a `[batch, height, width, 3]`
// image batch with values in [0, 1].
func normalizeImages(images *graph.Node) *graph.Node {
	g := images.Graph()
	mean := graph.ExpandAxes(graph.Const(g, channelMean), 0, 1, 2)
	stddev := graph.ExpandAxes(graph.Const(g, channelStdDev), 0, 1, 2)
	return graph.Div(graph.Sub(images, mean), stddev)
}

// Extractor runs the feature-extractor part of a trained model: the backbone
// rebuilt from the saved variables, without any of the method heads.
type Extractor struct {
	backboneName string
	imageSize    int
	exec         *context.Exec
}

// NewExtractor rebuilds the named backbone from the feature-extractor
// variables of a saved model state and compiles it for inference.
//
// The variables under FeatureScope must match the backbone exactly: any
// variable the backbone needs that the state lacks, any leftover state
// variable, or any shape disagreement is an error, since it means the state
// was trained with a different backbone or method configuration.
func NewExtractor(backend backends.Backend, backboneName, method string, state ModelState) (*Extractor, error) {
	if err := methods.Validate(method); err != nil {
		return nil, err
	}
	flatten := !methods.RequiresSpatialFeatures(method)
	builder, err := backbones.New(backboneName, flatten)
	if err != nil {
		return nil, err
	}
	imageSize := backbones.ImageSize(backboneName)

	taken := TakeScope(state, FeatureScope)
	if taken.NumVariables() == 0 {
		return nil, errors.Errorf("model state has no variables under scope %q (state has %d variables in total)",
			FeatureScope, state.NumVariables())
	}
	expected, err := probeVariables(backend, builder, imageSize)
	if err != nil {
		return nil, err
	}
	if err := matchVariables(expected, taken, backboneName); err != nil {
		return nil, err
	}

	ctx := context.New()
	for key, value := range taken.Variables {
		scope, name := context.VariableScopeAndNameFromParameterName(key)
		ctx.InAbsPath(scope).VariableWithValue(name, value).SetTrainable(false)
	}
	ctx = ctx.Reuse()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		ctx.SetTraining(images.Graph(), false)
		return builder(ctx, normalizeImages(images))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile backbone %q for inference", backboneName)
	}
	return &Extractor{
		backboneName: backboneName,
		imageSize:    imageSize,
		exec:         exec,
	}, nil
}

// ImageSize returns the input resolution the extractor expects.
func (e *Extractor) ImageSize() int { return e.imageSize }

// Forward computes the features of one image batch, shaped
// `[batch, size, size, 3]` with values in [0, 1].
func (e *Extractor) Forward(images *tensors.Tensor) (feats *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		feats = e.exec.MustExec(images)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "backbone %q forward pass failed", e.backboneName)
	}
	return feats, nil
}

// probeVariables runs the builder once on a throwaway context, with default
// initialization, to find out the variables (and shapes) the backbone
// creates.
func probeVariables(backend backends.Backend, builder backbones.Builder, imageSize int) (map[string]shapes.Shape, error) {
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return builder(ctx, images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compile backbone probe")
	}
	probe := tensors.FromShape(shapes.Make(dtypes.Float32, 1, imageSize, imageSize, 3))
	err = exceptions.TryCatch[error](func() { exec.MustExec(probe) })
	if err != nil {
		return nil, errors.WithMessage(err, "backbone probe failed")
	}
	expected := make(map[string]shapes.Shape, ctx.NumVariables())
	ctx.EnumerateVariables(func(v *context.Variable) {
		expected[v.ParameterName()] = v.Shape()
	})
	return expected, nil
}

// matchVariables checks that the saved feature-extractor variables are
// exactly the ones the backbone creates, with the same shapes.
func matchVariables(expected map[string]shapes.Shape, taken ModelState, backboneName string) error {
	var missing, unexpected, mismatched []string
	for key, shape := range expected {
		value, found := taken.Variables[key]
		if !found {
			missing = append(missing, key)
			continue
		}
		if !value.Shape().Equal(shape) {
			mismatched = append(mismatched,
				fmt.Sprintf("%s saved as %s, backbone needs %s", key, value.Shape(), shape))
		}
	}
	for key := range taken.Variables {
		if _, found := expected[key]; !found {
			unexpected = append(unexpected, key)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 && len(mismatched) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	sort.Strings(mismatched)
	return errors.Errorf(
		"saved feature-extractor variables do not match backbone %q: missing %v; unexpected %v; shape mismatches %v",
		backboneName, missing, unexpected, mismatched)
}
