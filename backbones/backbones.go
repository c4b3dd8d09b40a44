// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backbones provides the feature-extractor architectures used by the
// few-shot classification pipeline, as GoMLX graph building functions.
//
// A backbone maps a batch of images, shaped `[batch, height, width, 3]`, to a
// batch of features: flat `[batch, numFeatures]` embeddings for most methods,
// or rank-4 spatial feature maps for the relation-network family.
//
// Backbones are selected by name through New. The variables created by a
// builder live under the context scope it is given, so a model trained with a
// backbone under one scope can be rebuilt under another, as long as the same
// name and flattening mode are used.
package backbones

import (
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Builder builds the backbone part of a model graph: it takes a batch of
// images and returns their features, creating (or reusing) variables in ctx.
type Builder func(ctx *context.Context, images *graph.Node) *graph.Node

var registry = map[string]func(flatten bool) Builder{
	"Conv4":     func(flatten bool) Builder { return convNet(4, 64, flatten) },
	"Conv4S":    func(flatten bool) Builder { return convNet(4, 32, flatten) },
	"Conv6":     func(flatten bool) Builder { return convNet(6, 64, flatten) },
	"ResNet10":  func(flatten bool) Builder { return resNet([4]int{1, 1, 1, 1}, false, flatten) },
	"ResNet18":  func(flatten bool) Builder { return resNet([4]int{2, 2, 2, 2}, false, flatten) },
	"ResNet34":  func(flatten bool) Builder { return resNet([4]int{3, 4, 6, 3}, false, flatten) },
	"ResNet50":  func(flatten bool) Builder { return resNet([4]int{3, 4, 6, 3}, true, flatten) },
	"ResNet101": func(flatten bool) Builder { return resNet([4]int{3, 4, 23, 3}, true, flatten) },
}

// New returns the Builder for the backbone with the given name.
// If flatten is false the backbone keeps its spatial feature map, which is
// what the relation-network methods consume.
func New(name string, flatten bool) (Builder, error) {
	build, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown backbone %q, available backbones are %v", name, Names())
	}
	return build(flatten), nil
}

// Names returns the sorted list of registered backbone names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImageSize returns the input image resolution (height and width) the named
// backbone was designed for: 84 pixels for the convolutional family and 224
// pixels for the ResNets.
func ImageSize(name string) int {
	if strings.HasPrefix(name, "Conv") {
		return 84
	}
	return 224
}
