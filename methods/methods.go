// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package methods enumerates the few-shot classification methods supported by the
// pipeline and the properties of each one that the other steps need to know about.
//
// The method name selects the training procedure, but it also constrains the other
// steps: meta-learning methods carry no reusable feature extractor, and relation
// network methods consume spatial feature maps instead of flat embeddings.
package methods

import "github.com/pkg/errors"

// Supported method names.
const (
	Baseline           = "baseline"
	BaselinePP         = "baseline++"
	ProtoNet           = "protonet"
	MatchingNet        = "matchingnet"
	RelationNet        = "relationnet"
	RelationNetSoftmax = "relationnet_softmax"
	MAML               = "maml"
	MAMLApprox         = "maml_approx"
)

// All lists every supported method name, in a stable order.
var All = []string{
	Baseline, BaselinePP, ProtoNet, MatchingNet,
	RelationNet, RelationNetSoftmax, MAML, MAMLApprox,
}

// Validate returns an error if name is not one of the supported methods.
func Validate(name string) error {
	for _, m := range All {
		if m == name {
			return nil
		}
	}
	return errors.Errorf("unknown method %q, supported methods are %v", name, All)
}

// IsMetaLearning reports whether the method adapts its weights per task at
// evaluation time. Such methods have no fixed feature extractor whose outputs
// could be cached, so the embedding step does not apply to them.
func IsMetaLearning(name string) bool {
	return name == MAML || name == MAMLApprox
}

// RequiresSpatialFeatures reports whether the method consumes unflattened
// spatial feature maps from the backbone. Relation networks concatenate
// and convolve over feature maps, so their backbones must not flatten.
func RequiresSpatialFeatures(name string) bool {
	return name == RelationNet || name == RelationNetSoftmax
}
