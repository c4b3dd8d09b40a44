// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features implements the embedding step of the few-shot
// classification pipeline: it rebuilds the feature-extractor backbone of a
// trained model, runs a dataset split through it, and saves every embedding
// with its label to an archive that the downstream evaluation steps reuse.
package features

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// FeatureScope is the context scope under which training places the
// feature-extractor variables of a model. The remaining scopes hold the
// method-specific heads (classifiers, relation modules), which the
// embedding step discards.
const FeatureScope = "/feature"

// ModelState is the saved state of a trained model: every variable value,
// keyed by the variable parameter name ("var:<scope>/<name>", as produced by
// context.Variable.ParameterName).
type ModelState struct {
	Variables map[string]*tensors.Tensor
}

// NumVariables returns the number of variables in the state.
func (s ModelState) NumVariables() int { return len(s.Variables) }

// TakeScope returns the variables of state that live under scope, re-rooted:
// the scope prefix is stripped from each key, so a variable saved under
// "/feature/conv/weights" comes out keyed as if it lived at "/conv/weights".
// Variables outside the scope, and malformed keys, are dropped. The state
// itself is not modified and the tensors are shared, not copied.
func TakeScope(state ModelState, scope string) ModelState {
	taken := make(map[string]*tensors.Tensor, len(state.Variables))
	for key, value := range state.Variables {
		varScope, varName := context.VariableScopeAndNameFromParameterName(key)
		if varName == "" {
			continue
		}
		var newScope string
		switch {
		case varScope == scope:
			newScope = context.RootScope
		case strings.HasPrefix(varScope, scope+context.ScopeSeparator):
			newScope = varScope[len(scope):]
		default:
			continue
		}
		taken[context.VariableParameterNameFromScopeAndName(newScope, varName)] = value
	}
	return ModelState{Variables: taken}
}
