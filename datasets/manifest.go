// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides the split manifests and the batched data source
// used by the few-shot classification pipeline.
//
// Each dataset split (base, val, novel) is described by a JSON manifest
// listing the class names and one (image path, integer label) pair per
// example. The Simple dataset streams those images as batched tensors,
// implementing gomlx's train.Dataset interface.
package datasets

import (
	"encoding/json"
	"os"
	"path"

	"github.com/pkg/errors"
)

// Manifest describes one split of a dataset: the class names, and one
// image path and integer label per example.
type Manifest struct {
	LabelNames  []string `json:"label_names"`
	ImageNames  []string `json:"image_names"`
	ImageLabels []int    `json:"image_labels"`
}

// ManifestPath returns the conventional location of the manifest for the
// given dataset and split under dataDir: `<dataDir>/<dataset>/<split>.json`.
func ManifestPath(dataDir, dataset, split string) string {
	return path.Join(dataDir, dataset, split+".json")
}

// LoadManifest reads and validates a split manifest from a JSON file.
func LoadManifest(manifestPath string) (*Manifest, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", manifestPath)
	}
	defer func() { _ = f.Close() }()
	m := &Manifest{}
	decoder := json.NewDecoder(f)
	if err := decoder.Decode(m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %q", manifestPath)
	}
	if len(m.ImageNames) != len(m.ImageLabels) {
		return nil, errors.Errorf("manifest %q lists %d image names but %d labels",
			manifestPath, len(m.ImageNames), len(m.ImageLabels))
	}
	for ii, label := range m.ImageLabels {
		if label < 0 {
			return nil, errors.Errorf("manifest %q has negative label %d for image #%d",
				manifestPath, label, ii)
		}
	}
	return m, nil
}

// NumExamples returns the number of examples listed in the manifest.
func (m *Manifest) NumExamples() int {
	return len(m.ImageNames)
}
