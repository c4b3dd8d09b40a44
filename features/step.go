// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/gomlx/fewshot/datasets"
	"github.com/gomlx/fewshot/methods"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ShallowLimit is the number of examples a shallow run is truncated to.
const ShallowLimit = 256

// Batches between progress log lines.
const logEveryBatches = 100

// Config selects the model whose embeddings to extract and where the
// pipeline keeps its files. The model itself is identified by the
// (Dataset, Backbone, Method, ...) coordinates that also name its
// checkpoint directory.
type Config struct {
	// Dataset, Backbone and Method identify the trained model.
	Dataset  string
	Backbone string
	Method   string

	// TrainNWay, TestNWay and NShot are the episode parameters the model was
	// trained with. They only matter here through the checkpoint directory
	// name. Zero values default to 5.
	TrainNWay int
	TestNWay  int
	NShot     int

	// TrainAug marks models trained with data augmentation. As with the
	// episode parameters, it only affects the checkpoint directory name:
	// extraction itself never augments.
	TrainAug bool

	// Split selects the manifest to embed. Defaults to "novel".
	Split string

	// SaveIter selects which saved model iteration the output archive is
	// named after; negative means the best model, with no suffix.
	SaveIter int

	// Shallow truncates the split to ShallowLimit examples, for quick runs.
	Shallow bool

	// OutputDir is the root of the pipeline outputs, DataDir the root of the
	// dataset manifests. Both may start with "~".
	OutputDir string
	DataDir   string

	// BatchSize for extraction; 0 selects datasets.DefaultBatchSize.
	BatchSize int

	// Seed for the run; 0 draws a fresh one. Extraction is deterministic
	// either way, the seed is recorded for parity with the other steps.
	Seed int64

	// Verbose enables the progress bar.
	Verbose bool
}

// Embedding is the pipeline step that turns a trained model plus a dataset
// split into an archive of (feature, label) pairs.
type Embedding struct {
	backend backends.Backend
	config  Config

	checkpointDir string
}

// NewEmbedding creates the embedding step for the given configuration.
func NewEmbedding(backend backends.Backend, config Config) (*Embedding, error) {
	if err := methods.Validate(config.Method); err != nil {
		return nil, err
	}
	if config.TrainNWay == 0 {
		config.TrainNWay = 5
	}
	if config.TestNWay == 0 {
		config.TestNWay = 5
	}
	if config.NShot == 0 {
		config.NShot = 5
	}
	if config.Split == "" {
		config.Split = "novel"
	}
	var err error
	config.OutputDir, err = fsutil.ReplaceTildeInDir(config.OutputDir)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid output directory")
	}
	config.DataDir, err = fsutil.ReplaceTildeInDir(config.DataDir)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid data directory")
	}
	e := &Embedding{backend: backend, config: config}
	e.checkpointDir = e.buildCheckpointDir()
	return e, nil
}

// buildCheckpointDir assembles the directory a training run with this
// configuration stores its model under:
// `<outputDir>/<dataset>/<backbone>_<method>[_aug][_<trainNWay>way_<nShot>shot]`.
// The way/shot suffix applies to the episodic methods only; the baselines
// train a plain classifier and ignore the episode parameters.
func (e *Embedding) buildCheckpointDir() string {
	cfg := &e.config
	name := fmt.Sprintf("%s_%s", cfg.Backbone, cfg.Method)
	if cfg.TrainAug {
		name += "_aug"
	}
	if cfg.Method != methods.Baseline && cfg.Method != methods.BaselinePP {
		name += fmt.Sprintf("_%dway_%dshot", cfg.TrainNWay, cfg.NShot)
	}
	return path.Join(cfg.OutputDir, cfg.Dataset, name)
}

// CheckpointDir returns the directory the trained model state for this
// configuration is loaded from, and under which the archive is written.
func (e *Embedding) CheckpointDir() string { return e.checkpointDir }

// OutputPath returns where the embedding archive for this configuration is
// written.
func (e *Embedding) OutputPath() string {
	return path.Join(e.checkpointDir, ArchiveName(e.config.Split, e.config.SaveIter))
}

// Result holds the extracted embeddings of one split.
//
// Feats and Labels are capacity-sized, `capacity = numBatches * batchSize`:
// only the first Count rows are valid, the tail is padding. They mirror
// exactly what was written to the archive at Path.
type Result struct {
	// Feats is float32, shaped `[capacity, featureDims...]`.
	Feats *tensors.Tensor
	// Labels is int32, shaped `[capacity]`.
	Labels *tensors.Tensor
	// Count is the number of valid rows.
	Count int
	// Path of the written archive.
	Path string
	// Seed used by the run.
	Seed int64
}

// Apply runs the embedding extraction for the given trained model state.
//
// For meta-learning methods it returns (nil, nil): those models re-adapt
// per task, there is no fixed extractor to run, and nothing is written.
// Otherwise it streams the split through the rebuilt backbone, batch by
// batch, writing each batch to the archive as it goes, and returns the
// in-memory copy of the archive contents.
func (e *Embedding) Apply(state ModelState) (*Result, error) {
	cfg := &e.config
	if methods.IsMetaLearning(cfg.Method) {
		klog.Infof("Method %q adapts per task and has no reusable feature extractor, skipping embedding extraction.",
			cfg.Method)
		return nil, nil
	}

	// Extraction itself is deterministic, the seed is recorded so a full
	// pipeline run can be reproduced from the logs.
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	klog.Infof("Embedding extraction for %s/%s_%s on split %q (seed %d)",
		cfg.Dataset, cfg.Backbone, cfg.Method, cfg.Split, seed)

	extractor, err := NewExtractor(e.backend, cfg.Backbone, cfg.Method, state)
	if err != nil {
		return nil, err
	}

	manifestPath := datasets.ManifestPath(cfg.DataDir, cfg.Dataset, cfg.Split)
	manifest, err := datasets.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	ds := datasets.NewSimple(cfg.Split, cfg.DataDir, manifest, extractor.ImageSize(), cfg.BatchSize)
	if cfg.Shallow {
		ds = ds.WithLimit(ShallowLimit)
	}
	if ds.NumExamples() == 0 {
		return nil, errors.Errorf("split %q of dataset %q is empty", cfg.Split, cfg.Dataset)
	}

	if err := os.MkdirAll(e.checkpointDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", e.checkpointDir)
	}
	outPath := e.OutputPath()
	capacity := ds.NumBatches() * ds.BatchSize()
	writer, err := NewArchiveWriter(outPath, capacity)
	if err != nil {
		return nil, err
	}
	defer func() { _ = writer.Close() }()

	var pBar *progressbar.ProgressBar
	if cfg.Verbose {
		pBar = progressbar.NewOptions(ds.NumExamples(),
			progressbar.OptionSetDescription("Extracting"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	var allFeats []float32
	allLabels := make([]int32, capacity)
	var featureDims []int
	featSize := 0
	count := 0
	for batchIdx := 0; batchIdx < ds.NumBatches(); batchIdx++ {
		if batchIdx%logEveryBatches == 0 {
			klog.Infof("Batch %d/%d", batchIdx, ds.NumBatches())
		}
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		feats, err := extractor.Forward(inputs[0])
		if err != nil {
			return nil, err
		}
		if featureDims == nil {
			featureDims = append([]int{}, feats.Shape().Dimensions[1:]...)
			featSize = 1
			for _, dim := range featureDims {
				featSize *= dim
			}
			allFeats = make([]float32, capacity*featSize)
		}

		labelValues := tensors.MustCopyFlatData[int32](labels[0])
		if err := writer.WriteBatch(feats, labelValues); err != nil {
			return nil, err
		}
		batchSize := feats.Shape().Dimensions[0]
		copy(allLabels[count:], labelValues)
		if err := tensors.ConstFlatData(feats, func(flat []float32) {
			copy(allFeats[count*featSize:], flat)
		}); err != nil {
			return nil, errors.Wrap(err, "failed to access features data")
		}
		count += batchSize
		if pBar != nil {
			_ = pBar.Add(batchSize)
		}
	}
	if pBar != nil {
		_ = pBar.Close()
	}
	if err := writer.Finalize(count); err != nil {
		return nil, err
	}
	klog.Infof("Wrote %d embeddings (capacity %d) to %s", count, capacity, outPath)

	return &Result{
		Feats:  tensors.FromFlatDataAndDimensions(allFeats, append([]int{capacity}, featureDims...)...),
		Labels: tensors.FromFlatDataAndDimensions(allLabels, capacity),
		Count:  count,
		Path:   outPath,
		Seed:   seed,
	}, nil
}
