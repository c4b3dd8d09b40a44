// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fewshot-embed extracts the embeddings of a dataset split with the feature
// extractor of a trained few-shot classification model, and saves them to an
// archive next to the model checkpoint, where the evaluation steps pick
// them up.
//
// The trained model is located by the same coordinates used to train it:
//
//	fewshot-embed --dataset=miniImagenet --backbone=Conv4 --method=baseline \
//	    --data_dir=~/work/fewshot/data --output_dir=~/work/fewshot/output
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/fewshot/backbones"
	"github.com/gomlx/fewshot/features"
	"github.com/gomlx/fewshot/methods"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataset  = flag.String("dataset", "miniImagenet", "Dataset whose manifests live under --data_dir.")
	flagBackbone = flag.String("backbone", "Conv4", fmt.Sprintf("Backbone architecture, one of %v.", backbones.Names()))
	flagMethod   = flag.String("method", methods.Baseline, fmt.Sprintf("Method the model was trained with, one of %v.", methods.All))
	flagSplit    = flag.String("split", "novel", "Split to embed: base, val or novel.")

	flagTrainNWay = flag.Int("train_n_way", 5, "Number of classes per training episode the model was trained with.")
	flagTestNWay  = flag.Int("test_n_way", 5, "Number of classes per evaluation episode.")
	flagNShot     = flag.Int("n_shot", 5, "Number of labeled examples per class in each episode.")
	flagTrainAug  = flag.Bool("train_aug", false, "Whether the model was trained with data augmentation.")

	flagSaveIter = flag.Int("save_iter", -1,
		"Model iteration to name the output archive after; -1 selects the best model.")
	flagShallow = flag.Bool("shallow", false,
		fmt.Sprintf("Only embed the first %d examples, for quick runs.", features.ShallowLimit))

	flagOutputDir = flag.String("output_dir", "~/work/fewshot/output", "Root directory of the pipeline outputs.")
	flagDataDir   = flag.String("data_dir", "~/work/fewshot/data", "Root directory of the dataset manifests and images.")
	flagBatchSize = flag.Int("batch_size", 0, "Batch size for extraction; 0 selects the default.")
	flagSeed      = flag.Int64("seed", 0, "Random seed recorded for the run; 0 draws a fresh one.")
	flagVerbose   = flag.Bool("verbose", true, "Show a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := backends.MustNew()
	step := must.M1(features.NewEmbedding(backend, features.Config{
		Dataset:   *flagDataset,
		Backbone:  *flagBackbone,
		Method:    *flagMethod,
		TrainNWay: *flagTrainNWay,
		TestNWay:  *flagTestNWay,
		NShot:     *flagNShot,
		TrainAug:  *flagTrainAug,
		Split:     *flagSplit,
		SaveIter:  *flagSaveIter,
		Shallow:   *flagShallow,
		OutputDir: *flagOutputDir,
		DataDir:   *flagDataDir,
		BatchSize: *flagBatchSize,
		Seed:      *flagSeed,
		Verbose:   *flagVerbose,
	}))

	// Load the trained model state from the checkpoint directory into a
	// scratch context: the step picks the feature-extractor variables out
	// of it itself.
	ctx := context.New()
	handler := must.M1(checkpoints.Load(ctx).Dir(step.CheckpointDir()).Done())
	state := features.ModelState{Variables: handler.LoadedVariables()}
	klog.Infof("Loaded %d variables from %s", state.NumVariables(), step.CheckpointDir())

	result := must.M1(step.Apply(state))
	if result == nil {
		fmt.Printf("Method %q has no reusable feature extractor, nothing to embed.\n", *flagMethod)
		return
	}
	fmt.Printf("Saved %d embeddings shaped %s to %s\n",
		result.Count, result.Feats.Shape(), result.Path)
}
