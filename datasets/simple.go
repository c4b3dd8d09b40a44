// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// DefaultBatchSize is used when no batch size is configured.
const DefaultBatchSize = 64

// resizeFactor is how much larger than the target size images are resized to
// before cropping, matching the usual torchvision evaluation transform.
const resizeFactor = 1.15

// Simple is a sequential, batched data source over the examples of one split
// manifest. It implements train.Dataset, yielding one image batch tensor
// shaped `[batchSize, imageSize, imageSize, 3]` (float32, values in [0, 1])
// and one label batch tensor shaped `[batchSize]` (int32) per step.
//
// Iteration order is the manifest order. The last batch may be smaller than
// the batch size. After the last batch Yield returns io.EOF until Reset.
type Simple struct {
	name      string
	baseDir   string
	manifest  *Manifest
	imageSize int
	batchSize int
	limit     int

	augment bool
	rng     *rand.Rand

	toTensor *timage.ToTensorConfig

	muNext sync.Mutex
	next   int
}

// Compile-time check that Simple is a train.Dataset.
var _ train.Dataset = (*Simple)(nil)

// NewSimple creates a dataset over the examples of manifest. Image paths in
// the manifest are resolved relative to baseDir, unless absolute. Images are
// resized and center-cropped to imageSize. A batchSize of 0 selects
// DefaultBatchSize.
func NewSimple(name, baseDir string, manifest *Manifest, imageSize, batchSize int) *Simple {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Simple{
		name:      name,
		baseDir:   baseDir,
		manifest:  manifest,
		imageSize: imageSize,
		batchSize: batchSize,
		limit:     manifest.NumExamples(),
		toTensor:  timage.ToTensor(dtypes.Float32),
	}
}

// WithAugmentation enables random-crop and horizontal-flip augmentation,
// using rng for randomness. It returns the dataset for chaining.
func (ds *Simple) WithAugmentation(rng *rand.Rand) *Simple {
	ds.augment = true
	ds.rng = rng
	return ds
}

// WithLimit truncates the dataset to its first n examples. Values <= 0 or
// beyond the manifest size leave the dataset unchanged. It returns the
// dataset for chaining.
func (ds *Simple) WithLimit(n int) *Simple {
	if n > 0 && n < ds.manifest.NumExamples() {
		ds.limit = n
	}
	return ds
}

// Name implements train.Dataset.
func (ds *Simple) Name() string { return ds.name }

// NumExamples returns the number of examples the dataset iterates over,
// after any WithLimit truncation.
func (ds *Simple) NumExamples() int { return ds.limit }

// BatchSize returns the configured batch size.
func (ds *Simple) BatchSize() int { return ds.batchSize }

// NumBatches returns the number of batches one full pass yields, counting
// the final short batch.
func (ds *Simple) NumBatches() int {
	return (ds.limit + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset, restarting the iteration from the first
// example.
func (ds *Simple) Reset() {
	ds.muNext.Lock()
	defer ds.muNext.Unlock()
	ds.next = 0
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the dataset itself.
//   - inputs: one tensor, the image batch shaped `[b, size, size, 3]`.
//   - labels: one tensor, the label batch shaped `[b]` (int32).
//
// After the last batch it returns io.EOF.
func (ds *Simple) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muNext.Lock()
	defer ds.muNext.Unlock()

	spec = ds
	if ds.next >= ds.limit {
		err = io.EOF
		return
	}
	start := ds.next
	end := start + ds.batchSize
	if end > ds.limit {
		end = ds.limit
	}
	ds.next = end

	batch := make([]image.Image, 0, end-start)
	labelValues := make([]int32, 0, end-start)
	for idx := start; idx < end; idx++ {
		var img image.Image
		img, err = ds.loadImage(ds.manifest.ImageNames[idx])
		if err != nil {
			err = errors.WithMessagef(err, "while loading example #%d of dataset %q", idx, ds.name)
			return
		}
		batch = append(batch, img)
		labelValues = append(labelValues, int32(ds.manifest.ImageLabels[idx]))
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(batch)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelValues, len(labelValues))}
	return
}

// loadImage reads, decodes and transforms one image to imageSize.
func (ds *Simple) loadImage(name string) (image.Image, error) {
	imgPath := name
	if !path.IsAbs(imgPath) {
		imgPath = path.Join(ds.baseDir, imgPath)
	}
	f, err := os.Open(imgPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imgPath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imgPath)
	}
	if ds.augment {
		return ds.augmentImage(img), nil
	}
	return centerCrop(img, ds.imageSize), nil
}

// centerCrop resizes the image so its shorter side is resizeFactor times the
// target, then crops the central size x size square.
func centerCrop(img image.Image, size int) image.Image {
	img = resizeShorterSide(img, int(float64(size)*resizeFactor))
	return imaging.CropCenter(img, size, size)
}

// augmentImage applies the training-time transform: random square crop
// resized to the target, and a random horizontal flip.
func (ds *Simple) augmentImage(img image.Image) image.Image {
	img = resizeShorterSide(img, int(float64(ds.imageSize)*resizeFactor))
	bounds := img.Bounds().Size()
	x := ds.rng.Intn(bounds.X - ds.imageSize + 1)
	y := ds.rng.Intn(bounds.Y - ds.imageSize + 1)
	img = imaging.Crop(img, image.Rect(x, y, x+ds.imageSize, y+ds.imageSize))
	if ds.rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	return img
}

// resizeShorterSide resizes the image, preserving aspect ratio, so that its
// shorter side becomes target pixels.
func resizeShorterSide(img image.Image, target int) image.Image {
	bounds := img.Bounds().Size()
	if bounds.X <= bounds.Y {
		return imaging.Resize(img, target, 0, imaging.Linear)
	}
	return imaging.Resize(img, 0, target, imaging.Linear)
}
