// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Archive file layout, all integers little-endian:
//
//	[8]byte   magic
//	uint32    version
//	uint32    feature rank (dims per example, excluding the example axis)
//	int64     capacity (number of example slots)
//	int64     count (valid examples; countIncomplete until finalized)
//	[6]int64  feature dimensions (trailing entries zero)
//	[capacity]int32                labels
//	[capacity * featSize]float32   features
//
// The count is written last, when the archive is finalized, so a crash
// mid-extraction leaves a file that readers reject as incomplete.
const (
	archiveMagic    = "FSEMB001"
	archiveVersion  = 1
	maxFeatureRank  = 6
	countIncomplete = -1

	archiveHeaderSize = 8 + 4 + 4 + 8 + 8 + maxFeatureRank*8
)

// ArchiveExt is the file extension of embedding archives.
const ArchiveExt = ".archive"

// ArchiveName returns the file name of the archive for a split: the save
// iteration is appended when non-negative ("novel_400.archive"), otherwise
// the name is just the split ("novel.archive").
func ArchiveName(split string, saveIter int) string {
	if saveIter >= 0 {
		return fmt.Sprintf("%s_%d%s", split, saveIter, ArchiveExt)
	}
	return split + ArchiveExt
}

type archiveHeader struct {
	Magic       [8]byte
	Version     uint32
	FeatureRank uint32
	Capacity    int64
	Count       int64
	FeatureDims [maxFeatureRank]int64
}

// ArchiveWriter writes an embedding archive incrementally, one batch at a
// time. The feature dimensions are fixed by the first batch. Batches beyond
// the declared capacity are an error. The archive only becomes readable
// after Finalize.
type ArchiveWriter struct {
	path     string
	f        *os.File
	capacity int

	featureDims []int
	featSize    int // Floats per example.
	written     int
}

// NewArchiveWriter creates (or truncates) the archive at path, with room for
// capacity examples.
func NewArchiveWriter(path string, capacity int) (*ArchiveWriter, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("archive capacity must be positive, got %d", capacity)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create archive %q", path)
	}
	return &ArchiveWriter{path: path, f: f, capacity: capacity}, nil
}

// Capacity returns the number of example slots the archive was created with.
func (w *ArchiveWriter) Capacity() int { return w.capacity }

// Written returns the number of examples written so far.
func (w *ArchiveWriter) Written() int { return w.written }

func (w *ArchiveWriter) header(count int) archiveHeader {
	h := archiveHeader{
		Version:     archiveVersion,
		FeatureRank: uint32(len(w.featureDims)),
		Capacity:    int64(w.capacity),
		Count:       int64(count),
	}
	copy(h.Magic[:], archiveMagic)
	for ii, dim := range w.featureDims {
		h.FeatureDims[ii] = int64(dim)
	}
	return h
}

func (w *ArchiveWriter) writeHeader(count int) error {
	buf := make([]byte, 0, archiveHeaderSize)
	buf, err := binary.Append(buf, binary.LittleEndian, w.header(count))
	if err != nil {
		return errors.Wrap(err, "failed to encode archive header")
	}
	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(err, "failed to write archive header to %q", w.path)
	}
	return nil
}

// WriteBatch appends one batch of features (float32, shaped
// `[batchSize, featureDims...]`) and their labels (len batchSize) to the
// archive. All batches must share the feature dimensions of the first.
func (w *ArchiveWriter) WriteBatch(feats *tensors.Tensor, labels []int32) error {
	shape := feats.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() < 2 {
		return errors.Errorf("features must be float32 with rank >= 2, got %s", shape)
	}
	batchSize := shape.Dimensions[0]
	if len(labels) != batchSize {
		return errors.Errorf("batch has %d features but %d labels", batchSize, len(labels))
	}
	if w.featureDims == nil {
		if shape.Rank()-1 > maxFeatureRank {
			return errors.Errorf("feature rank %d exceeds the maximum of %d", shape.Rank()-1, maxFeatureRank)
		}
		w.featureDims = append([]int{}, shape.Dimensions[1:]...)
		w.featSize = shape.Size() / batchSize
		if err := w.writeHeader(countIncomplete); err != nil {
			return err
		}
	} else if !slices.Equal(w.featureDims, shape.Dimensions[1:]) {
		return errors.Errorf("batch features shaped %v, but the archive was started with %v",
			shape.Dimensions[1:], w.featureDims)
	}
	if w.written+batchSize > w.capacity {
		return errors.Errorf("batch of %d examples overflows archive capacity %d (%d already written)",
			batchSize, w.capacity, w.written)
	}

	labelBytes := make([]byte, 4*len(labels))
	for ii, label := range labels {
		binary.LittleEndian.PutUint32(labelBytes[4*ii:], uint32(label))
	}
	if _, err := w.f.WriteAt(labelBytes, w.labelsOffset()+4*int64(w.written)); err != nil {
		return errors.Wrapf(err, "failed to write labels to archive %q", w.path)
	}

	featBytes := make([]byte, 4*batchSize*w.featSize)
	if err := tensors.ConstFlatData(feats, func(flat []float32) {
		for ii, v := range flat {
			binary.LittleEndian.PutUint32(featBytes[4*ii:], math.Float32bits(v))
		}
	}); err != nil {
		return errors.Wrap(err, "failed to access features data")
	}
	if _, err := w.f.WriteAt(featBytes, w.featsOffset()+4*int64(w.written)*int64(w.featSize)); err != nil {
		return errors.Wrapf(err, "failed to write features to archive %q", w.path)
	}
	w.written += batchSize
	return nil
}

func (w *ArchiveWriter) labelsOffset() int64 { return archiveHeaderSize }
func (w *ArchiveWriter) featsOffset() int64 {
	return archiveHeaderSize + 4*int64(w.capacity)
}

// Finalize records the number of valid examples, making the archive
// readable, and closes the file. Slots beyond count keep whatever bytes they
// hold, readers must not interpret them.
func (w *ArchiveWriter) Finalize(count int) error {
	if w.featureDims == nil {
		return errors.New("cannot finalize an archive with no batches written")
	}
	if count < 0 || count > w.written {
		return errors.Errorf("finalizing with count %d, but only %d examples were written", count, w.written)
	}
	// Make sure all slots are allocated, even if the last batches were short.
	if err := w.f.Truncate(w.featsOffset() + 4*int64(w.capacity)*int64(w.featSize)); err != nil {
		return errors.Wrapf(err, "failed to size archive %q", w.path)
	}
	if err := w.writeHeader(count); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync archive %q", w.path)
	}
	return w.Close()
}

// Close closes the underlying file. If Finalize was not called, the archive
// is left marked incomplete.
func (w *ArchiveWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return errors.Wrapf(err, "failed to close archive %q", w.path)
}

// Archive is a fully loaded embedding archive.
//
// Feats and Labels span the full capacity of the file: only the first Count
// examples are valid, the tail slots are padding from the fixed-size
// allocation and hold garbage.
type Archive struct {
	// Feats holds the embeddings, float32, shaped `[capacity, featureDims...]`.
	Feats *tensors.Tensor
	// Labels holds the labels, int32, shaped `[capacity]`.
	Labels *tensors.Tensor
	// Count is the number of valid examples.
	Count int
}

// ReadArchive loads the embedding archive at path. Archives that were never
// finalized are rejected.
func ReadArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %q", path)
	}
	defer func() { _ = f.Close() }()

	var h archiveHeader
	if err := binary.Read(f, binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrapf(err, "failed to read archive header from %q", path)
	}
	if string(h.Magic[:]) != archiveMagic {
		return nil, errors.Errorf("%q is not an embedding archive (bad magic)", path)
	}
	if h.Version != archiveVersion {
		return nil, errors.Errorf("archive %q has version %d, this build reads version %d",
			path, h.Version, archiveVersion)
	}
	if h.Count == countIncomplete {
		return nil, errors.Errorf("archive %q is incomplete, the extraction that created it did not finish", path)
	}
	if h.FeatureRank == 0 || h.FeatureRank > maxFeatureRank || h.Capacity <= 0 ||
		h.Count < 0 || h.Count > h.Capacity {
		return nil, errors.Errorf("archive %q has a corrupt header", path)
	}

	capacity := int(h.Capacity)
	featSize := 1
	dims := make([]int, 0, h.FeatureRank+1)
	dims = append(dims, capacity)
	for _, dim := range h.FeatureDims[:h.FeatureRank] {
		if dim <= 0 {
			return nil, errors.Errorf("archive %q has a corrupt feature dimension %d", path, dim)
		}
		dims = append(dims, int(dim))
		featSize *= int(dim)
	}

	labelBytes := make([]byte, 4*capacity)
	if _, err := io.ReadFull(f, labelBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read labels from archive %q", path)
	}
	labelValues := make([]int32, capacity)
	for ii := range labelValues {
		labelValues[ii] = int32(binary.LittleEndian.Uint32(labelBytes[4*ii:]))
	}

	featBytes := make([]byte, 4*capacity*featSize)
	if _, err := io.ReadFull(f, featBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read features from archive %q", path)
	}
	featValues := make([]float32, capacity*featSize)
	for ii := range featValues {
		featValues[ii] = math.Float32frombits(binary.LittleEndian.Uint32(featBytes[4*ii:]))
	}

	return &Archive{
		Feats:  tensors.FromFlatDataAndDimensions(featValues, dims...),
		Labels: tensors.FromFlatDataAndDimensions(labelValues, capacity),
		Count:  int(h.Count),
	}, nil
}
