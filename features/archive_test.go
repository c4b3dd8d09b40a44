// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "novel.archive", ArchiveName("novel", -1))
	assert.Equal(t, "novel_12.archive", ArchiveName("novel", 12))
	assert.Equal(t, "base_0.archive", ArchiveName("base", 0))
}

// batchTensor builds a `[len(rows), featSize]` float32 tensor where row ii
// is filled with rows[ii].
func batchTensor(rows []float32, featSize int) *tensors.Tensor {
	flat := make([]float32, len(rows)*featSize)
	for ii, v := range rows {
		for jj := 0; jj < featSize; jj++ {
			flat[ii*featSize+jj] = v + float32(jj)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), featSize)
}

func TestArchiveRoundTrip(t *testing.T) {
	archivePath := path.Join(t.TempDir(), "novel.archive")
	const featSize = 3

	// Capacity 6, but only 5 examples: the last batch is short.
	w, err := NewArchiveWriter(archivePath, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, w.Capacity())
	require.NoError(t, w.WriteBatch(batchTensor([]float32{10, 20}, featSize), []int32{0, 1}))
	require.NoError(t, w.WriteBatch(batchTensor([]float32{30, 40}, featSize), []int32{2, 0}))
	require.NoError(t, w.WriteBatch(batchTensor([]float32{50}, featSize), []int32{1}))
	assert.Equal(t, 5, w.Written())
	require.NoError(t, w.Finalize(5))

	archive, err := ReadArchive(archivePath)
	require.NoError(t, err)
	assert.Equal(t, 5, archive.Count)
	assert.True(t, archive.Feats.Shape().Equal(shapes.Make(dtypes.Float32, 6, featSize)))
	assert.True(t, archive.Labels.Shape().Equal(shapes.Make(dtypes.Int32, 6)))

	labels := tensors.MustCopyFlatData[int32](archive.Labels)
	assert.Equal(t, []int32{0, 1, 2, 0, 1}, labels[:archive.Count])
	feats := tensors.MustCopyFlatData[float32](archive.Feats)
	assert.Equal(t, []float32{10, 11, 12}, feats[:featSize])
	assert.Equal(t, []float32{50, 51, 52}, feats[4*featSize:5*featSize])
	// The unused capacity slot holds zero padding.
	assert.Equal(t, []float32{0, 0, 0}, feats[5*featSize:])
}

func TestArchiveIncomplete(t *testing.T) {
	archivePath := path.Join(t.TempDir(), "novel.archive")
	w, err := NewArchiveWriter(archivePath, 4)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(batchTensor([]float32{1, 2}, 2), []int32{0, 1}))
	// Simulates a crash: closed without Finalize.
	require.NoError(t, w.Close())

	_, err = ReadArchive(archivePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestArchiveOverwrite(t *testing.T) {
	archivePath := path.Join(t.TempDir(), "novel.archive")
	for run := 0; run < 2; run++ {
		w, err := NewArchiveWriter(archivePath, 2)
		require.NoError(t, err)
		value := float32(100 * (run + 1))
		require.NoError(t, w.WriteBatch(batchTensor([]float32{value}, 2), []int32{int32(run)}))
		require.NoError(t, w.Finalize(1))
	}
	archive, err := ReadArchive(archivePath)
	require.NoError(t, err)
	assert.Equal(t, 1, archive.Count)
	assert.Equal(t, []int32{1}, tensors.MustCopyFlatData[int32](archive.Labels)[:1])
	assert.Equal(t, []float32{200, 201}, tensors.MustCopyFlatData[float32](archive.Feats)[:2])
}

func TestArchiveWriterErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewArchiveWriter(path.Join(dir, "bad.archive"), 0)
	require.Error(t, err)

	w, err := NewArchiveWriter(path.Join(dir, "novel.archive"), 2)
	require.NoError(t, err)
	require.Error(t, w.Finalize(0), "finalize before any batch should fail")
	require.NoError(t, w.WriteBatch(batchTensor([]float32{1}, 2), []int32{0}))

	// Feature dimensions must not change mid-archive.
	require.Error(t, w.WriteBatch(batchTensor([]float32{1}, 3), []int32{0}))
	// Labels must match the batch size.
	require.Error(t, w.WriteBatch(batchTensor([]float32{1}, 2), []int32{0, 1}))
	// Writing past the capacity fails.
	require.Error(t, w.WriteBatch(batchTensor([]float32{1, 2}, 2), []int32{0, 1}))
	// Finalizing with more examples than written fails.
	require.Error(t, w.Finalize(2))
	require.NoError(t, w.Finalize(1))
}

func TestReadArchiveRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadArchive(path.Join(dir, "missing.archive"))
	require.Error(t, err)

	foreign := path.Join(dir, "foreign.archive")
	require.NoError(t, os.WriteFile(foreign, make([]byte, archiveHeaderSize), 0644))
	_, err = ReadArchive(foreign)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}
