// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package toy

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestKind(t *testing.T) {
	kind, err := KindString("swiss_roll")
	require.NoError(t, err)
	assert.Equal(t, KindSwissRoll, kind)
	assert.Equal(t, "gaussians", KindGaussians.String())
	assert.Len(t, KindValues(), 5)
	for _, kind := range KindValues() {
		assert.Greater(t, NumClasses(kind), 1)
	}
	assert.Equal(t, []int{2}, ExampleShape(KindRings, 16))
	assert.Equal(t, []int{8, 8, 1}, ExampleShape(KindSquares, 8))
}

func TestPoints(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 256
	for _, kind := range []Kind{KindMoons, KindSwissRoll, KindRings, KindGaussians} {
		t.Run(kind.String(), func(t *testing.T) {
			ds, err := New(backend, kind, batchSize, 42)
			require.NoError(t, err)
			assert.Equal(t, "toy_"+kind.String(), ds.Name())

			_, inputs, labels, err := ds.Yield()
			require.NoError(t, err)
			require.Len(t, inputs, 2)
			require.Empty(t, labels)
			assert.Equal(t, []int{batchSize, 2}, inputs[0].Shape().Dimensions)
			assert.Equal(t, dtypes.Float32, inputs[0].DType())
			assert.Equal(t, []int{batchSize}, inputs[1].Shape().Dimensions)
			assert.Equal(t, dtypes.Int32, inputs[1].DType())

			for _, v := range tensors.MustCopyFlatData[float32](inputs[0]) {
				require.False(t, math.IsNaN(float64(v)))
				require.Less(t, math.Abs(float64(v)), 3.0)
			}
			seen := make(map[int32]bool)
			for _, label := range tensors.MustCopyFlatData[int32](inputs[1]) {
				require.GreaterOrEqual(t, label, int32(0))
				require.Less(t, label, int32(NumClasses(kind)))
				seen[label] = true
			}
			assert.Len(t, seen, NumClasses(kind), "with %d examples all classes should show up", batchSize)
		})
	}
}

func TestRingsRadius(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds, err := New(backend, KindRings, 128, 7)
	require.NoError(t, err)
	x, labels, err := ds.Batch()
	require.NoError(t, err)
	points := tensors.MustCopyFlatData[float32](x)
	for ii, label := range tensors.MustCopyFlatData[int32](labels) {
		radius := math.Hypot(float64(points[2*ii]), float64(points[2*ii+1]))
		want := float64(label+1) * 1.5 / numRings
		assert.InDelta(t, want, radius, 0.2)
	}
}

func TestSquares(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const imageSize = 8
	ds, err := New(backend, KindSquares, 16, 42)
	require.NoError(t, err)
	ds.ImageSize(imageSize)
	x, labels, err := ds.Batch()
	require.NoError(t, err)
	require.Equal(t, []int{16, imageSize, imageSize, 1}, x.Shape().Dimensions)

	pixels := tensors.MustCopyFlatData[float32](x)
	imageLen := imageSize * imageSize
	for ii, label := range tensors.MustCopyFlatData[int32](labels) {
		side := (int(label) + 1) * imageSize / 4
		count := 0
		for _, v := range pixels[ii*imageLen : (ii+1)*imageLen] {
			require.Contains(t, []float32{-1, 1}, v)
			if v > 0 {
				count++
			}
		}
		assert.Equal(t, side*side, count, "image #%d with label %d", ii, label)
	}
}

func TestReproducible(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds, err := New(backend, KindMoons, 8, 42)
	require.NoError(t, err)
	first, _, err := ds.Batch()
	require.NoError(t, err)
	second, _, err := ds.Batch()
	require.NoError(t, err)
	assert.NotEqual(t, tensors.MustCopyFlatData[float32](first), tensors.MustCopyFlatData[float32](second))

	ds.Reset()
	again, _, err := ds.Batch()
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](first), tensors.MustCopyFlatData[float32](again))

	_, err = New(backend, Kind(17), 8, 42)
	require.Error(t, err)
	_, err = New(backend, KindMoons, 0, 42)
	require.Error(t, err)
}

func TestBatchAllKinds(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, kind := range KindValues() {
		t.Run(kind.String(), func(t *testing.T) {
			ds, err := New(backend, kind, 8, 1)
			require.NoError(t, err)
			ds.ImageSize(8)
			x, labels, err := ds.Batch()
			require.NoError(t, err)
			assert.Equal(t, append([]int{8}, ExampleShape(kind, 8)...), x.Shape().Dimensions)
			assert.Equal(t, []int{8}, labels.Shape().Dimensions)
		})
	}
}
