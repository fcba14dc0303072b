// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoisers

import (
	"testing"

	"github.com/gomlx/diffusion/pkg/diffusion"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSinusoidalEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamSinusoidalEmbedSize, 8)
	embed := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return SinusoidalEmbedding(ctx, InsertAxes(x, -1))
	}).MustExec([]float32{0, 0.5})[0]
	require.Equal(t, []int{2, 8}, embed.Shape().Dimensions)
	values := tensors.MustCopyFlatData[float32](embed)

	// x=0: sines are 0 and cosines are 1.
	for ii := range 4 {
		assert.InDelta(t, 0.0, values[ii], 1e-6)
		assert.InDelta(t, 1.0, values[4+ii], 1e-6)
	}
	// Lowest frequency is 1: sin(2π·0.5) = 0, cos(2π·0.5) = -1.
	assert.InDelta(t, 0.0, values[8], 1e-5)
	assert.InDelta(t, -1.0, values[12], 1e-5)

	require.Panics(t, func() {
		context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return SinusoidalEmbedding(ctx, x)
		}).MustExec([]float32{0, 0.5})
	})
}

func TestFNN(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, conditional := range []bool{false, true} {
		ctx := diffusion.CreateDefaultContext()
		ctx.SetParam(fnn.ParamNumHiddenLayers, 2)
		ctx.SetParam(fnn.ParamNumHiddenNodes, 16)
		var labels any
		if conditional {
			ctx.SetParam(diffusion.ParamNumClasses, 3)
			labels = []int32{0, 2, 3}
		}
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
			var labels *Node
			if len(inputs) > 2 {
				labels = inputs[2]
			}
			return FNN(ctx, inputs[0], inputs[1], labels)
		})
		args := []any{[][]float32{{1, 2}, {3, 4}, {5, 6}}, []float32{0, 0.5, 1}}
		if conditional {
			args = append(args, labels)
		}
		output := exec.MustExec(args...)[0]
		assert.Equal(t, dtypes.Float32, output.DType())
		assert.Equal(t, []int{3, 2}, output.Shape().Dimensions)
	}
}

func TestUpSampleImages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	images := [][][][]float32{{{{1, 10}, {2, 20}}, {{3, 30}, {4, 40}}}} // [1, 2, 2, 2]
	got := MustNewExec(backend, func(x *Node) *Node {
		return UpSampleImages(x, 2)
	}).MustExec(images)[0]
	require.Equal(t, []int{1, 4, 4, 2}, got.Shape().Dimensions)
	assert.Equal(t, [][][][]float32{{
		{{1, 10}, {1, 10}, {2, 20}, {2, 20}},
		{{1, 10}, {1, 10}, {2, 20}, {2, 20}},
		{{3, 30}, {3, 30}, {4, 40}, {4, 40}},
		{{3, 30}, {3, 30}, {4, 40}, {4, 40}},
	}}, got.Value())

	tripled := MustNewExec(backend, func(x *Node) *Node {
		return UpSampleImages(x, 3)
	}).MustExec(images)[0]
	assert.Equal(t, []int{1, 6, 6, 2}, tripled.Shape().Dimensions)
	require.Panics(t, func() { MustNewExec(backend, func(x *Node) *Node { return UpSampleImages(x, 0) }).MustExec(images) })
}

func TestUNet(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := diffusion.CreateDefaultContext()
	ctx.SetParam(ParamUNetChannelsList, []int{4, 8})
	ctx.SetParam(ParamUNetNumResidualBlocks, 1)
	ctx.SetParam(diffusion.ParamNumClasses, 2)
	ctx.SetParam(layers.ParamNormalization, "layer")
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, noisy, times, labels *Node) *Node {
		return UNet(ctx, noisy, times, labels)
	})
	noisy := make([][][][]float32, 2)
	for ii := range noisy {
		noisy[ii] = make([][][]float32, 8)
		for y := range noisy[ii] {
			noisy[ii][y] = make([][]float32, 8)
			for x := range noisy[ii][y] {
				noisy[ii][y][x] = []float32{float32(x+y) / 16}
			}
		}
	}
	output := exec.MustExec(noisy, []float32{0.1, 0.9}, []int32{1, 2})[0]
	require.Equal(t, []int{2, 8, 8, 1}, output.Shape().Dimensions)

	// The readout is initialized with zeros.
	for _, v := range tensors.MustCopyFlatData[float32](output) {
		require.Equal(t, float32(0), v)
	}

	// Image sizes must be divisible by 4.
	require.Panics(t, func() {
		exec.MustExec([][][][]float32{{{{0}, {0}}, {{0}, {0}}}}, []float32{0.1}, []int32{1})
	})
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	model, err := FromContext(ctx)
	require.NoError(t, err)
	require.NotNil(t, model)

	ctx.SetParam(ParamModel, "unet")
	model, err = FromContext(ctx)
	require.NoError(t, err)
	require.NotNil(t, model)

	ctx.SetParam(ParamModel, "transformer")
	_, err = FromContext(ctx)
	require.Error(t, err)
}
