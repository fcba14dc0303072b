// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoisers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// FNN is a feed-forward denoiser for vector samples shaped [batchSize, dims].
//
// The time embedding (see SinusoidalEmbedding) and the label embedding, for conditional models,
// are concatenated to the noisy samples and fed to a fnn.New network, configured by the
// "fnn_*" hyperparameters (e.g. fnn.ParamNumHiddenLayers and fnn.ParamResidual).
func FNN(ctx *context.Context, noisy, times, labels *Node) *Node {
	if noisy.Rank() != 2 {
		exceptions.Panicf("FNN denoiser requires samples shaped [batchSize, dims], got %s", noisy.Shape())
	}
	dims := noisy.Shape().Dimensions[1]
	features := []*Node{noisy, SinusoidalEmbedding(ctx.In("time"), InsertAxes(times, -1))}
	if labels != nil {
		if labelEmbed := labelEmbedding(ctx, InsertAxes(labels, -1), noisy.DType()); labelEmbed != nil {
			features = append(features, labelEmbed)
		}
	}
	x := Concatenate(features, -1)
	return fnn.New(ctx.In("fnn"), x, dims).Done()
}
