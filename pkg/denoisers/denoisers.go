// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package denoisers implements denoising models that can be used with package diffusion: a feed-forward
// network for vectors (FNN) and a U-Net for images (UNet).
//
// Both are diffusion.ModelFn: they take the noisy samples, the normalized diffusion times and optionally
// the labels, and return a prediction shaped like the samples. They are configured with hyperparameters
// set in the context.
package denoisers

import (
	"math"

	"github.com/gomlx/diffusion/pkg/diffusion"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Hyperparameters read by the denoisers.
const (
	// ParamModel selects the model returned by FromContext: "fnn" or "unet".
	ParamModel = "model"

	// ParamSinusoidalEmbedSize is the size of the time embedding: half sine, half cosine.
	ParamSinusoidalEmbedSize = "sinusoidal_embed_size"

	// ParamSinusoidalMinFreq is the lowest frequency of the time embedding.
	ParamSinusoidalMinFreq = "sinusoidal_min_freq"

	// ParamSinusoidalMaxFreq is the highest frequency of the time embedding.
	ParamSinusoidalMaxFreq = "sinusoidal_max_freq"

	// ParamLabelEmbedSize is the size of the embedding of the labels of conditional models.
	ParamLabelEmbedSize = "label_embed_size"
)

// FromContext returns the model selected by the hyperparameter ParamModel.
func FromContext(ctx *context.Context) (diffusion.ModelFn, error) {
	name := context.GetParamOr(ctx, ParamModel, "fnn")
	switch name {
	case "fnn":
		return FNN, nil
	case "unet":
		return UNet, nil
	default:
		return nil, errors.Errorf("unknown model %q given in hyperparameter %q: valid values are \"fnn\" or \"unet\"",
			name, ParamModel)
	}
}

// SinusoidalEmbedding provides embeddings of x for geometrically spaced frequencies between
// ParamSinusoidalMinFreq and ParamSinusoidalMaxFreq.
// This makes it easy for the model to map the different noise levels.
//
// The last axis of x must have dimension 1, and it is replaced by the embedding.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if x.Rank() == 0 || x.Shape().Dimensions[x.Rank()-1] != 1 {
		exceptions.Panicf("SinusoidalEmbedding requires the last axis of x to have dimension 1, got %s", x.Shape())
	}

	// Half the embedding for sine, half for cosine.
	halfEmbed := max(context.GetParamOr(ctx, ParamSinusoidalEmbedSize, 32)/2, 1)
	logMinFreq := math.Log(context.GetParamOr(ctx, ParamSinusoidalMinFreq, 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, ParamSinusoidalMaxFreq, 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	if halfEmbed > 1 {
		frequencies = MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1))
	}
	frequencies = Exp(AddScalar(frequencies, logMinFreq))

	angularSpeeds := ExpandLeftToRank(MulScalar(frequencies, 2.0*math.Pi), x.Rank())
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// labelEmbedding embeds the labels, including the null label (equal to the number of classes).
// The last axis of labels must have dimension 1, and it is replaced by the embedding.
// It returns nil if labels is nil or embeddings are disabled.
func labelEmbedding(ctx *context.Context, labels *Node, dtype dtypes.DType) *Node {
	if labels == nil {
		return nil
	}
	embedSize := context.GetParamOr(ctx, ParamLabelEmbedSize, 16)
	if embedSize <= 0 {
		return nil
	}
	numClasses := context.GetParamOr(ctx, diffusion.ParamNumClasses, 0)
	if numClasses <= 0 {
		exceptions.Panicf("labels given, but hyperparameter %q=%d", diffusion.ParamNumClasses, numClasses)
	}
	embedCtx := ctx.In("labels").WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(embedSize)))
	return layers.Embedding(embedCtx, labels, dtype, numClasses+1, embedSize, false)
}
