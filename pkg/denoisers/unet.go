// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoisers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// U-Net hyperparameters.
const (
	// ParamUNetChannelsList is the number of channels for each image size (progressively smaller).
	// For each value ParamUNetNumResidualBlocks are applied and then the image is pooled by a factor of 2.
	ParamUNetChannelsList = "unet_channels_list"

	// ParamUNetNumResidualBlocks is the number of residual blocks per entry of ParamUNetChannelsList.
	ParamUNetNumResidualBlocks = "unet_num_residual_blocks"
)

// UNetScope is the scope of the U-Net variables.
const UNetScope = "u-net"

// normalizeImages according to the hyperparameter layers.ParamNormalization: "none", "batch" or "layer".
func normalizeImages(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none", "":
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	default:
		exceptions.Panicf("invalid hyperparameter %q=%q: valid values are none, batch or layer", layers.ParamNormalization, norm)
	}
	return x
}

// concatContextFeatures to x, by broadcasting contextFeatures, shaped [batchSize, 1, 1, features], to
// the spatial dimensions of x.
func concatContextFeatures(x, contextFeatures *Node) *Node {
	dims := x.Shape().Clone().Dimensions
	dims[3] = contextFeatures.Shape().Dimensions[3]
	return Concatenate([]*Node{x, BroadcastToDims(contextFeatures, dims...)}, -1)
}

// ResidualBlock on x, shaped [batchSize, height, width, channels], with outputChannels channels in the output.
func ResidualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}
	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	x = normalizeImages(nextCtx("norm"), x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(outputChannels).KernelSize(3).PadSame().Done()
	x = layers.DropoutFromContext(ctx, x)
	return Add(x, residual)
}

// DownBlock applies numBlocks residual blocks followed by a mean pooling of size 2, halving the spatial size.
// It pushes the output of each residual block to skips, for the skip connections of UpBlock.
func DownBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := range numBlocks {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
		skips = append(skips, x)
	}
	x = MeanPool(x).Window(2).NoPadding().Done()
	return x, skips
}

// UpSampleImages scales the spatial size of images shaped [batchSize, height, width, channels] by factor,
// repeating each pixel (nearest neighbor).
func UpSampleImages(images *Node, factor int) *Node {
	if images.Rank() != 4 || factor < 1 {
		exceptions.Panicf("UpSampleImages requires images shaped [batchSize, height, width, channels] and factor >= 1, "+
			"got %s and factor=%d", images.Shape(), factor)
	}
	dims := images.Shape().Dimensions
	batchSize, height, width, numChannels := dims[0], dims[1], dims[2], dims[3]
	upSampled := Reshape(images, batchSize, height, 1, width, 1, numChannels)
	upSampled = BroadcastToDims(upSampled, batchSize, height, factor, width, factor, numChannels)
	return Reshape(upSampled, batchSize, height*factor, width*factor, numChannels)
}

// UpBlock is the counterpart of DownBlock: it up-samples x and applies numBlocks residual blocks,
// each concatenated with a skip connection popped from skips.
func UpBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = UpSampleImages(x, 2)
	for ii := range numBlocks {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
	}
	return x, skips
}

// UNet is a U-Net denoiser for images shaped [batchSize, height, width, channels].
// Height and width must be divisible by 2^len(ParamUNetChannelsList).
//
// The time embedding (see SinusoidalEmbedding) and the label embedding, for conditional models, are
// broadcast to the spatial dimensions and concatenated to the input of every DownBlock.
// The readout is initialized with zeros, the mean of the prediction target.
func UNet(ctx *context.Context, noisy, times, labels *Node) *Node {
	ctx = ctx.In(UNetScope)
	if noisy.Rank() != 4 {
		exceptions.Panicf("UNet denoiser requires images shaped [batchSize, height, width, channels], got %s", noisy.Shape())
	}
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	batchSize := noisy.Shape().Dimensions[0]
	height, width := noisy.Shape().Dimensions[1], noisy.Shape().Dimensions[2]
	imageChannels := noisy.Shape().Dimensions[3]
	numChannelsList := context.GetParamOr(ctx, ParamUNetChannelsList, []int{32, 64})
	numBlocks := context.GetParamOr(ctx, ParamUNetNumResidualBlocks, 2)
	if len(numChannelsList) == 0 || numBlocks <= 0 {
		exceptions.Panicf("UNet requires %q not empty and %q > 0, got %v and %d",
			ParamUNetChannelsList, ParamUNetNumResidualBlocks, numChannelsList, numBlocks)
	}
	factor := 1 << len(numChannelsList)
	if height%factor != 0 || width%factor != 0 {
		exceptions.Panicf("UNet with %d levels requires image sizes divisible by %d, got %dx%d",
			len(numChannelsList), factor, height, width)
	}

	// Context features: time embedding and label embedding, shaped [batchSize, 1, 1, features].
	contextFeatures := SinusoidalEmbedding(ctx.In("time"), Reshape(times, batchSize, 1, 1, 1))
	if labels != nil {
		labelEmbed := labelEmbedding(nextCtx("LabelEmbeddings"), Reshape(labels, batchSize, 1, 1, 1), noisy.DType())
		if labelEmbed != nil {
			contextFeatures = Concatenate([]*Node{contextFeatures, labelEmbed}, -1)
		}
	}

	x := layers.Dense(nextCtx("StartingChannelsProjection"), noisy, true, numChannelsList[0])

	// Downward: keep the skips to connect them upward.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		x = concatContextFeatures(x, contextFeatures)
		x, skips = DownBlock(nextCtx("DownBlock_%d", ii), x, skips, numBlocks, numChannels)
	}

	// Innermost part: smallest spatial shape.
	lastNumChannels := xslices.Last(numChannelsList)
	for ii := range numBlocks {
		x = ResidualBlock(nextCtx("IntermediaryBlock-%02d", ii), x, lastNumChannels)
	}

	// Upward.
	for ii := range numChannelsList {
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = UpBlock(nextCtx("UpBlock_%d", ii), x, skips, numBlocks, numChannels)
	}
	if len(skips) != 0 {
		exceptions.Panicf("UNet ended with %d skips not accounted for", len(skips))
	}
	return layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, imageChannels)
}
