// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gopjrt/dtypes"
)

// LossGraph draws one time and fresh noise per example, noises x0 and returns the scalar loss of the
// model prediction against the target of the parameterization.
//
// labels is int32 shaped [batchSize] for conditional models, or nil. During training labels are replaced by
// the null class with probability UncondProb.
//
// It only calls the model: the optimizer update is left to the caller.
func (p *Process) LossGraph(ctx *context.Context, x0, labels *Node) *Node {
	g := x0.Graph()
	batchSize := x0.Shape().Dimensions[0]
	times := p.Schedule.DrawTimesGraph(ctx, g, x0.DType(), batchSize)
	noise := ctx.RandomNormal(g, x0.Shape())
	p.NanLogger.TraceFirstNaN(noise, "noise")
	if labels != nil && p.NumClasses > 0 && p.UncondProb > 0 && ctx.IsTraining(g) {
		labels = p.dropLabels(ctx, labels)
	}
	return p.LossWithNoiseGraph(ctx, x0, times, noise, labels)
}

// dropLabels replaces labels with the null class with probability UncondProb.
func (p *Process) dropLabels(ctx *context.Context, labels *Node) *Node {
	g := labels.Graph()
	labels = ConvertDType(labels, dtypes.Int32)
	drop := LessThan(
		ctx.RandomUniform(g, shapes.Make(dtypes.Float32, labels.Shape().Dimensions...)),
		Scalar(g, dtypes.Float32, p.UncondProb))
	return Where(drop, BroadcastToShape(Scalar(g, dtypes.Int32, p.NullLabel()), labels.Shape()), labels)
}

// LossWithNoiseGraph is the deterministic core of LossGraph: it takes the times and the noise explicitly.
//
// A model that returns exactly the injected noise (PredictNoise) or the exact score -noise/Noise(t)
// (PredictScore) has loss 0.
func (p *Process) LossWithNoiseGraph(ctx *context.Context, x0, times, noise, labels *Node) *Node {
	dtype := x0.DType()
	noisy := StopGradient(Forward(p.Schedule, x0, times, noise))
	p.NanLogger.TraceFirstNaN(noisy, "noisy")
	prediction := p.Predict(ctx, noisy, times, labels, false)

	target := noise
	if p.Parameterization == PredictScore {
		// Score matching weighted by Noise(t)²: |Noise(t)·prediction + ε|².
		_, noiseScale := p.Schedule.MarginalGraph(times, dtype)
		prediction = Mul(prediction, perExample(noiseScale, prediction.Rank()))
		target = Neg(noise)
	}

	// Large reduce operations overflow with low-precision dtypes.
	if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		target = ConvertDType(target, dtypes.Float32)
		prediction = ConvertDType(prediction, dtypes.Float32)
	}

	lossFn := losses.MeanSquaredError
	if lossName := context.GetParamOr(ctx, losses.ParamLoss, "mse"); lossName != "" && lossName != "mse" {
		var err error
		lossFn, err = losses.LossFromContext(ctx)
		if err != nil {
			panic(err)
		}
	}
	loss := lossFn([]*Node{target}, []*Node{prediction})
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	p.NanLogger.TraceFirstNaN(loss, "loss")
	return loss
}

// TrainingModelFn returns the train.ModelFn used with train.Trainer. Its inputs are the clean samples and,
// for conditional models, the labels. It returns the loss as its only prediction, to be used with
// LossFromPredictions.
//
// During training it also updates the learning rate cosine schedule and the moving average of the
// weights, if configured.
func (p *Process) TrainingModelFn() train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		x0 := inputs[0]
		g := x0.Graph()
		var labels *Node
		if p.NumClasses > 0 {
			if len(inputs) < 2 {
				exceptions.Panicf("diffusion model conditioned on %d classes requires labels as the second input", p.NumClasses)
			}
			labels = inputs[1]
		}
		if ctx.IsTraining(g) {
			cosineschedule.New(ctx, g, x0.DType()).FromContext().Done()
		}
		loss := p.LossGraph(ctx, x0, labels)
		if ctx.IsTraining(g) {
			UpdateEMA(ctx, g)
		}
		return []*Node{loss}
	}
}

// LossFromPredictions is the loss function to use with TrainingModelFn: the loss is already computed by
// the model function.
func LossFromPredictions(_, predictions []*Node) *Node {
	return predictions[0]
}

// EMAUpdatesVariable counts the updates of the moving average. It lives in EMAScope, next to the averaged
// model variables.
const EMAUpdatesVariable = "num_updates"

// UpdateEMA updates the exponential moving average of the model variables, stored under EMAScope,
// if the hyperparameter ParamEMA is > 0.
//
// The first update copies the model weights, so the average is not biased towards zero early in training.
func UpdateEMA(ctx *context.Context, g *Graph) {
	emaCoef := context.GetParamOr(ctx, ParamEMA, 0.0)
	if emaCoef <= 0 {
		return
	}
	prefixScope := ctx.Scope()
	emaCtx := ctx.In(EMAScope).WithInitializer(initializers.Zero).Checked(false)
	numUpdatesVar := emaCtx.VariableWithValue(EMAUpdatesVariable, int64(0)).SetTrainable(false)
	numUpdates := numUpdatesVar.ValueGraph(g)
	decay := Where(Equal(numUpdates, ZerosLike(numUpdates)),
		Scalar(g, dtypes.Float64, 0), Scalar(g, dtypes.Float64, emaCoef))

	newPrefixScope := emaCtx.Scope()
	modelVars := slices.Collect(ctx.In(ModelScope).IterVariablesInScope())
	for _, v := range modelVars {
		if !strings.HasPrefix(v.Scope(), prefixScope) {
			exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
		}
		suffix := v.Scope()[len(prefixScope):]
		if !strings.HasPrefix(suffix, context.ScopeSeparator) {
			suffix = context.ScopeSeparator + suffix
		}
		emaVar := emaCtx.InAbsPath(newPrefixScope + suffix).VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		varDecay := ConvertDType(decay, v.DType())
		emaVar.SetValueGraph(Add(
			Mul(emaVar.ValueGraph(g), varDecay),
			Mul(v.ValueGraph(g), OneMinus(varDecay))))
	}
	numUpdatesVar.SetValueGraph(AddScalar(numUpdates, 1))
}
