// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diffusion implements the forward (noising) process, the training loss and the reverse samplers of
// denoising diffusion models, on top of any schedule from package schedule.
//
// The denoising model itself is opaque: any ModelFn that maps (noisy samples, times, labels) to a prediction
// of the same shape as the samples. What the prediction means (the injected noise or the score) is given by
// the Parameterization.
//
// The graph building functions (Forward, Process.LossGraph, ...) can be used directly in custom training
// loops. Session wraps them with a GoMLX context, a trainer and checkpoints, and makes training and
// sampling safe to call concurrently.
package diffusion

import (
	"github.com/gomlx/diffusion/pkg/schedule"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ModelFn is the trainable denoising model.
//
//   - noisy: the noised samples x_t, shaped [batchSize, ...].
//   - times: the diffusion time of each example normalized to [0, 1], shaped [batchSize] and with the dtype of noisy.
//   - labels: int32 class of each example, shaped [batchSize], or nil for unconditional models.
//     The value NumClasses is the "null" class used for classifier-free guidance.
//
// It must return a prediction shaped like noisy.
type ModelFn func(ctx *context.Context, noisy, times, labels *Node) *Node

// Parameterization defines what the model is trained to predict.
type Parameterization int

const (
	// PredictNoise trains the model to predict the injected noise ε.
	PredictNoise Parameterization = iota

	// PredictScore trains the model to predict the score -ε/Noise(t).
	// The loss is weighted by Noise(t)², which makes it MSE(prediction·Noise(t), -ε).
	PredictScore
)

//go:generate go tool enumer -type=Parameterization -trimprefix=Predict -transform=snake -values -text -output=gen_parameterization_enumer.go diffusion.go

// DefaultParameterization for the schedule kind: score for variance-exploding schedules, noise otherwise.
func DefaultParameterization(kind schedule.Kind) Parameterization {
	if kind == schedule.KindVarianceExploding {
		return PredictScore
	}
	return PredictNoise
}

const (
	// ModelScope is the context scope under which the model variables are created.
	ModelScope = "model"

	// EMAScope is the scope of the exponential moving average copy of the model variables.
	EMAScope = "ema"
)

// Hyperparameter keys.
const (
	// ParamParameterization is the model parameterization, "noise" or "score". If empty, it
	// defaults to DefaultParameterization of the schedule.
	ParamParameterization = "diffusion_parameterization"

	// ParamNumClasses is the number of classes of conditional models. 0 for unconditional models.
	ParamNumClasses = "num_classes"

	// ParamUncondProb is the probability of replacing an example's label with the null class during training,
	// which trains the model for classifier-free guidance.
	ParamUncondProb = "diffusion_uncond_prob"

	// ParamEMA is the coefficient of the exponential moving average of the model weights. Set to <= 0 to disable.
	ParamEMA = "diffusion_ema"

	// ParamUseEMA selects the moving average weights for sampling and evaluation.
	ParamUseEMA = "use_ema"

	// ParamNanLogger enables a nanlogger.NanLogger to report where NaNs first appear.
	ParamNanLogger = "nan_logger"

	// ParamDType of the samples and the model.
	ParamDType = "dtype"

	// ParamTrainSteps is the total number of training steps.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize for training.
	ParamBatchSize = "batch_size"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointFrequency is how often to save checkpoints during training, see time.ParseDuration.
	ParamCheckpointFrequency = "checkpoint_frequency"

	// ParamSampleSteps is the number of reverse steps used for sampling. If <= 0, the schedule's NumSteps.
	ParamSampleSteps = "sample_steps"

	// ParamSampler is the default sampler, see SamplerKindValues.
	ParamSampler = "sampler"
)

// ParamsExcludedFromLoading are hyperparameters that shouldn't be loaded from checkpoints.
var ParamsExcludedFromLoading = []string{
	ParamTrainSteps, ParamNanLogger, ParamSampleSteps, ParamSampler,
}

// CreateDefaultContext returns a context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:          10_000,
		ParamBatchSize:           256,
		ParamNumCheckpoints:      3,
		ParamCheckpointFrequency: "1m",
		ParamDType:               "float32",
		ParamNanLogger:           false,

		// Schedule.
		schedule.ParamSchedule:       schedule.KindDiscrete.String(),
		schedule.ParamBeta:           schedule.BetaLinear.String(),
		schedule.ParamBetaStart:      schedule.DefaultBetaStart,
		schedule.ParamBetaEnd:        schedule.DefaultBetaEnd,
		schedule.ParamNumSteps:       schedule.DefaultNumSteps,
		schedule.ParamSigma:          schedule.DefaultSigma,
		schedule.ParamEpsilon:        schedule.DefaultEpsilon,
		schedule.ParamMinSignalRatio: schedule.DefaultMinSignalRatio,
		schedule.ParamMaxSignalRatio: schedule.DefaultMaxSignalRatio,

		// Diffusion.
		ParamParameterization: "",  // Empty picks the default for the schedule.
		ParamNumClasses:       0,   // Unconditional.
		ParamUncondProb:       0.1, // Only used if num_classes > 0.
		ParamEMA:              0.0, // E.g. 0.999.
		ParamUseEMA:           false,
		ParamSampleSteps:      0,
		ParamSampler:          SamplerAncestral.String(),

		// Model.
		"model":                     "fnn",
		"sinusoidal_embed_size":     32,
		"sinusoidal_min_freq":       1.0,
		"sinusoidal_max_freq":       1000.0,
		"label_embed_size":          16,
		"unet_channels_list":        []int{32, 64},
		"unet_num_residual_blocks":  2,
		activations.ParamActivation: "swish",
		layers.ParamNormalization:   "layer",
		layers.ParamDropoutRate:     0.0,
		"fnn_num_hidden_layers":     3,
		"fnn_num_hidden_nodes":      128,
		"fnn_residual":              true,

		// Training.
		losses.ParamLoss:                    "mse",
		optimizers.ParamOptimizer:           "adam",
		optimizers.ParamLearningRate:        1e-3,
		optimizers.ParamAdamEpsilon:         1e-7,
		optimizers.ParamAdamWeightDecay:     0.0,
		cosineschedule.ParamPeriodSteps:     0, // Enabled if > 0, typically set to train_steps.
		cosineschedule.ParamMinLearningRate: 1e-5,
	})
	return ctx
}

// DTypeFromContext returns the dtype configured with ParamDType.
func DTypeFromContext(ctx *context.Context) (dtypes.DType, error) {
	dtypeName := context.GetParamOr(ctx, ParamDType, "float32")
	dtype, err := dtypes.DTypeString(dtypeName)
	if err != nil || !dtype.IsFloat() {
		return dtypes.InvalidDType, errors.Errorf("invalid hyperparameter %s=%q: it must be a float dtype", ParamDType, dtypeName)
	}
	return dtype, nil
}

// Process bundles a schedule with a model and the interpretation of its predictions.
// It builds the computation graphs of the forward process, the loss and the reverse steps.
//
// A Process holds no state: all variables live in the context given to its methods.
type Process struct {
	Schedule         schedule.Schedule
	Model            ModelFn
	Parameterization Parameterization

	// NumClasses of conditional models, 0 for unconditional models.
	NumClasses int

	// UncondProb is the probability of dropping the label during training, see ParamUncondProb.
	UncondProb float64

	// NanLogger, if not nil, traces the first NaN in the intermediary values.
	NanLogger *nanlogger.NanLogger
}

// NewProcess creates a Process with the default parameterization of the schedule.
func NewProcess(sched schedule.Schedule, model ModelFn) *Process {
	return &Process{
		Schedule:         sched,
		Model:            model,
		Parameterization: DefaultParameterization(sched.Kind()),
	}
}

// validate the configuration of the process.
func (p *Process) validate() error {
	if p.Schedule == nil {
		return errors.New("diffusion process requires a schedule")
	}
	if p.Model == nil {
		return errors.New("diffusion process requires a model")
	}
	if !p.Parameterization.IsAParameterization() {
		return errors.Errorf("invalid parameterization %s", p.Parameterization)
	}
	if p.NumClasses < 0 {
		return errors.Errorf("invalid number of classes %d", p.NumClasses)
	}
	if p.UncondProb < 0 || p.UncondProb >= 1 {
		return errors.Errorf("unconditional probability must be in [0, 1), got %g", p.UncondProb)
	}
	return nil
}

// NullLabel is the label value used for the unconditional prediction: it equals NumClasses.
func (p *Process) NullLabel() int32 { return int32(p.NumClasses) }

// Predict calls the model on noisy samples at the given times (as used by the schedule: indices for discrete
// schedules), in the model scope. If useEMA is set, the moving average weights are used instead.
func (p *Process) Predict(ctx *context.Context, noisy, times, labels *Node, useEMA bool) *Node {
	modelCtx := ctx
	if useEMA {
		modelCtx = modelCtx.In(EMAScope)
	}
	modelCtx = modelCtx.In(ModelScope)
	if p.NumClasses == 0 {
		labels = nil
	} else if labels == nil {
		exceptions.Panicf("diffusion model conditioned on %d classes requires labels", p.NumClasses)
	}
	modelTimes := p.Schedule.NormalizedTimeGraph(times, noisy.DType())
	prediction := p.Model(modelCtx, noisy, modelTimes, labels)
	if !prediction.Shape().Equal(noisy.Shape()) {
		exceptions.Panicf("diffusion model returned prediction shaped %s, but samples are shaped %s",
			prediction.Shape(), noisy.Shape())
	}
	p.NanLogger.TraceFirstNaN(prediction, "prediction")
	return prediction
}

// ToScore converts a model prediction to the score, given the per-example Noise(t) broadcastable to prediction.
func (p *Process) ToScore(prediction, noiseScale *Node) *Node {
	if p.Parameterization == PredictScore {
		return prediction
	}
	return Neg(Div(prediction, noiseScale))
}

// ToNoise converts a model prediction to the predicted noise ε, given the per-example Noise(t).
func (p *Process) ToNoise(prediction, noiseScale *Node) *Node {
	if p.Parameterization == PredictNoise {
		return prediction
	}
	return Neg(Mul(prediction, noiseScale))
}
