// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule implements the noise schedules of diffusion models.
//
// A schedule maps a time (an integer index for the discrete DDPM schedule, or a real value in [0, 1] for
// the continuous ones) to the coefficients of the marginal forward process:
//
//	x_t = Signal(t) * x_0 + Noise(t) * ε,  ε ~ N(0, I)
//
// All variants are exposed through the same Schedule interface, so the forward process, the training loss
// and the samplers don't need to know which one is in use.
//
// Schedules are immutable once built and safe for concurrent use.
package schedule

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Kind of schedule.
type Kind int

const (
	// KindDiscrete is the DDPM schedule: a table of betas indexed by integer time steps.
	KindDiscrete Kind = iota

	// KindVarianceExploding is the continuous VE-SDE schedule, with std(t) = sqrt((σ^(2t)-1)/(2·ln σ)).
	KindVarianceExploding

	// KindAngular is a continuous variance-preserving schedule where Signal=cos(angle) and Noise=sin(angle).
	KindAngular
)

//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=snake -values -text -output=gen_kind_enumer.go schedule.go

// Coefficients of the forward process at a given time.
type Coefficients struct {
	// Signal and Noise are the marginal scales: x_t = Signal*x_0 + Noise*ε.
	Signal, Noise float64

	// Variance is the instantaneous noise injected by the forward process: beta_t for the discrete
	// schedule, or g(t)² for the continuous ones.
	Variance float64
}

// Step describes one transition of the reverse process, from Time to NextTime.
type Step struct {
	// Index of the step in the reverse sequence, starting from 0.
	Index int

	// Time and NextTime of the transition. For discrete schedules these are table indices, and the
	// last step goes to index -1, the clean sample.
	Time, NextTime float64

	// Signal and Noise are the marginal coefficients at Time, NextSignal and NextNoise at NextTime.
	Signal, Noise, NextSignal, NextNoise float64

	// XScale, ScoreScale and NoiseScale define the ancestral update:
	//
	//	x_next = XScale*x + ScoreScale*score(x, t) + NoiseScale*z,  z ~ N(0, I)
	XScale, ScoreScale, NoiseScale float64

	// Last is set for the final step: its NoiseScale is always 0.
	Last bool
}

// Schedule is implemented by all schedule variants.
type Schedule interface {
	// Kind of the schedule.
	Kind() Kind

	// NumSteps is the default number of reverse steps, and for discrete schedules also the number of
	// entries of the table.
	NumSteps() int

	// IsDiscrete returns whether time is an integer index into a table.
	IsDiscrete() bool

	// At returns the coefficients at time t. For discrete schedules t is rounded to an index and
	// a negative value returns the clean state (Signal=1, Noise=0).
	At(t float64) Coefficients

	// Steps returns the sequence of reverse transitions in sampling order, from the noisiest time to the
	// clean sample. If numSteps <= 0, NumSteps() is used.
	Steps(numSteps int) []Step

	// InitialStd is the standard deviation of the terminal distribution the reverse process starts from.
	InitialStd() float64

	// MarginalGraph returns Signal(times) and Noise(times), shaped like times and converted to dtype.
	MarginalGraph(times *Node, dtype dtypes.DType) (signal, noise *Node)

	// NormalizedTimeGraph converts times to dtype values in [0, 1], the form given to the models.
	NormalizedTimeGraph(times *Node, dtype dtypes.DType) *Node

	// DrawTimesGraph draws one random training time per example, uniformly over the valid range.
	// Discrete schedules return int32 indices, continuous ones values of the given dtype.
	DrawTimesGraph(ctx *context.Context, g *Graph, dtype dtypes.DType, batchSize int) *Node
}

// Hyperparameter keys used by FromContext.
const (
	// ParamSchedule is the kind of schedule, see KindValues. Default "discrete".
	ParamSchedule = "schedule"

	// ParamBeta is the spacing of the discrete betas, see BetaKindValues. Default "linear".
	ParamBeta = "schedule_beta"

	// ParamBetaStart and ParamBetaEnd are the first and last betas of the discrete schedule.
	ParamBetaStart = "beta_start"
	ParamBetaEnd   = "beta_end"

	// ParamNumSteps is the number of diffusion steps.
	ParamNumSteps = "diffusion_steps"

	// ParamSigma is the σ of the variance-exploding schedule.
	ParamSigma = "sigma"

	// ParamEpsilon is the smallest time used by continuous schedules, to avoid the singularity at t=0.
	ParamEpsilon = "sde_eps"

	// ParamMinSignalRatio and ParamMaxSignalRatio bound the signal of the angular schedule.
	// With the default max_signal_ratio=1 the angular schedule is noiseless at t=0.
	ParamMinSignalRatio = "min_signal_ratio"
	ParamMaxSignalRatio = "max_signal_ratio"
)

// Default hyperparameter values.
const (
	DefaultBetaStart      = 1e-4
	DefaultBetaEnd        = 0.02
	DefaultNumSteps       = 1000
	DefaultSigma          = 25.0
	DefaultEpsilon        = 1e-5
	DefaultMinSignalRatio = 0.02
	DefaultMaxSignalRatio = 1.0
)

// FromContext builds the schedule configured in the context hyperparameters.
func FromContext(ctx *context.Context) (Schedule, error) {
	kindName := context.GetParamOr(ctx, ParamSchedule, KindDiscrete.String())
	kind, err := KindString(kindName)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid hyperparameter %q", ParamSchedule)
	}
	numSteps := context.GetParamOr(ctx, ParamNumSteps, DefaultNumSteps)
	switch kind {
	case KindDiscrete:
		betaKind, err := BetaKindString(context.GetParamOr(ctx, ParamBeta, BetaLinear.String()))
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid hyperparameter %q", ParamBeta)
		}
		return NewDiscrete(betaKind,
			context.GetParamOr(ctx, ParamBetaStart, DefaultBetaStart),
			context.GetParamOr(ctx, ParamBetaEnd, DefaultBetaEnd),
			numSteps)
	case KindVarianceExploding:
		return NewVarianceExploding(
			context.GetParamOr(ctx, ParamSigma, DefaultSigma),
			numSteps,
			context.GetParamOr(ctx, ParamEpsilon, DefaultEpsilon))
	case KindAngular:
		return NewAngular(
			context.GetParamOr(ctx, ParamMinSignalRatio, DefaultMinSignalRatio),
			context.GetParamOr(ctx, ParamMaxSignalRatio, DefaultMaxSignalRatio),
			numSteps)
	}
	return nil, errors.Errorf("schedule kind %s not implemented", kind)
}

// vpStep fills the ancestral update of a variance-preserving transition between the marginals
// (signal, noise) and (nextSignal, nextNoise): α = (signal/nextSignal)², β = 1-α and
//
//	x_next = (x + β·score) / √α + √β·z
//
// With consecutive entries of a DDPM table this is exactly the DDPM sampler step.
func vpStep(step *Step) {
	ratio := step.Signal / step.NextSignal
	alpha := ratio * ratio
	beta := clamp(1-alpha, 0, 1)
	sqrtAlpha := math.Sqrt(alpha)
	step.XScale = 1 / sqrtAlpha
	step.ScoreScale = beta / sqrtAlpha
	if !step.Last {
		step.NoiseScale = math.Sqrt(beta)
	}
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

// timesToDType converts times and makes sure they are a float dtype.
func timesToDType(times *Node, dtype dtypes.DType) *Node {
	if times.DType() != dtype {
		times = ConvertDType(times, dtype)
	}
	return times
}
