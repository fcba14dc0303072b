// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// VarianceExploding is the continuous schedule of the variance-exploding SDE dx = σ^t dw, for t in [0, 1].
//
// The signal is always 1, and the marginal standard deviation is
//
//	std(t) = √((σ^(2t) - 1) / (2·ln σ))
//
// The diffusion coefficient is g(t) = σ^t.
type VarianceExploding struct {
	sigma, logSigma float64
	numSteps        int
	eps             float64
}

var _ Schedule = (*VarianceExploding)(nil)

// NewVarianceExploding creates a variance-exploding schedule. numSteps is the default number of
// Euler–Maruyama steps used for sampling, and eps is the smallest time used, to avoid the singularity at t=0.
//
// It returns an error if sigma <= 1, numSteps <= 0 or eps is not in (0, 0.5).
func NewVarianceExploding(sigma float64, numSteps int, eps float64) (*VarianceExploding, error) {
	if !(sigma > 1) {
		return nil, errors.Errorf("variance exploding schedule requires sigma > 1, got %g", sigma)
	}
	if numSteps <= 0 {
		return nil, errors.Errorf("variance exploding schedule requires numSteps > 0, got %d", numSteps)
	}
	if !(eps > 0 && eps < 0.5) {
		return nil, errors.Errorf("variance exploding schedule requires eps in (0, 0.5), got %g", eps)
	}
	return &VarianceExploding{sigma: sigma, logSigma: math.Log(sigma), numSteps: numSteps, eps: eps}, nil
}

// Kind implements Schedule.
func (s *VarianceExploding) Kind() Kind { return KindVarianceExploding }

// NumSteps implements Schedule.
func (s *VarianceExploding) NumSteps() int { return s.numSteps }

// IsDiscrete implements Schedule.
func (s *VarianceExploding) IsDiscrete() bool { return false }

// Sigma of the schedule.
func (s *VarianceExploding) Sigma() float64 { return s.sigma }

// Epsilon is the smallest time used for training and sampling.
func (s *VarianceExploding) Epsilon() float64 { return s.eps }

// Std returns the marginal standard deviation at time t.
func (s *VarianceExploding) Std(t float64) float64 {
	return math.Sqrt((math.Pow(s.sigma, 2*t) - 1) / (2 * s.logSigma))
}

// Diffusion returns the diffusion coefficient g(t) = σ^t.
func (s *VarianceExploding) Diffusion(t float64) float64 {
	return math.Pow(s.sigma, t)
}

// At implements Schedule.
func (s *VarianceExploding) At(t float64) Coefficients {
	g := s.Diffusion(t)
	return Coefficients{Signal: 1, Noise: s.Std(t), Variance: g * g}
}

// InitialStd implements Schedule: it is std(1).
func (s *VarianceExploding) InitialStd() float64 { return s.Std(1) }

// Times returns numSteps times evenly spaced from 1 down to eps, and the step size between them.
//
// Every step advances by dt, including the last one, which starts at eps and is clamped at t=0.
// With a single step, it goes from 1 to 0 and dt=1.
func (s *VarianceExploding) Times(numSteps int) (times []float64, dt float64) {
	if numSteps <= 0 {
		numSteps = s.numSteps
	}
	times = make([]float64, numSteps)
	if numSteps == 1 {
		times[0] = 1
		return times, 1
	}
	floats.Span(times, 1, s.eps)
	dt = times[0] - times[1]
	return
}

// Steps implements Schedule with the Euler–Maruyama discretization of the reverse SDE:
//
//	x_next = x + g(t)²·score·dt + √dt·g(t)·z
//
// The last step goes to t=0 and adds no noise.
func (s *VarianceExploding) Steps(numSteps int) []Step {
	times, dt := s.Times(numSteps)
	steps := make([]Step, len(times))
	for ii, t := range times {
		last := ii == len(times)-1
		next := max(t-dt, 0)
		if !last {
			next = times[ii+1]
		}
		g := s.Diffusion(t)
		steps[ii] = Step{
			Index:      ii,
			Time:       t,
			NextTime:   next,
			Signal:     1,
			Noise:      s.Std(t),
			NextSignal: 1,
			NextNoise:  s.Std(next),
			XScale:     1,
			ScoreScale: g * g * dt,
			Last:       last,
		}
		if !last {
			steps[ii].NoiseScale = math.Sqrt(dt) * g
		}
	}
	return steps
}

// MarginalGraph implements Schedule.
func (s *VarianceExploding) MarginalGraph(times *Node, dtype dtypes.DType) (signal, noise *Node) {
	times = timesToDType(times, dtype)
	signal = OnesLike(times)
	variance := DivScalar(AddScalar(Exp(MulScalar(times, 2*s.logSigma)), -1), 2*s.logSigma)
	noise = Sqrt(Max(variance, ZerosLike(variance)))
	return
}

// NormalizedTimeGraph implements Schedule: continuous times are already normalized.
func (s *VarianceExploding) NormalizedTimeGraph(times *Node, dtype dtypes.DType) *Node {
	return timesToDType(times, dtype)
}

// DrawTimesGraph implements Schedule: times are uniform in [eps, 1-eps].
func (s *VarianceExploding) DrawTimesGraph(ctx *context.Context, g *Graph, dtype dtypes.DType, batchSize int) *Node {
	t := ctx.RandomUniform(g, shapes.Make(dtype, batchSize))
	return AddScalar(MulScalar(t, 1-2*s.eps), s.eps)
}

// Angular is a continuous variance-preserving schedule, for t in [0, 1]:
//
//	Signal(t) = cos(angle(t)),  Noise(t) = sin(angle(t))
//
// where the angle is interpolated linearly from acos(maxSignal) at t=0 to acos(minSignal) at t=1.
type Angular struct {
	minSignal, maxSignal float64
	startAngle, endAngle float64
	numSteps             int
}

var _ Schedule = (*Angular)(nil)

// NewAngular creates an angular schedule. It returns an error if the signal ratios are not in (0, 1],
// if minSignal >= maxSignal or if numSteps <= 0.
func NewAngular(minSignal, maxSignal float64, numSteps int) (*Angular, error) {
	if !(minSignal > 0 && minSignal <= 1) || !(maxSignal > 0 && maxSignal <= 1) {
		return nil, errors.Errorf("angular schedule requires signal ratios in (0, 1], got min=%g, max=%g",
			minSignal, maxSignal)
	}
	if minSignal >= maxSignal {
		return nil, errors.Errorf("angular schedule requires minSignal < maxSignal, got min=%g, max=%g",
			minSignal, maxSignal)
	}
	if numSteps <= 0 {
		return nil, errors.Errorf("angular schedule requires numSteps > 0, got %d", numSteps)
	}
	return &Angular{
		minSignal:  minSignal,
		maxSignal:  maxSignal,
		startAngle: math.Acos(maxSignal),
		endAngle:   math.Acos(minSignal),
		numSteps:   numSteps,
	}, nil
}

// Kind implements Schedule.
func (s *Angular) Kind() Kind { return KindAngular }

// NumSteps implements Schedule.
func (s *Angular) NumSteps() int { return s.numSteps }

// IsDiscrete implements Schedule.
func (s *Angular) IsDiscrete() bool { return false }

func (s *Angular) angle(t float64) float64 {
	return s.startAngle + t*(s.endAngle-s.startAngle)
}

// At implements Schedule. Variance is the β(t) = -d/dt ln(Signal²) of the equivalent variance-preserving SDE.
func (s *Angular) At(t float64) Coefficients {
	angle := s.angle(t)
	return Coefficients{
		Signal:   math.Cos(angle),
		Noise:    math.Sin(angle),
		Variance: 2 * math.Tan(angle) * (s.endAngle - s.startAngle),
	}
}

// InitialStd implements Schedule.
func (s *Angular) InitialStd() float64 { return 1 }

// Steps implements Schedule: times are evenly spaced from 1 to 0, and the last step targets the
// clean sample (NextSignal=1, NextNoise=0).
func (s *Angular) Steps(numSteps int) []Step {
	if numSteps <= 0 {
		numSteps = s.numSteps
	}
	steps := make([]Step, numSteps)
	for ii := range steps {
		t := 1 - float64(ii)/float64(numSteps)
		next := 1 - float64(ii+1)/float64(numSteps)
		c, nextC := s.At(t), s.At(next)
		last := ii == numSteps-1
		if last {
			next = 0
			nextC = Coefficients{Signal: 1}
		}
		steps[ii] = Step{
			Index:      ii,
			Time:       t,
			NextTime:   next,
			Signal:     c.Signal,
			Noise:      c.Noise,
			NextSignal: nextC.Signal,
			NextNoise:  nextC.Noise,
			Last:       last,
		}
		vpStep(&steps[ii])
	}
	return steps
}

// MarginalGraph implements Schedule.
func (s *Angular) MarginalGraph(times *Node, dtype dtypes.DType) (signal, noise *Node) {
	times = timesToDType(times, dtype)
	angles := AddScalar(MulScalar(times, s.endAngle-s.startAngle), s.startAngle)
	return Cos(angles), Sin(angles)
}

// NormalizedTimeGraph implements Schedule.
func (s *Angular) NormalizedTimeGraph(times *Node, dtype dtypes.DType) *Node {
	return timesToDType(times, dtype)
}

// DrawTimesGraph implements Schedule: times are uniform in [0, 1).
func (s *Angular) DrawTimesGraph(ctx *context.Context, g *Graph, dtype dtypes.DType, batchSize int) *Node {
	return ctx.RandomUniform(g, shapes.Make(dtype, batchSize))
}
