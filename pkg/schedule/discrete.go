// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"math"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// BetaKind defines how the betas of a discrete schedule are spaced between start and end.
type BetaKind int

const (
	// BetaLinear spaces betas linearly between start and end.
	BetaLinear BetaKind = iota

	// BetaScaledLinear spaces √beta linearly, and squares it.
	BetaScaledLinear

	// BetaQuadratic grows betas with the square of the step index.
	BetaQuadratic

	// BetaCosine derives the betas from a squared-cosine curve of alphaBar, clipped to cosineMaxBeta.
	// The start and end values are ignored.
	BetaCosine
)

//go:generate go tool enumer -type=BetaKind -trimprefix=Beta -transform=snake -values -text -output=gen_betakind_enumer.go discrete.go

const (
	cosineOffset  = 0.008
	cosineMaxBeta = 0.999
)

// Discrete is the DDPM schedule: a table of numSteps betas, and the derived alphas.
//
// Time is the integer index into the table, from 0 (least noise) to NumSteps()-1.
type Discrete struct {
	betaKind                     BetaKind
	betas, alphas, alphaBars     []float64
	sqrtAlphaBars, sqrtOneMinusA []float64
}

var _ Schedule = (*Discrete)(nil)

// NewDiscrete creates the table of a discrete schedule with numSteps entries.
//
// It returns an error if numSteps <= 0, if the betas are not in (0, 1) or if betaStart > betaEnd.
func NewDiscrete(betaKind BetaKind, betaStart, betaEnd float64, numSteps int) (*Discrete, error) {
	if numSteps <= 0 {
		return nil, errors.Errorf("discrete schedule requires numSteps > 0, got %d", numSteps)
	}
	if betaKind != BetaCosine {
		if betaStart <= 0 || betaStart >= 1 || betaEnd <= 0 || betaEnd >= 1 {
			return nil, errors.Errorf("discrete schedule requires betas in the open interval (0, 1), got start=%g, end=%g",
				betaStart, betaEnd)
		}
		if betaStart > betaEnd {
			return nil, errors.Errorf("discrete schedule requires betaStart <= betaEnd, got start=%g, end=%g",
				betaStart, betaEnd)
		}
	}

	s := &Discrete{betaKind: betaKind, betas: make([]float64, numSteps)}
	switch betaKind {
	case BetaLinear:
		span(s.betas, betaStart, betaEnd)
	case BetaScaledLinear:
		span(s.betas, math.Sqrt(betaStart), math.Sqrt(betaEnd))
		for ii, b := range s.betas {
			s.betas[ii] = b * b
		}
	case BetaQuadratic:
		for ii := range s.betas {
			var frac float64
			if numSteps > 1 {
				frac = float64(ii) / float64(numSteps-1)
			}
			s.betas[ii] = betaStart + (betaEnd-betaStart)*frac*frac
		}
	case BetaCosine:
		alphaBarFn := func(t float64) float64 {
			c := math.Cos((t/float64(numSteps) + cosineOffset) / (1 + cosineOffset) * math.Pi / 2)
			return c * c
		}
		for ii := range s.betas {
			s.betas[ii] = min(1-alphaBarFn(float64(ii+1))/alphaBarFn(float64(ii)), cosineMaxBeta)
		}
	default:
		return nil, errors.Errorf("unknown beta schedule %s", betaKind)
	}

	s.alphas = make([]float64, numSteps)
	for ii, b := range s.betas {
		s.alphas[ii] = 1 - b
	}
	s.alphaBars = floats.CumProd(make([]float64, numSteps), s.alphas)
	s.sqrtAlphaBars = make([]float64, numSteps)
	s.sqrtOneMinusA = make([]float64, numSteps)
	for ii, ab := range s.alphaBars {
		s.sqrtAlphaBars[ii] = math.Sqrt(ab)
		s.sqrtOneMinusA[ii] = math.Sqrt(1 - ab)
	}
	for ii, b := range s.betas {
		if b <= 0 || b >= 1 || math.IsNaN(b) {
			return nil, errors.Errorf("discrete schedule %s produced beta[%d]=%g outside of (0, 1)", betaKind, ii, b)
		}
	}
	return s, nil
}

// span fills dst with values linearly spaced from l to u, both included.
// Unlike floats.Span it accepts a single element.
func span(dst []float64, l, u float64) {
	if len(dst) == 1 {
		dst[0] = l
		return
	}
	floats.Span(dst, l, u)
}

// Kind implements Schedule.
func (s *Discrete) Kind() Kind { return KindDiscrete }

// BetaKind used to build the table.
func (s *Discrete) BetaKind() BetaKind { return s.betaKind }

// NumSteps implements Schedule: it is the number of entries in the table.
func (s *Discrete) NumSteps() int { return len(s.betas) }

// IsDiscrete implements Schedule.
func (s *Discrete) IsDiscrete() bool { return true }

// Betas returns a copy of the betas table.
func (s *Discrete) Betas() []float64 { return slices.Clone(s.betas) }

// Alphas returns a copy of the table alpha = 1 - beta.
func (s *Discrete) Alphas() []float64 { return slices.Clone(s.alphas) }

// AlphaBars returns a copy of the cumulative product of the alphas.
func (s *Discrete) AlphaBars() []float64 { return slices.Clone(s.alphaBars) }

// SqrtAlphaBars returns a copy of the table √alphaBar, the signal coefficients.
func (s *Discrete) SqrtAlphaBars() []float64 { return slices.Clone(s.sqrtAlphaBars) }

// SqrtOneMinusAlphaBars returns a copy of the table √(1-alphaBar), the noise coefficients.
func (s *Discrete) SqrtOneMinusAlphaBars() []float64 { return slices.Clone(s.sqrtOneMinusA) }

// index converts t to a table index, clamped to the table size. It returns -1 for the clean state.
func (s *Discrete) index(t float64) int {
	if t < 0 {
		return -1
	}
	return clamp(int(math.Round(t)), 0, len(s.betas)-1)
}

// At implements Schedule.
func (s *Discrete) At(t float64) Coefficients {
	idx := s.index(t)
	if idx < 0 {
		return Coefficients{Signal: 1}
	}
	return Coefficients{
		Signal:   s.sqrtAlphaBars[idx],
		Noise:    s.sqrtOneMinusA[idx],
		Variance: s.betas[idx],
	}
}

// InitialStd implements Schedule. Discrete schedules are variance preserving.
func (s *Discrete) InitialStd() float64 { return 1 }

// Indices returns the table indices visited by numSteps reverse steps, in decreasing order.
// If numSteps <= 0 or numSteps >= NumSteps() all indices are visited, otherwise they are evenly strided.
func (s *Discrete) Indices(numSteps int) []int {
	total := len(s.betas)
	if numSteps <= 0 || numSteps >= total {
		numSteps = total
	}
	indices := make([]int, numSteps)
	if numSteps == total {
		for ii := range indices {
			indices[ii] = total - 1 - ii
		}
		return indices
	}
	if numSteps == 1 {
		indices[0] = total - 1
		return indices
	}
	for ii := range indices {
		indices[ii] = int(math.Round(float64(total-1) * float64(numSteps-1-ii) / float64(numSteps-1)))
	}
	return indices
}

// Steps implements Schedule.
func (s *Discrete) Steps(numSteps int) []Step {
	indices := s.Indices(numSteps)
	steps := make([]Step, len(indices))
	for ii, idx := range indices {
		next := -1
		if ii < len(indices)-1 {
			next = indices[ii+1]
		}
		c, nextC := s.At(float64(idx)), s.At(float64(next))
		steps[ii] = Step{
			Index:      ii,
			Time:       float64(idx),
			NextTime:   float64(next),
			Signal:     c.Signal,
			Noise:      c.Noise,
			NextSignal: nextC.Signal,
			NextNoise:  nextC.Noise,
			Last:       ii == len(indices)-1,
		}
		vpStep(&steps[ii])
	}
	return steps
}

// MarginalGraph implements Schedule. times holds indices in [0, NumSteps()): float times are rounded
// to the nearest index, as in At, and out-of-range indices are clamped to the table.
func (s *Discrete) MarginalGraph(times *Node, dtype dtypes.DType) (signal, noise *Node) {
	g := times.Graph()
	indices := s.indicesGraph(times)
	signal = Gather(ConstAsDType(g, dtype, s.sqrtAlphaBars), indices)
	noise = Gather(ConstAsDType(g, dtype, s.sqrtOneMinusA), indices)
	return
}

// indicesGraph converts times to int32 table indices shaped [batchSize, 1], ready for Gather.
func (s *Discrete) indicesGraph(times *Node) *Node {
	if times.DType().IsFloat() {
		times = Round(times)
	}
	indices := ClipScalar(ConvertDType(times, dtypes.Int32), 0, float64(len(s.betas)-1))
	return InsertAxes(indices, -1)
}

// NormalizedTimeGraph implements Schedule: indices are divided by NumSteps().
func (s *Discrete) NormalizedTimeGraph(times *Node, dtype dtypes.DType) *Node {
	return DivScalar(timesToDType(times, dtype), float64(len(s.betas)))
}

// DrawTimesGraph implements Schedule: it returns int32 indices uniformly drawn from [0, NumSteps()).
func (s *Discrete) DrawTimesGraph(ctx *context.Context, g *Graph, _ dtypes.DType, batchSize int) *Node {
	return ctx.RandomIntN(g, int32(len(s.betas)), shapes.Make(dtypes.Int32, batchSize))
}
