// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"math"
	"testing"

	"github.com/gomlx/diffusion/pkg/schedule"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	_ "github.com/gomlx/gomlx/backends/default"
)

// cleanSamples used by the tests, shaped [4, 2].
var cleanSamples = [][]float32{{1, -1}, {0.5, 0.25}, {-2, 0}, {0, 1.5}}

// oracleModel returns a model that knows the clean samples, and hence predicts the exact noise (or score)
// of any noisy sample.
func oracleModel(sched schedule.Schedule, parameterization Parameterization, x0 [][]float32) ModelFn {
	return func(ctx *context.Context, noisy, times, labels *Node) *Node {
		g := noisy.Graph()
		clean := ConvertDType(Const(g, x0), noisy.DType())
		if sched.IsDiscrete() {
			times = ConvertDType(Round(MulScalar(times, float64(sched.NumSteps()))), dtypes.Int32)
		}
		signal, noiseScale := sched.MarginalGraph(times, noisy.DType())
		signal = InsertAxes(signal, -1)
		noiseScale = InsertAxes(noiseScale, -1)
		noise := Div(Sub(noisy, Mul(signal, clean)), noiseScale)
		if parameterization == PredictScore {
			return Neg(Div(noise, noiseScale))
		}
		return noise
	}
}

// zeroModel always predicts zeros.
func zeroModel(_ *context.Context, noisy, _, _ *Node) *Node {
	return ZerosLike(noisy)
}

func mustDiscrete(t *testing.T, numSteps int) *schedule.Discrete {
	sched, err := schedule.NewDiscrete(schedule.BetaLinear, schedule.DefaultBetaStart, schedule.DefaultBetaEnd, numSteps)
	require.NoError(t, err)
	return sched
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sched := mustDiscrete(t, 100)
	exec := MustNewExec(backend, func(x0, times, noise *Node) *Node {
		return Forward(sched, x0, times, noise)
	})
	times := []int32{0, 10, 50, 99}
	sqrtAlphaBars, sqrtOneMinus := sched.SqrtAlphaBars(), sched.SqrtOneMinusAlphaBars()

	// Zero noise: only the signal remains.
	zeros := tensors.FromShape(tensors.FromValue(cleanSamples).Shape())
	got := tensors.MustCopyFlatData[float32](exec.MustExec(cleanSamples, times, zeros)[0])
	for ii, idx := range times {
		for jj := range 2 {
			assert.InDelta(t, sqrtAlphaBars[idx]*float64(cleanSamples[ii][jj]), float64(got[ii*2+jj]), 1e-5)
		}
	}

	// Unit noise.
	ones := [][]float32{{1, 1}, {1, 1}, {1, 1}, {1, 1}}
	got = tensors.MustCopyFlatData[float32](exec.MustExec(cleanSamples, times, ones)[0])
	for ii, idx := range times {
		for jj := range 2 {
			want := sqrtAlphaBars[idx]*float64(cleanSamples[ii][jj]) + sqrtOneMinus[idx]
			assert.InDelta(t, want, float64(got[ii*2+jj]), 1e-5)
		}
	}

	// Deterministic.
	again := tensors.MustCopyFlatData[float32](exec.MustExec(cleanSamples, times, ones)[0])
	assert.Equal(t, got, again)

	// Mismatched times.
	require.Panics(t, func() { exec.MustExec(cleanSamples, []int32{0, 1}, ones) })
}

func TestForwardTimeZero(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ones := [][]float32{{1, 1}, {1, 1}, {1, 1}, {1, 1}}
	for _, kind := range schedule.KindValues() {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := CreateDefaultContext()
			ctx.SetParam(schedule.ParamSchedule, kind.String())
			sched, err := schedule.FromContext(ctx)
			require.NoError(t, err)
			var times any = []float32{0, 0, 0, 0}
			if sched.IsDiscrete() {
				times = []int32{0, 0, 0, 0}
			}
			noisy := MustNewExec(backend, func(x0, times, noise *Node) *Node {
				return Forward(sched, x0, times, noise)
			}).MustExec(cleanSamples, times, ones)[0]
			got := tensors.MustCopyFlatData[float32](noisy)
			for ii, row := range cleanSamples {
				for jj, v := range row {
					// Discrete index 0 still adds √β_1 = 0.01 of noise.
					assert.InDelta(t, float64(v), float64(got[ii*2+jj]), 0.011)
				}
			}
		})
	}
}

func TestForwardFullNoise(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sched := mustDiscrete(t, 1000)
	const numExamples = 16384
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	noisy := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x0 := BroadcastToDims(Scalar(g, dtypes.Float64, 3.0), numExamples, 1)
		times := BroadcastToDims(Scalar(g, dtypes.Int32, int32(sched.NumSteps()-1)), numExamples)
		return Forward(sched, x0, times, ctx.RandomNormal(g, x0.Shape()))
	}).MustExec()[0]
	values := tensors.MustCopyFlatData[float64](noisy)
	mean, std := stat.MeanStdDev(values, nil)
	assert.InDelta(t, 3.0*sched.SqrtAlphaBars()[999], mean, 0.05)
	assert.InDelta(t, sched.SqrtOneMinusAlphaBars()[999], std, 0.05)
}

func TestLossPerfectModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	discrete := mustDiscrete(t, 100)
	ve, err := schedule.NewVarianceExploding(schedule.DefaultSigma, 100, schedule.DefaultEpsilon)
	require.NoError(t, err)
	angular, err := schedule.NewAngular(schedule.DefaultMinSignalRatio, schedule.DefaultMaxSignalRatio, 100)
	require.NoError(t, err)

	noise := [][]float32{{0.3, -1.2}, {1, 0.1}, {-0.7, 0.4}, {2, -0.5}}
	for _, tc := range []struct {
		name  string
		sched schedule.Schedule
		times any
	}{
		{"discrete", discrete, []int32{0, 17, 50, 99}},
		{"variance_exploding", ve, []float32{0.01, 0.3, 0.6, 0.99}},
		{"angular", angular, []float32{0.01, 0.3, 0.6, 1}},
	} {
		for _, parameterization := range ParameterizationValues() {
			t.Run(tc.name+"/"+parameterization.String(), func(t *testing.T) {
				process := NewProcess(tc.sched, oracleModel(tc.sched, parameterization, cleanSamples))
				process.Parameterization = parameterization
				ctx := context.New()
				loss := context.MustNewExec(backend, ctx, func(ctx *context.Context, x0, times, noise *Node) *Node {
					return process.LossWithNoiseGraph(ctx, x0, times, noise, nil)
				}).MustExec(cleanSamples, tc.times, noise)[0]
				require.True(t, loss.Shape().IsScalar())
				assert.InDelta(t, 0.0, float64(loss.Value().(float32)), 1e-4)

				// The zero model has the loss of the target magnitude.
				process.Model = zeroModel
				loss = context.MustNewExec(backend, ctx, func(ctx *context.Context, x0, times, noise *Node) *Node {
					return process.LossWithNoiseGraph(ctx, x0, times, noise, nil)
				}).MustExec(cleanSamples, tc.times, noise)[0]
				assert.Greater(t, float64(loss.Value().(float32)), 0.1)
			})
		}
	}
}

func TestLossGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sched := mustDiscrete(t, 100)
	process := NewProcess(sched, oracleModel(sched, PredictNoise, cleanSamples))
	ctx := context.New()
	ctx.SetRNGStateFromSeed(7)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x0 *Node) *Node {
		return process.LossGraph(ctx, x0, nil)
	})
	for range 3 {
		loss := exec.MustExec(cleanSamples)[0]
		assert.InDelta(t, 0.0, float64(loss.Value().(float32)), 1e-4)
	}
}

func TestDropLabels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sched := mustDiscrete(t, 10)
	process := NewProcess(sched, zeroModel)
	process.NumClasses = 3
	process.UncondProb = 0.5
	ctx := context.New()
	ctx.SetRNGStateFromSeed(1)
	const numLabels = 10_000
	labels := make([]int32, numLabels)
	for ii := range labels {
		labels[ii] = int32(ii % 3)
	}
	dropped := context.MustNewExec(backend, ctx, func(ctx *context.Context, labels *Node) *Node {
		return process.dropLabels(ctx, labels)
	}).MustExec(labels)[0]
	var numNull int
	for ii, label := range tensors.MustCopyFlatData[int32](dropped) {
		if label == process.NullLabel() {
			numNull++
		} else {
			require.Equal(t, labels[ii], label)
		}
	}
	assert.InDelta(t, 0.5, float64(numNull)/numLabels, 0.03)
}

func TestParameterizationConversions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, parameterization := range ParameterizationValues() {
		process := &Process{Parameterization: parameterization}
		outputs := MustNewExec(backend, func(prediction, noiseScale *Node) (*Node, *Node) {
			return process.ToScore(prediction, noiseScale), process.ToNoise(prediction, noiseScale)
		}).MustExec([]float32{2}, []float32{0.5})
		score := tensors.MustCopyFlatData[float32](outputs[0])[0]
		noise := tensors.MustCopyFlatData[float32](outputs[1])[0]
		if parameterization == PredictNoise {
			assert.InDelta(t, -4.0, float64(score), 1e-6)
			assert.InDelta(t, 2.0, float64(noise), 1e-6)
		} else {
			assert.InDelta(t, 2.0, float64(score), 1e-6)
			assert.InDelta(t, -1.0, float64(noise), 1e-6)
		}
	}
}

func TestSamplerRecoversCleanSamples(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	discrete := mustDiscrete(t, 100)
	angular, err := schedule.NewAngular(schedule.DefaultMinSignalRatio, schedule.DefaultMaxSignalRatio, 20)
	require.NoError(t, err)

	for _, tc := range []struct {
		name     string
		sched    schedule.Schedule
		kind     SamplerKind
		numSteps int
	}{
		{"ddpm", discrete, SamplerAncestral, 0},
		{"ddpm_strided", discrete, SamplerAncestral, 10},
		{"ddim", discrete, SamplerDDIM, 10},
		{"predictor_corrector", discrete, SamplerPredictorCorrector, 10},
		{"angular_ancestral", angular, SamplerAncestral, 0},
		{"angular_ddim", angular, SamplerDDIM, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			process := NewProcess(tc.sched, oracleModel(tc.sched, PredictNoise, cleanSamples))
			ctx := context.New()
			var steps []schedule.Step
			samples, err := NewSampler(backend, ctx, process, 4, 2).
				Sampler(tc.kind).
				Steps(tc.numSteps).
				Seed(42).
				OnStep(func(step schedule.Step, _ *tensors.Tensor) { steps = append(steps, step) }).
				Done()
			require.NoError(t, err)
			require.Equal(t, dtypes.Float32, samples.DType())
			require.Equal(t, []int{4, 2}, samples.Shape().Dimensions)
			got := tensors.MustCopyFlatData[float32](samples)
			for ii, row := range cleanSamples {
				for jj, want := range row {
					assert.InDelta(t, want, got[ii*2+jj], 1e-3, "sample #%d, axis %d", ii, jj)
				}
			}

			wantSteps := tc.numSteps
			if wantSteps <= 0 {
				wantSteps = tc.sched.NumSteps()
			}
			require.Len(t, steps, wantSteps)
			var numLast int
			for _, step := range steps {
				if step.Last {
					numLast++
				}
			}
			assert.Equal(t, 1, numLast)
			last := steps[len(steps)-1]
			assert.True(t, last.Last)
			assert.Equal(t, 0.0, last.NoiseScale)
			assert.Equal(t, 1.0, last.NextSignal)
			assert.Equal(t, 0.0, last.NextNoise)
		})
	}
}

func TestSamplerDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ve, err := schedule.NewVarianceExploding(schedule.DefaultSigma, 30, schedule.DefaultEpsilon)
	require.NoError(t, err)
	process := NewProcess(ve, zeroModel)
	require.Equal(t, PredictScore, process.Parameterization)
	ctx := context.New()

	sample := func(seed int64) []float32 {
		samples, err := NewSampler(backend, ctx, process, 16, 3).Seed(seed).Done()
		require.NoError(t, err)
		values := tensors.MustCopyFlatData[float32](samples)
		for _, v := range values {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
		return values
	}
	first := sample(1)
	assert.Equal(t, first, sample(1))
	assert.NotEqual(t, first, sample(2))

	// Sampling doesn't create variables in the model context.
	assert.Equal(t, 0, ctx.NumVariables())
}

func TestSamplerEulerMaruyama(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ve, err := schedule.NewVarianceExploding(schedule.DefaultSigma, 2, 0.01)
	require.NoError(t, err)
	const score = 0.5
	process := NewProcess(ve, func(_ *context.Context, noisy, _, _ *Node) *Node {
		return MulScalar(OnesLike(noisy), score)
	})
	ctx := context.New()

	// Two steps, t=1 then t=eps, both with dt = 1-eps.
	steps := ve.Steps(0)
	require.Len(t, steps, 2)
	_, dt := ve.Times(0)
	g1, gEps := ve.Diffusion(1), ve.Diffusion(0.01)
	require.InDelta(t, g1*g1*dt, steps[0].ScoreScale, 1e-9)
	require.InDelta(t, math.Sqrt(dt)*g1, steps[0].NoiseScale, 1e-9)
	require.InDelta(t, gEps*gEps*dt, steps[1].ScoreScale, 1e-9)

	const numSamples = 4096
	var afterFirst []float32
	samples, err := NewSampler(backend, ctx, process, numSamples, 1).
		Seed(7).
		Initial(tensors.FromFlatDataAndDimensions(make([]float32, numSamples), numSamples, 1)).
		OnStep(func(step schedule.Step, x *tensors.Tensor) {
			if step.Index == 0 {
				afterFirst = tensors.MustCopyFlatData[float32](x)
			}
		}).
		Done()
	require.NoError(t, err)
	require.Len(t, afterFirst, numSamples)

	// First step: x = g²·score·dt + √dt·g·z.
	values := make([]float64, numSamples)
	for ii, v := range afterFirst {
		values[ii] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	assert.InDelta(t, g1*g1*score*dt, mean, 2)
	assert.InDelta(t, math.Sqrt(dt)*g1, std, 0.05*math.Sqrt(dt)*g1)

	// Last step adds no noise: x_final = x + g(eps)²·score·dt exactly.
	for ii, v := range tensors.MustCopyFlatData[float32](samples) {
		require.InDelta(t, float64(afterFirst[ii])+gEps*gEps*score*dt, float64(v), 1e-3)
	}
}

func TestSamplerClipAndInitial(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sched := mustDiscrete(t, 20)
	process := NewProcess(sched, zeroModel)
	ctx := context.New()
	initial := tensors.FromValue([][]float32{{10, -10}, {0.5, -0.5}})
	samples, err := NewSampler(backend, ctx, process, 2, 2).
		Sampler(SamplerDDIM).
		Initial(initial).
		Clip(-1, 1).
		Done()
	require.NoError(t, err)
	for _, v := range tensors.MustCopyFlatData[float32](samples) {
		assert.LessOrEqual(t, v, float32(1))
		assert.GreaterOrEqual(t, v, float32(-1))
	}
}

func TestSamplerGuidance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sched := mustDiscrete(t, 10)

	// The model predicts the label as the noise, so conditional and unconditional predictions differ.
	const numClasses = 3
	model := func(ctx *context.Context, noisy, times, labels *Node) *Node {
		labelsF := ConvertDType(labels, noisy.DType())
		return BroadcastToShape(InsertAxes(labelsF, -1), noisy.Shape())
	}
	process := NewProcess(sched, model)
	process.NumClasses = numClasses
	ctx := context.New()

	_, err := NewSampler(backend, ctx, process, 2, 1).GuidanceScale(2).Done()
	require.Error(t, err, "guidance without labels should fail")

	// Guided prediction is (1+w)·cond - w·uncond, with the null label 3 for uncond.
	process.Parameterization = PredictNoise
	labels := tensors.FromValue([]int32{1, 2})
	cfg := NewSampler(backend, ctx, process, 2, 1).Labels(labels).GuidanceScale(2)
	prediction := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, x, times, labels *Node) *Node {
		return cfg.guidedPrediction(ctx, x, times, labels)
	}).MustExec([][]float32{{0}, {0}}, []int32{9, 9}, labels)[0]
	assert.Equal(t, []float32{-3, 0}, tensors.MustCopyFlatData[float32](prediction))

	// One DDIM step from x=0 to the clean sample: x0 = -Noise·ε/Signal, with the guided ε.
	samples, err := NewSampler(backend, ctx, process, 2, 1).
		Labels(labels).GuidanceScale(2).
		Sampler(SamplerDDIM).Steps(1).
		Initial(tensors.FromValue([][]float32{{0}, {0}})).
		Done()
	require.NoError(t, err)
	ratio := sched.SqrtOneMinusAlphaBars()[9] / sched.SqrtAlphaBars()[9]
	got := tensors.MustCopyFlatData[float32](samples)
	assert.InDelta(t, 3*ratio, float64(got[0]), 1e-4)
	assert.InDelta(t, 0.0, float64(got[1]), 1e-6)

	// Unconditional sampling of a conditional model uses the null label.
	_, err = NewSampler(backend, ctx, process, 2, 1).Done()
	require.NoError(t, err)

	// Labels given to an unconditional model.
	process.NumClasses = 0
	_, err = NewSampler(backend, ctx, process, 2, 1).Labels(tensors.FromValue([]int32{1, 2})).Done()
	require.Error(t, err)
}

func TestSamplerValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sched := mustDiscrete(t, 10)
	process := NewProcess(sched, zeroModel)
	ctx := context.New()

	_, err := NewSampler(backend, ctx, process, 0, 2).Done()
	require.Error(t, err)
	_, err = NewSampler(backend, ctx, process, 2).Done()
	require.Error(t, err)
	_, err = NewSampler(backend, ctx, process, 2, 2).Initial(tensors.FromValue([]float32{1, 2})).Done()
	require.Error(t, err)
	_, err = NewSampler(backend, ctx, process, 2, 2).Clip(1, -1).Done()
	require.Error(t, err)
	_, err = NewSampler(backend, ctx, process, 2, 2).DType(dtypes.Int32).Done()
	require.Error(t, err)

	ctx.SetParam(ParamSampler, "euler")
	_, err = NewSampler(backend, ctx, process, 2, 2).Done()
	require.Error(t, err)
}
