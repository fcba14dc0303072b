// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"math"
	"sync"

	"github.com/gomlx/diffusion/pkg/schedule"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SamplerKind selects the reverse process integrator.
type SamplerKind int

const (
	// SamplerAncestral is the stochastic sampler of the schedule: DDPM for variance-preserving schedules
	// and Euler–Maruyama for the variance-exploding one.
	SamplerAncestral SamplerKind = iota

	// SamplerDDIM is the deterministic DDIM sampler (η=0): it estimates x0 and the noise, and moves both
	// to the next marginal.
	SamplerDDIM

	// SamplerPredictorCorrector runs Langevin corrector steps before each ancestral (predictor) step.
	SamplerPredictorCorrector
)

//go:generate go tool enumer -type=SamplerKind -trimprefix=Sampler -transform=snake -values -text -output=gen_samplerkind_enumer.go sampler.go

// Default values of the Langevin corrector.
const (
	DefaultSNR            = 0.16
	DefaultCorrectorSteps = 1
)

// Positions of the per-step coefficients fed to the step graphs.
const (
	coefTime = iota
	coefSignal
	coefNoise
	coefNextSignal
	coefNextNoise
	coefXScale
	coefScoreScale
	coefNoiseScale
	numCoefs
)

// StepFn is called after each reverse step with the step just taken and the resulting samples.
type StepFn func(step schedule.Step, samples *tensors.Tensor)

// SampleConfig configures one sampling run of the reverse process. Create it with NewSampler or
// Session.Sample, set the options and call Done.
type SampleConfig struct {
	backend     backends.Backend
	ctx         *context.Context
	process     *Process
	lock        sync.Locker
	numSamples  int
	exampleDims []int
	dtype       dtypes.DType

	numSteps       int
	kind           SamplerKind
	clip           bool
	clipMin        float64
	clipMax        float64
	labels         *tensors.Tensor
	guidance       float64
	correctorSteps int
	snr            float64
	seed           int64
	hasSeed        bool
	initial        *tensors.Tensor
	useEMA         bool
	onStep         StepFn

	err error
}

// NewSampler creates a sampling configuration for numSamples examples shaped exampleDims, using the model
// variables in ctx. Defaults are read from the context hyperparameters (ParamSampleSteps, ParamSampler,
// ParamDType and ParamUseEMA).
//
// Sampling never creates nor changes variables of ctx: the noise is drawn from a separate random number
// generator, see SampleConfig.Seed.
func NewSampler(backend backends.Backend, ctx *context.Context, process *Process, numSamples int, exampleDims ...int) *SampleConfig {
	c := &SampleConfig{
		backend:        backend,
		ctx:            ctx,
		process:        process,
		numSamples:     numSamples,
		exampleDims:    exampleDims,
		numSteps:       context.GetParamOr(ctx, ParamSampleSteps, 0),
		correctorSteps: DefaultCorrectorSteps,
		snr:            DefaultSNR,
		useEMA:         context.GetParamOr(ctx, ParamUseEMA, false),
	}
	c.dtype, c.err = DTypeFromContext(ctx)
	if c.err == nil {
		c.kind, c.err = SamplerKindString(context.GetParamOr(ctx, ParamSampler, SamplerAncestral.String()))
		if c.err != nil {
			c.err = errors.WithMessagef(c.err, "invalid hyperparameter %q", ParamSampler)
		}
	}
	return c
}

// Steps sets the number of reverse steps. If <= 0, the schedule's NumSteps is used.
func (c *SampleConfig) Steps(numSteps int) *SampleConfig {
	c.numSteps = numSteps
	return c
}

// Sampler sets the kind of sampler.
func (c *SampleConfig) Sampler(kind SamplerKind) *SampleConfig {
	c.kind = kind
	return c
}

// DType of the samples. Default is given by ParamDType.
func (c *SampleConfig) DType(dtype dtypes.DType) *SampleConfig {
	c.dtype = dtype
	return c
}

// Clip the final samples to [minValue, maxValue]. By default, no clipping is done.
func (c *SampleConfig) Clip(minValue, maxValue float64) *SampleConfig {
	c.clip, c.clipMin, c.clipMax = true, minValue, maxValue
	return c
}

// Labels sets the int32 class of each sample, shaped [numSamples], for conditional models.
// If not set, conditional models sample unconditionally with the null class.
func (c *SampleConfig) Labels(labels *tensors.Tensor) *SampleConfig {
	c.labels = labels
	return c
}

// GuidanceScale sets the classifier-free guidance weight w: predictions are (1+w)·conditional - w·unconditional.
// It requires Labels. Default is 0 (no guidance).
func (c *SampleConfig) GuidanceScale(w float64) *SampleConfig {
	c.guidance = w
	return c
}

// CorrectorSteps sets the number of Langevin corrector steps per predictor step, for SamplerPredictorCorrector.
func (c *SampleConfig) CorrectorSteps(n int) *SampleConfig {
	c.correctorSteps = n
	return c
}

// SNR sets the signal-to-noise ratio used to size the Langevin corrector steps.
func (c *SampleConfig) SNR(snr float64) *SampleConfig {
	c.snr = snr
	return c
}

// Seed sets the seed of the random number generator of the noise, making sampling reproducible.
// If not set, a random seed is used.
func (c *SampleConfig) Seed(seed int64) *SampleConfig {
	c.seed, c.hasSeed = seed, true
	return c
}

// Initial sets the starting samples x_T, instead of drawing them from the terminal distribution.
func (c *SampleConfig) Initial(x *tensors.Tensor) *SampleConfig {
	c.initial = x
	return c
}

// UseEMA selects the moving average weights of the model, see ParamEMA.
func (c *SampleConfig) UseEMA(useEMA bool) *SampleConfig {
	c.useEMA = useEMA
	return c
}

// OnStep registers fn to be called after every reverse step.
func (c *SampleConfig) OnStep(fn StepFn) *SampleConfig {
	c.onStep = fn
	return c
}

func (c *SampleConfig) shape() shapes.Shape {
	return shapes.Make(c.dtype, append([]int{c.numSamples}, c.exampleDims...)...)
}

func (c *SampleConfig) validate() error {
	if c.err != nil {
		return c.err
	}
	if err := c.process.validate(); err != nil {
		return err
	}
	if c.numSamples <= 0 {
		return errors.Errorf("number of samples must be > 0, got %d", c.numSamples)
	}
	if len(c.exampleDims) == 0 {
		return errors.New("samples must have at least one axis besides the batch axis")
	}
	if !c.dtype.IsFloat() {
		return errors.Errorf("samples dtype must be float, got %s", c.dtype)
	}
	if !c.kind.IsASamplerKind() {
		return errors.Errorf("invalid sampler %s", c.kind)
	}
	if c.initial != nil && !c.initial.Shape().Equal(c.shape()) {
		return errors.Errorf("initial samples shaped %s, expected %s", c.initial.Shape(), c.shape())
	}
	if c.labels != nil {
		if c.process.NumClasses == 0 {
			return errors.New("labels given to an unconditional model")
		}
		if c.labels.DType() != dtypes.Int32 || c.labels.Rank() != 1 || c.labels.Shape().Dimensions[0] != c.numSamples {
			return errors.Errorf("labels must be int32 shaped [%d], got %s", c.numSamples, c.labels.Shape())
		}
	} else if c.guidance != 0 {
		return errors.New("classifier-free guidance requires labels")
	}
	if c.kind == SamplerPredictorCorrector && (c.correctorSteps < 0 || c.snr <= 0) {
		return errors.Errorf("invalid corrector configuration: steps=%d, snr=%g", c.correctorSteps, c.snr)
	}
	if c.clip && c.clipMin > c.clipMax {
		return errors.Errorf("invalid clip range [%g, %g]", c.clipMin, c.clipMax)
	}
	return nil
}

// Done runs the reverse process and returns the final samples.
//
// It starts from x_T ~ N(0, InitialStd²) (or the Initial samples) and takes one reverse step per
// schedule.Step. No noise is added at the last step.
func (c *SampleConfig) Done() (samples *tensors.Tensor, err error) {
	if err = c.validate(); err != nil {
		return nil, err
	}
	if c.lock != nil {
		c.lock.Lock()
		defer c.lock.Unlock()
	}
	err = exceptions.TryCatch[error](func() { samples = c.run() })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to sample diffusion model")
	}
	return
}

func (c *SampleConfig) run() *tensors.Tensor {
	shape := c.shape()
	sched := c.process.Schedule
	steps := sched.Steps(c.numSteps)
	klog.V(1).Infof("sampling %s with %s sampler, %d steps of %s schedule", shape, c.kind, len(steps), sched.Kind())

	// Noise comes from its own context, so sampling doesn't write into the model context.
	noiseCtx := context.New()
	if c.hasSeed {
		noiseCtx.SetRNGStateFromSeed(c.seed)
	} else {
		noiseCtx.ResetRNGState()
	}
	noiseExec := context.MustNewExec(c.backend, noiseCtx, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomNormal(g, shape)
	})

	x := c.initial
	if x == nil {
		initialStd := sched.InitialStd()
		x = context.MustNewExec(c.backend, noiseCtx, func(ctx *context.Context, g *Graph) *Node {
			return MulScalar(ctx.RandomNormal(g, shape), initialStd)
		}).MustExec()[0]
	}

	labels := c.labels
	if labels == nil && c.process.NumClasses > 0 {
		nullLabels := make([]int32, c.numSamples)
		for ii := range nullLabels {
			nullLabels[ii] = c.process.NullLabel()
		}
		labels = tensors.FromValue(nullLabels)
	}

	modelCtx := c.ctx.Reuse()
	nanLogger := c.process.NanLogger
	stepExec := context.MustNewExec(c.backend, modelCtx, c.stepGraph)
	if nanLogger != nil {
		nanLogger.AttachToExec(stepExec)
	}
	var correctorExec *context.Exec
	if c.kind == SamplerPredictorCorrector && c.correctorSteps > 0 {
		correctorExec = context.MustNewExec(c.backend, modelCtx, c.correctorGraph)
		if nanLogger != nil {
			nanLogger.AttachToExec(correctorExec)
		}
	}
	zeros := tensors.FromShape(shape)

	args := func(x, z *tensors.Tensor, coefs *tensors.Tensor) []any {
		if labels != nil {
			return []any{x, z, coefs, labels}
		}
		return []any{x, z, coefs}
	}
	for _, step := range steps {
		coefs := stepCoefficients(step)
		if correctorExec != nil && !step.Last {
			for range c.correctorSteps {
				x = correctorExec.MustExec(args(x, noiseExec.MustExec()[0], coefs)...)[0]
			}
		}
		z := zeros
		if !step.Last && c.kind != SamplerDDIM {
			z = noiseExec.MustExec()[0]
		}
		x = stepExec.MustExec(args(x, z, coefs)...)[0]
		if c.onStep != nil {
			c.onStep(step, x)
		}
	}

	if c.clip {
		clipMin, clipMax := c.clipMin, c.clipMax
		x = MustNewExec(c.backend, func(x *Node) *Node {
			return ClipScalar(x, clipMin, clipMax)
		}).MustExec(x)[0]
	}
	return x
}

// stepCoefficients packs the step coefficients in the order given by the coef* constants.
func stepCoefficients(step schedule.Step) *tensors.Tensor {
	coefs := make([]float64, numCoefs)
	coefs[coefTime] = step.Time
	coefs[coefSignal] = step.Signal
	coefs[coefNoise] = step.Noise
	coefs[coefNextSignal] = step.NextSignal
	coefs[coefNextNoise] = step.NextNoise
	coefs[coefXScale] = step.XScale
	coefs[coefScoreScale] = step.ScoreScale
	coefs[coefNoiseScale] = step.NoiseScale
	return tensors.FromValue(coefs)
}

// unpackStepInputs returns the samples, the noise, a function to read the step coefficients,
// the per-example times and the labels (or nil).
func unpackStepInputs(ctx *context.Context, inputs []*Node) (x, z *Node, coef func(int) *Node, times, labels *Node) {
	x, z = inputs[0], inputs[1]
	g := x.Graph()
	ctx.SetTraining(g, false)
	coefs := ConvertDType(inputs[2], x.DType())
	coef = func(ii int) *Node {
		return Reshape(Slice(coefs, AxisElem(ii)))
	}
	times = BroadcastToDims(coef(coefTime), x.Shape().Dimensions[0])
	if len(inputs) > 3 {
		labels = inputs[3]
	}
	return
}

// guidedPrediction returns the model prediction, with classifier-free guidance if configured.
func (c *SampleConfig) guidedPrediction(ctx *context.Context, x, times, labels *Node) *Node {
	p := c.process
	prediction := p.Predict(ctx, x, times, labels, c.useEMA)
	if labels != nil && c.guidance != 0 {
		nullLabels := BroadcastToShape(Scalar(x.Graph(), dtypes.Int32, p.NullLabel()), labels.Shape())
		unconditional := p.Predict(ctx, x, times, nullLabels, c.useEMA)
		prediction = Add(prediction, MulScalar(Sub(prediction, unconditional), c.guidance))
	}
	return prediction
}

// stepGraph builds one reverse step.
func (c *SampleConfig) stepGraph(ctx *context.Context, inputs []*Node) *Node {
	p := c.process
	x, z, coef, times, labels := unpackStepInputs(ctx, inputs)
	prediction := c.guidedPrediction(ctx, x, times, labels)
	noiseScale := coef(coefNoise)

	if c.kind == SamplerDDIM {
		predictedNoise := p.ToNoise(prediction, noiseScale)
		predictedX0 := Div(Sub(x, Mul(noiseScale, predictedNoise)), coef(coefSignal))
		return Add(Mul(coef(coefNextSignal), predictedX0), Mul(coef(coefNextNoise), predictedNoise))
	}

	// Ancestral step: x_next = XScale·x + ScoreScale·score + NoiseScale·z.
	score := p.ToScore(prediction, noiseScale)
	mean := Add(Mul(coef(coefXScale), x), Mul(coef(coefScoreScale), score))
	p.NanLogger.TraceFirstNaN(mean, "mean")
	return Add(mean, Mul(coef(coefNoiseScale), z))
}

// correctorGraph builds one Langevin corrector step, with the step size set by the signal-to-noise ratio:
//
//	ε = 2·(snr·‖z‖/‖score‖)², x_next = x + ε·score + √(2ε)·z
func (c *SampleConfig) correctorGraph(ctx *context.Context, inputs []*Node) *Node {
	p := c.process
	x, z, coef, times, labels := unpackStepInputs(ctx, inputs)
	prediction := c.guidedPrediction(ctx, x, times, labels)
	score := p.ToScore(prediction, coef(coefNoise))

	exampleAxes := make([]int, x.Rank()-1)
	exampleSize := 1
	for ii := range exampleAxes {
		exampleAxes[ii] = ii + 1
	}
	for _, dim := range exampleShape(x.Shape()) {
		exampleSize *= dim
	}
	scoreNorm := ReduceAllMean(Sqrt(ReduceSum(Square(score), exampleAxes...)))
	noiseNorm := math.Sqrt(float64(exampleSize))
	stepSize := MulScalar(Square(Div(Scalar(x.Graph(), x.DType(), c.snr*noiseNorm), scoreNorm)), 2)
	return Add(
		Add(x, Mul(stepSize, score)),
		Mul(Sqrt(MulScalar(stepSize, 2)), z))
}
