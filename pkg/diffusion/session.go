// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"sync"
	"time"

	"github.com/gomlx/diffusion/pkg/schedule"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for a Session, created with New. Set the options and call Done.
type Config struct {
	backend     backends.Backend
	ctx         *context.Context
	process     *Process
	optimizer   optimizers.Interface
	checkpoint  *checkpoints.Handler
	progressBar bool
	err         error
}

// New creates the configuration of a diffusion Session training model with the given schedule.
//
// ctx holds the hyperparameters (see CreateDefaultContext) and will hold the model variables, the
// optimizer state and the random number generator state. The defaults of the options are read from
// its hyperparameters.
func New(backend backends.Backend, ctx *context.Context, sched schedule.Schedule, model ModelFn) *Config {
	c := &Config{
		backend: backend,
		ctx:     ctx,
	}
	if sched == nil {
		c.err = errors.New("diffusion.New requires a schedule")
		return c
	}
	c.process = NewProcess(sched, model)
	if name := context.GetParamOr(ctx, ParamParameterization, ""); name != "" {
		c.process.Parameterization, c.err = ParameterizationString(name)
		if c.err != nil {
			c.err = errors.WithMessagef(c.err, "invalid hyperparameter %q", ParamParameterization)
		}
	}
	c.process.NumClasses = context.GetParamOr(ctx, ParamNumClasses, 0)
	if c.process.NumClasses > 0 {
		c.process.UncondProb = context.GetParamOr(ctx, ParamUncondProb, 0.0)
	}
	if context.GetParamOr(ctx, ParamNanLogger, false) {
		c.process.NanLogger = nanlogger.New()
	}
	return c
}

// FromContext creates the Session configuration with the schedule configured in ctx, see schedule.FromContext.
func FromContext(backend backends.Backend, ctx *context.Context, model ModelFn) *Config {
	sched, err := schedule.FromContext(ctx)
	c := New(backend, ctx, sched, model)
	if err != nil {
		c.err = err
	}
	return c
}

// Parameterization sets what the model predicts. Default is given by ParamParameterization, or
// DefaultParameterization of the schedule.
func (c *Config) Parameterization(p Parameterization) *Config {
	if c.process != nil {
		c.process.Parameterization = p
	}
	return c
}

// NumClasses of a conditional model. 0 (the default, unless ParamNumClasses is set) for unconditional models.
func (c *Config) NumClasses(numClasses int) *Config {
	if c.process != nil {
		c.process.NumClasses = numClasses
	}
	return c
}

// UncondProb sets the probability of dropping the label during training, see ParamUncondProb.
func (c *Config) UncondProb(prob float64) *Config {
	if c.process != nil {
		c.process.UncondProb = prob
	}
	return c
}

// Optimizer to use for training. Default is optimizers.FromContext.
func (c *Config) Optimizer(optimizer optimizers.Interface) *Config {
	c.optimizer = optimizer
	return c
}

// NanLogger sets the NanLogger used to trace NaNs in training and sampling. Set to nil to disable.
// Default is to create one if ParamNanLogger is set.
func (c *Config) NanLogger(l *nanlogger.NanLogger) *Config {
	if c.process != nil {
		c.process.NanLogger = l
	}
	return c
}

// Checkpoint sets a checkpoint handler already built on the same context. It is the alternative to
// Session.AttachCheckpoint when the hyperparameters saved in the checkpoint must be loaded before
// creating the Config, since New reads them.
func (c *Config) Checkpoint(handler *checkpoints.Handler) *Config {
	c.checkpoint = handler
	return c
}

// ProgressBar enables a progress bar on the command line during Session.Train.
func (c *Config) ProgressBar(enabled bool) *Config {
	c.progressBar = enabled
	return c
}

// Done validates the configuration and creates the Session.
func (c *Config) Done() (*Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.backend == nil || c.ctx == nil {
		return nil, errors.New("diffusion session requires a backend and a context")
	}
	if err := c.process.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		backend:     c.backend,
		ctx:         c.ctx,
		process:     c.process,
		checkpoint:  c.checkpoint,
		progressBar: c.progressBar,
	}
	optimizer := c.optimizer
	err := exceptions.TryCatch[error](func() {
		if optimizer == nil {
			optimizer = optimizers.FromContext(c.ctx)
		}
		s.trainer = train.NewTrainer(c.backend, c.ctx, c.process.TrainingModelFn(), LossFromPredictions,
			optimizer,
			[]metrics.Interface{}, // trainMetrics
			[]metrics.Interface{}) // evalMetrics
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create diffusion trainer")
	}
	if nanLogger := c.process.NanLogger; nanLogger != nil {
		s.trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			nanLogger.AttachToExec(exec)
		})
	}
	return s, nil
}

// Session owns a diffusion model: the context with its variables, the trainer and the checkpoint.
//
// Training takes the write lock and increments the Generation of the parameters. Sampling and loss evaluation
// take the read lock, so they always see a consistent snapshot of the parameters. All methods are safe
// for concurrent use.
type Session struct {
	backend     backends.Backend
	ctx         *context.Context
	process     *Process
	trainer     *train.Trainer
	checkpoint  *checkpoints.Handler
	progressBar bool

	mu           sync.RWMutex
	generation   uint64
	reuseContext bool

	execMu      sync.Mutex
	lossExec    *context.Exec
	forwardExec *Exec
}

// Backend used by the session.
func (s *Session) Backend() backends.Backend { return s.backend }

// Context holding the hyperparameters and the variables of the session.
// Changing its variables while the session is in use is not safe.
func (s *Session) Context() *context.Context { return s.ctx }

// Process with the schedule and the model of the session.
func (s *Session) Process() *Process { return s.process }

// Schedule of the session.
func (s *Session) Schedule() schedule.Schedule { return s.process.Schedule }

// Generation is incremented at every training step: two reads with the same generation saw the
// same parameters.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// GlobalStep returns the number of optimizer steps taken so far, including those restored from a checkpoint.
func (s *Session) GlobalStep() int64 {
	// The global step variable is created on first use.
	s.mu.Lock()
	defer s.mu.Unlock()
	return optimizers.GetGlobalStep(s.ctx)
}

// NumParameters returns the number of scalar parameters of the model, excluding the moving average copy.
func (s *Session) NumParameters() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx.In(ModelScope).NumParameters()
}

// AttachCheckpoint loads the latest checkpoint from dir, if there is one, and saves new ones there,
// keeping the last keep checkpoints (all if keep < 0).
//
// Hyperparameters saved in the checkpoint override those of the context, except ParamsExcludedFromLoading.
// Hyperparameters listed in excludeParams, typically those set in the command line, are also kept.
// It should be called before training or sampling.
func (s *Session) AttachCheckpoint(dir string, keep int, excludeParams ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkpoint, err := checkpoints.Build(s.ctx).
		Dir(dir).
		Keep(keep).
		ExcludeParams(append(excludeParams, ParamsExcludedFromLoading...)...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to attach checkpoint %q", dir)
	}
	s.checkpoint = checkpoint
	klog.V(1).Infof("checkpoint attached to %q", checkpoint.Dir())
	return nil
}

// Checkpoint attached to the session, or nil.
func (s *Session) Checkpoint() *checkpoints.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint
}

// Save a checkpoint of the current parameters. It requires AttachCheckpoint.
func (s *Session) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checkpoint == nil {
		return errors.New("no checkpoint attached to diffusion session")
	}
	return s.checkpoint.Save()
}

// prepareTrainer must be called with the write lock held.
func (s *Session) prepareTrainer() error {
	if s.reuseContext {
		return nil
	}
	return exceptions.TryCatch[error](func() {
		if optimizers.GetGlobalStep(s.ctx) > 0 {
			// Variables were restored from a checkpoint.
			s.trainer.SetContext(s.ctx.Reuse())
		}
		s.reuseContext = true
	})
}

// TrainStep runs one optimizer step on the batch x0 and returns the batch loss.
// labels must be given (int32 shaped [batchSize]) for conditional models, and nil otherwise.
func (s *Session) TrainStep(x0, labels *tensors.Tensor) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepareTrainer(); err != nil {
		return 0, err
	}
	inputs := []*tensors.Tensor{x0}
	if s.process.NumClasses > 0 {
		if labels == nil {
			return 0, errors.Errorf("diffusion model conditioned on %d classes requires labels", s.process.NumClasses)
		}
		inputs = append(inputs, labels)
	}
	metrics, err := s.trainer.TrainStep(nil, inputs, nil)
	if err != nil {
		return 0, errors.WithMessage(err, "diffusion train step failed")
	}
	s.generation++
	return scalarToFloat64(metrics[0])
}

// Train runs steps training steps on ds, using a train.Loop. ds must yield the clean samples as the first
// input and, for conditional models, the labels as the second input.
//
// If a checkpoint is attached, it is saved every ParamCheckpointFrequency and at the end.
// Sampling and loss evaluation wait until training finishes.
func (s *Session) Train(ds train.Dataset, steps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepareTrainer(); err != nil {
		return err
	}
	loop := train.NewLoop(s.trainer)
	if s.progressBar {
		commandline.AttachProgressBar(loop)
	}
	loop.OnStep("generation", 0, func(_ *train.Loop, _ []*tensors.Tensor) error {
		s.generation++
		return nil
	})
	if s.checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(s.ctx, ParamCheckpointFrequency, "1m"))
		if err != nil {
			return errors.Wrapf(err, "invalid hyperparameter %q", ParamCheckpointFrequency)
		}
		checkpoint := s.checkpoint
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(_ *train.Loop, _ []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}
	_, err := loop.RunSteps(ds, steps)
	klog.V(1).Infof("trained %d steps, median train step: %s", loop.LoopStep-loop.StartStep, loop.MedianTrainStepDuration())
	if err != nil {
		if s.checkpoint != nil && loop.LoopStep > loop.StartStep {
			klog.Infof("Debug checkpoint save before failing at loop step %d", loop.LoopStep)
			if errSave := s.checkpoint.Save(); errSave != nil {
				klog.Errorf("Error while saving checkpoint before failing: %+v", errSave)
			}
		}
		return errors.WithMessage(err, "diffusion training failed")
	}
	return nil
}

// Loss evaluates the loss of the batch x0 noised to the given times with the given noise, without
// changing the parameters. See Process.LossWithNoiseGraph.
func (s *Session) Loss(x0, times, noise, labels *tensors.Tensor) (loss float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inputs := []any{x0, times, noise}
	if s.process.NumClasses > 0 {
		if labels == nil {
			return 0, errors.Errorf("diffusion model conditioned on %d classes requires labels", s.process.NumClasses)
		}
		inputs = append(inputs, labels)
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = s.getLossExec().MustExec(inputs...)
	})
	if err != nil {
		return 0, errors.WithMessage(err, "failed to evaluate diffusion loss")
	}
	return scalarToFloat64(outputs[0])
}

func (s *Session) getLossExec() *context.Exec {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.lossExec == nil {
		p := s.process
		s.lossExec = context.MustNewExec(s.backend, s.ctx.Reuse(), func(ctx *context.Context, inputs []*Node) *Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, false)
			var labels *Node
			if len(inputs) > 3 {
				labels = inputs[3]
			}
			return p.LossWithNoiseGraph(ctx, inputs[0], inputs[1], inputs[2], labels)
		})
		if p.NanLogger != nil {
			p.NanLogger.AttachToExec(s.lossExec)
		}
	}
	return s.lossExec
}

// Forward noises x0 to the given times with the given noise. It doesn't use the model.
func (s *Session) Forward(x0, times, noise *tensors.Tensor) (noisy *tensors.Tensor, err error) {
	s.execMu.Lock()
	if s.forwardExec == nil {
		sched := s.process.Schedule
		s.forwardExec, err = NewExec(s.backend, func(x0, times, noise *Node) *Node {
			return Forward(sched, x0, times, noise)
		})
	}
	exec := s.forwardExec
	s.execMu.Unlock()
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		noisy = exec.MustExec(x0, times, noise)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run diffusion forward process")
	}
	return
}

// Sample returns the configuration of a sampling run of numSamples examples shaped exampleDims.
// Done runs it under the session read lock.
func (s *Session) Sample(numSamples int, exampleDims ...int) *SampleConfig {
	c := NewSampler(s.backend, s.ctx, s.process, numSamples, exampleDims...)
	c.lock = s.mu.RLocker()
	return c
}

// GaussianNoise returns standard normal noise shaped like x, drawn from the session random number generator.
func (s *Session) GaussianNoise(x *tensors.Tensor) (noise *tensors.Tensor, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape := x.Shape()
	err = exceptions.TryCatch[error](func() {
		noise = context.MustNewExec(s.backend, s.ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
			return ctx.RandomNormal(g, shape)
		}).MustExec()[0]
	})
	return
}

// scalarToFloat64 converts a float scalar tensor, as returned by the loss, to float64.
func scalarToFloat64(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a float scalar loss, got %s", t.Shape())
	}
}
