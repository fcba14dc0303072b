// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// diffusion trains diffusion models on the toy datasets, samples from them and inspects schedules and
// checkpoints.
//
// Examples:
//
//	diffusion -mode=train -checkpoint=~/work/moons -dataset=moons -set="train_steps=20000"
//	diffusion -mode=sample -checkpoint=~/work/moons -samples=1000 -sampler=ddim -sample_steps=50
//	diffusion -mode=schedule -set="schedule=angular;diffusion_steps=20"
//	diffusion -mode=inspect -checkpoint=~/work/moons
package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gomlx/diffusion/pkg/datasets/toy"
	"github.com/gomlx/diffusion/pkg/denoisers"
	"github.com/gomlx/diffusion/pkg/diffusion"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagMode       = flag.String("mode", "train", "One of: train, sample, schedule or inspect.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"If left empty, no checkpoints are created. Required by -mode=sample and -mode=inspect.")
	flagDataset = flag.String("dataset", "", fmt.Sprintf(
		"Toy dataset to train on, one of %v. If empty, the value of the hyperparameter %q is used.",
		toy.KindStrings(), ParamDataset))
	flagNumSamples  = flag.Int("samples", 16, "Number of samples to generate in -mode=sample.")
	flagSampleSteps = flag.Int("sample_steps", 0, "Number of reverse steps. If 0, the hyperparameter sample_steps is used.")
	flagSampler     = flag.String("sampler", "", fmt.Sprintf(
		"Sampler, one of %v. If empty, the hyperparameter sampler is used.", diffusion.SamplerKindStrings()))
	flagGuidance  = flag.Float64("guidance", 0, "Classifier-free guidance scale, for conditional models.")
	flagLabel     = flag.Int("label", -1, "Label to sample, for conditional models. If negative, labels are distributed uniformly.")
	flagOutput    = flag.String("output", "", "File where to save the samples tensor. If empty a unique name in the checkpoint directory is used.")
	flagSeed      = flag.Int64("seed", 0, "Seed for the sampling random number generator. If 0, a random seed is used.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// Hyperparameters specific to the command line.
const (
	// ParamDataset is the toy dataset, see toy.KindValues.
	ParamDataset = "dataset"

	// ParamImageSize of the toy "squares" images.
	ParamImageSize = "image_size"

	// ParamConditional trains a model conditioned on the toy dataset labels.
	ParamConditional = "conditional"
)

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagDataset != "" {
		ctx.SetParam(ParamDataset, *flagDataset)
		paramsSet = append(paramsSet, ParamDataset)
	}

	err := exceptions.TryCatch[error](func() {
		switch *flagMode {
		case "train":
			check(trainModel(ctx, paramsSet))
		case "sample":
			check(sampleModel(ctx, paramsSet))
		case "schedule":
			check(printSchedule(ctx))
		case "inspect":
			check(inspectCheckpoint(ctx, paramsSet))
		default:
			exceptions.Panicf("invalid -mode=%q: valid values are train, sample, schedule or inspect", *flagMode)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// createDefaultContext extends diffusion.CreateDefaultContext with the command line hyperparameters.
func createDefaultContext() *context.Context {
	ctx := diffusion.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamDataset:     toy.KindMoons.String(),
		ParamImageSize:   toy.DefaultImageSize,
		ParamConditional: false,
	})
	return ctx
}

// check panics with the error, which is caught and reported in main.
func check(err error) {
	if err != nil {
		panic(err)
	}
}

// expandPath expands a leading "~" to the home directory.
func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home := must.M1(os.UserHomeDir())
		return path.Join(home, p[1:])
	}
	return p
}

// loadCheckpoint loads the hyperparameters (and lazily the variables) of the checkpoint into ctx.
// The hyperparameters in paramsSet are not overwritten.
// If mustExist is true, it fails if the checkpoint directory doesn't exist. If immediate is true, the
// variables are loaded right away, instead of when first used.
func loadCheckpoint(ctx *context.Context, paramsSet []string, mustExist, immediate bool) (*checkpoints.Handler, error) {
	if *flagCheckpoint == "" {
		if mustExist {
			return nil, errors.Errorf("-mode=%s requires -checkpoint", *flagMode)
		}
		return nil, nil
	}
	dir := expandPath(*flagCheckpoint)
	if mustExist {
		if _, err := os.Stat(dir); err != nil {
			return nil, errors.Wrapf(err, "checkpoint %q not found", dir)
		}
	}
	config := checkpoints.Build(ctx).
		Dir(dir).
		Keep(context.GetParamOr(ctx, diffusion.ParamNumCheckpoints, 3)).
		ExcludeParams(append(paramsSet, diffusion.ParamsExcludedFromLoading...)...)
	if immediate {
		config = config.Immediate()
	}
	checkpoint, err := config.Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint %q", dir)
	}
	if *flagVerbosity >= 1 {
		fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
	}
	return checkpoint, nil
}

// newSession creates the diffusion session for the toy dataset configured in ctx.
func newSession(backend backends.Backend, ctx *context.Context, checkpoint *checkpoints.Handler) (*diffusion.Session, toy.Kind, error) {
	kind, err := toy.KindString(context.GetParamOr(ctx, ParamDataset, toy.KindMoons.String()))
	if err != nil {
		return nil, kind, errors.WithMessagef(err, "invalid hyperparameter %q", ParamDataset)
	}
	if kind == toy.KindSquares && context.GetParamOr(ctx, denoisers.ParamModel, "fnn") == "fnn" {
		klog.V(1).Infof("dataset %s requires an image model, using \"unet\"", kind)
		ctx.SetParam(denoisers.ParamModel, "unet")
	}
	if context.GetParamOr(ctx, ParamConditional, false) {
		ctx.SetParam(diffusion.ParamNumClasses, toy.NumClasses(kind))
	}
	model, err := denoisers.FromContext(ctx)
	if err != nil {
		return nil, kind, err
	}
	session, err := diffusion.FromContext(backend, ctx, model).
		Checkpoint(checkpoint).
		ProgressBar(*flagVerbosity >= 0).
		Done()
	return session, kind, err
}
