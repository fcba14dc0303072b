// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/diffusion/pkg/datasets/toy"
	"github.com/gomlx/diffusion/pkg/diffusion"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// trainModel trains the model on the toy dataset until the global step reaches train_steps.
func trainModel(ctx *context.Context, paramsSet []string) error {
	backend := backends.MustNew()
	checkpoint, err := loadCheckpoint(ctx, paramsSet, false, false)
	if err != nil {
		return err
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	session, kind, err := newSession(backend, ctx, checkpoint)
	if err != nil {
		return err
	}

	batchSize := context.GetParamOr(ctx, diffusion.ParamBatchSize, 256)
	seed := int64(session.GlobalStep()) // A different stream of examples when resuming.
	ds, err := toy.New(backend, kind, batchSize, seed)
	if err != nil {
		return err
	}
	dtype, err := diffusion.DTypeFromContext(ctx)
	if err != nil {
		return err
	}
	ds.ImageSize(context.GetParamOr(ctx, ParamImageSize, toy.DefaultImageSize)).DType(dtype)

	numTrainSteps := context.GetParamOr(ctx, diffusion.ParamTrainSteps, 0)
	globalStep := int(session.GlobalStep())
	if *flagVerbosity >= 1 {
		fmt.Printf("Dataset: %s, model parameters: %s, schedule: %s\n",
			ds.Name(), humanize.Comma(int64(session.NumParameters())), session.Schedule().Kind())
	}
	if globalStep >= numTrainSteps {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a larger value with "+
			"-set=\"%s=<new_value>\".\n", numTrainSteps, diffusion.ParamTrainSteps)
		return nil
	}
	if err := session.Train(ds, numTrainSteps-globalStep); err != nil {
		return err
	}
	if checkpoint != nil {
		if err := session.Save(); err != nil {
			return err
		}
	}

	// Final loss on a fresh batch, with fresh noise.
	x0, labels, err := ds.Batch()
	if err != nil {
		return err
	}
	if session.Process().NumClasses == 0 {
		labels = nil
	}
	loss, err := evalLoss(session, x0, labels)
	if err != nil {
		return errors.WithMessage(err, "failed to evaluate final loss")
	}
	klog.V(1).Infof("final global step: %d", session.GlobalStep())
	fmt.Printf("Final loss: %.4g (global step %s)\n", loss, humanize.Comma(session.GlobalStep()))
	return nil
}

// evalLoss evaluates the loss of the batch x0 at times spread over the schedule, with fresh noise.
func evalLoss(session *diffusion.Session, x0, labels *tensors.Tensor) (float64, error) {
	batchSize := x0.Shape().Dimensions[0]
	steps := session.Schedule().Steps(0)
	var times *tensors.Tensor
	if session.Schedule().IsDiscrete() {
		values := make([]int32, batchSize)
		for ii := range values {
			values[ii] = int32(steps[ii*len(steps)/batchSize].Time)
		}
		times = tensors.FromValue(values)
	} else {
		values := make([]float32, batchSize)
		for ii := range values {
			values[ii] = float32(steps[ii*len(steps)/batchSize].Time)
		}
		times = tensors.FromValue(values)
	}
	noise, err := session.GaussianNoise(x0)
	if err != nil {
		return 0, err
	}
	return session.Loss(x0, times, noise, labels)
}
