// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/diffusion/pkg/datasets/toy"
	"github.com/gomlx/diffusion/pkg/diffusion"
	"github.com/gomlx/diffusion/pkg/schedule"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// sampleModel generates samples from the model in the checkpoint, saves them and prints their statistics.
func sampleModel(ctx *context.Context, paramsSet []string) error {
	backend := backends.MustNew()
	checkpoint, err := loadCheckpoint(ctx, paramsSet, true, false)
	if err != nil {
		return err
	}
	session, kind, err := newSession(backend, ctx, checkpoint)
	if err != nil {
		return err
	}
	if session.GlobalStep() == 0 {
		klog.Warningf("checkpoint %q has no trained model, samples will be noise", checkpoint.Dir())
	}

	numSamples := *flagNumSamples
	imageSize := context.GetParamOr(ctx, ParamImageSize, toy.DefaultImageSize)
	cfg := session.Sample(numSamples, toy.ExampleShape(kind, imageSize)...)
	numSteps := context.GetParamOr(ctx, diffusion.ParamSampleSteps, 0)
	if *flagSampleSteps > 0 {
		numSteps = *flagSampleSteps
	}
	cfg.Steps(numSteps)
	if *flagSampler != "" {
		samplerKind, err := diffusion.SamplerKindString(*flagSampler)
		if err != nil {
			return errors.WithMessage(err, "invalid -sampler")
		}
		cfg.Sampler(samplerKind)
	}
	if kind == toy.KindSquares {
		cfg.Clip(-1, 1)
	}
	seed := *flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	cfg.Seed(seed)

	var labels []int32
	if numClasses := session.Process().NumClasses; numClasses > 0 {
		labels = make([]int32, numSamples)
		for ii := range labels {
			if *flagLabel >= 0 {
				labels[ii] = int32(*flagLabel)
			} else {
				labels[ii] = int32(ii % numClasses)
			}
		}
		cfg.Labels(tensors.FromValue(labels)).GuidanceScale(*flagGuidance)
	} else if *flagLabel >= 0 || *flagGuidance != 0 {
		klog.Warningf("model is unconditional: -label and -guidance are ignored")
	}

	if *flagVerbosity >= 0 {
		bar := progressbar.NewOptions(len(session.Schedule().Steps(numSteps)),
			progressbar.OptionSetDescription("Sampling"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
		cfg.OnStep(func(step schedule.Step, _ *tensors.Tensor) {
			_ = bar.Add(1)
			if step.Last {
				_ = bar.Finish()
				fmt.Println()
			}
		})
	}
	start := time.Now()
	samples, err := cfg.Done()
	if err != nil {
		return err
	}
	klog.V(1).Infof("sampled %d examples in %s", numSamples, time.Since(start))

	output := *flagOutput
	if output == "" {
		output = path.Join(checkpoint.Dir(), fmt.Sprintf("samples_%s.tensor", uuid.NewString()))
	} else {
		output = expandPath(output)
	}
	if err := samples.Save(output); err != nil {
		return errors.WithMessagef(err, "failed to save samples to %q", output)
	}
	fmt.Printf("Samples saved to %q\n", output)
	printSamplesStats(samples, labels)
	return nil
}

// printSamplesStats prints the mean and standard deviation of each coordinate of the samples, or of all
// pixels for images, grouped by label when labels are given.
func printSamplesStats(samples *tensors.Tensor, labels []int32) {
	values := tensorToFloat64(samples)
	numSamples := samples.Shape().Dimensions[0]
	exampleSize := samples.Shape().Size() / numSamples
	numCoords := exampleSize
	if samples.Rank() > 2 {
		numCoords = 1
	}

	groups := map[int32][]int{-1: nil}
	groupKeys := []int32{-1}
	for ii := range numSamples {
		groups[-1] = append(groups[-1], ii)
		if labels != nil {
			label := labels[ii]
			if _, found := groups[label]; !found {
				groupKeys = append(groupKeys, label)
			}
			groups[label] = append(groups[label], ii)
		}
	}

	fmt.Println(titleStyle.Render("Samples"))
	header := []string{"label", "count"}
	for coord := range numCoords {
		if numCoords == 1 {
			header = append(header, "mean", "std")
		} else {
			header = append(header, fmt.Sprintf("mean[%d]", coord), fmt.Sprintf("std[%d]", coord))
		}
	}
	table := newPlainTable(header...)
	for _, key := range groupKeys {
		indices := groups[key]
		name := "all"
		if key >= 0 {
			name = fmt.Sprintf("%d", key)
		}
		row := []string{name, fmt.Sprintf("%d", len(indices))}
		for coord := range numCoords {
			var column []float64
			for _, ii := range indices {
				example := values[ii*exampleSize : (ii+1)*exampleSize]
				if numCoords == 1 {
					column = append(column, example...)
				} else {
					column = append(column, example[coord])
				}
			}
			mean, std := stat.MeanStdDev(column, nil)
			row = append(row, fmt.Sprintf("%.4f", mean), fmt.Sprintf("%.4f", std))
		}
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

// tensorToFloat64 returns the flat values of a float32 or float64 tensor.
func tensorToFloat64(t *tensors.Tensor) []float64 {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t)
	case dtypes.Float32:
		flat := tensors.MustCopyFlatData[float32](t)
		values := make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v)
		}
		return values
	default:
		exceptions.Panicf("statistics of samples with dtype %s not supported", t.DType())
	}
	return nil
}
