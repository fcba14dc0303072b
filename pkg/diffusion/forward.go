// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"github.com/gomlx/diffusion/pkg/schedule"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Forward returns the noised samples x_t = Signal(t)·x0 + Noise(t)·noise.
//
//   - x0: clean samples shaped [batchSize, ...].
//   - times: one time per example, shaped [batchSize]: int indices for discrete schedules, or floats in [0, 1].
//   - noise: standard Gaussian noise shaped like x0.
//
// It is deterministic: all randomness comes from the given noise.
func Forward(sched schedule.Schedule, x0, times, noise *Node) *Node {
	checkSamplesAndTimes(x0, times)
	if !noise.Shape().Equal(x0.Shape()) {
		exceptions.Panicf("diffusion.Forward: noise shape %s doesn't match samples shape %s", noise.Shape(), x0.Shape())
	}
	signal, noiseScale := sched.MarginalGraph(times, x0.DType())
	signal = perExample(signal, x0.Rank())
	noiseScale = perExample(noiseScale, x0.Rank())
	return Add(Mul(signal, x0), Mul(noiseScale, noise))
}

// checkSamplesAndTimes panics if times is not one value per example of samples.
func checkSamplesAndTimes(samples, times *Node) {
	if samples.Rank() < 1 {
		exceptions.Panicf("diffusion samples must have a batch axis, got shape %s", samples.Shape())
	}
	batchSize := samples.Shape().Dimensions[0]
	if times.Rank() != 1 || times.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("diffusion times must be shaped [%d] (one per example), got %s", batchSize, times.Shape())
	}
}

// perExample reshapes a [batchSize] value to [batchSize, 1, ..., 1] with the given rank, so it broadcasts
// over the samples.
func perExample(x *Node, rank int) *Node {
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	if x.IsScalar() {
		return Reshape(x, dims...)
	}
	dims[0] = x.Shape().Dimensions[0]
	return Reshape(x, dims...)
}

// exampleShape returns the shape of one example, without the batch axis.
func exampleShape(shape shapes.Shape) []int {
	return shape.Dimensions[1:]
}
