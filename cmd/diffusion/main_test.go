// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/diffusion/pkg/schedule"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, path.Join(home, "work/moons"), expandPath("~/work/moons"))
	assert.Equal(t, "/tmp/moons", expandPath("/tmp/moons"))
}

func TestPrintSchedule(t *testing.T) {
	for _, kind := range schedule.KindValues() {
		ctx := createDefaultContext()
		ctx.SetParam(schedule.ParamSchedule, kind.String())
		ctx.SetParam(schedule.ParamNumSteps, 50)
		require.NoError(t, printSchedule(ctx), "schedule %s", kind)
	}
	ctx := createDefaultContext()
	ctx.SetParam(schedule.ParamSchedule, "cosine_with_restarts")
	require.Error(t, printSchedule(ctx))
}

func TestSamplesStats(t *testing.T) {
	points := tensors.FromValue([][]float32{{1, -1}, {3, -3}, {0, 0}})
	assert.Equal(t, []float64{1, -1, 3, -3, 0, 0}, tensorToFloat64(points))
	require.NotPanics(t, func() { printSamplesStats(points, []int32{0, 0, 1}) })
	require.NotPanics(t, func() { printSamplesStats(points, nil) })
	require.Panics(t, func() { tensorToFloat64(tensors.FromValue([]int32{1})) })
}

func TestLoadCheckpointRequired(t *testing.T) {
	ctx := createDefaultContext()
	_, err := loadCheckpoint(ctx, nil, true, false)
	require.Error(t, err)
	checkpoint, err := loadCheckpoint(ctx, nil, false, false)
	require.NoError(t, err)
	assert.Nil(t, checkpoint)
}
