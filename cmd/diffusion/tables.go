// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/diffusion/pkg/diffusion"
	"github.com/gomlx/diffusion/pkg/schedule"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable creates a table with alternating row styles. The first column is aligned to the right.
// If headers are given, they are rendered in reverse.
func newPlainTable(headers ...string) *lgtable.Table {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
	if len(headers) > 0 {
		t.Headers(headers...)
	}
	return t
}

// maxScheduleRows is the number of reverse steps listed by printSchedule, the remaining are elided.
const maxScheduleRows = 20

// printSchedule prints the reverse steps of the schedule configured in ctx, with their coefficients.
func printSchedule(ctx *context.Context) error {
	sched, err := schedule.FromContext(ctx)
	if err != nil {
		return err
	}
	steps := sched.Steps(context.GetParamOr(ctx, diffusion.ParamSampleSteps, 0))

	fmt.Println(titleStyle.Render(fmt.Sprintf("Schedule %s", sched.Kind())))
	summary := newPlainTable()
	summary.Row("kind", sched.Kind().String())
	summary.Row("discrete", fmt.Sprintf("%v", sched.IsDiscrete()))
	summary.Row("diffusion steps", humanize.Comma(int64(sched.NumSteps())))
	summary.Row("reverse steps", humanize.Comma(int64(len(steps))))
	summary.Row("initial std", fmt.Sprintf("%.4g", sched.InitialStd()))
	fmt.Println(summary.Render())

	table := newPlainTable("step", "time", "next", "signal", "noise", "x scale", "score scale", "noise scale")
	for ii, step := range steps {
		if len(steps) > maxScheduleRows && ii == maxScheduleRows/2 {
			table.Row("...", fmt.Sprintf("(%d steps)", len(steps)-maxScheduleRows))
		}
		if len(steps) > maxScheduleRows && ii >= maxScheduleRows/2 && ii < len(steps)-maxScheduleRows/2 {
			continue
		}
		table.Row(
			fmt.Sprintf("%d", step.Index),
			fmt.Sprintf("%.4g", step.Time),
			fmt.Sprintf("%.4g", step.NextTime),
			fmt.Sprintf("%.4f", step.Signal),
			fmt.Sprintf("%.4f", step.Noise),
			fmt.Sprintf("%.5g", step.XScale),
			fmt.Sprintf("%.5g", step.ScoreScale),
			fmt.Sprintf("%.5g", step.NoiseScale))
	}
	fmt.Println(table.Render())
	return nil
}

// inspectCheckpoint prints the summary, the hyperparameters and the variables of the checkpoint.
func inspectCheckpoint(ctx *context.Context, paramsSet []string) error {
	checkpoint, err := loadCheckpoint(ctx, paramsSet, true, true)
	if err != nil {
		return err
	}
	modelCtx := ctx.In(diffusion.ModelScope)

	fmt.Println(titleStyle.Render("Summary"))
	summary := newPlainTable()
	summary.Row("checkpoint", checkpoint.Dir())
	summary.Row("global_step", humanize.Comma(int64(optimizers.GetGlobalStep(ctx))))
	var numVars, totalSize int
	var totalMemory uintptr
	modelCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	summary.Row("# variables", humanize.Comma(int64(numVars)))
	summary.Row("# parameters", humanize.Comma(int64(totalSize)))
	summary.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(summary.Render())

	fmt.Println(titleStyle.Render("Hyperparameters"))
	params := newPlainTable("Scope", "Name", "Type", "Value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		params.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	fmt.Println(params.Render())

	if *flagVerbosity >= 2 {
		fmt.Println(titleStyle.Render("Variables"))
		vars := newPlainTable("Scope", "Name", "Shape", "Size", "Bytes")
		var rows [][]string
		modelCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			shape := v.Shape()
			rows = append(rows, []string{
				v.Scope(), v.Name(), shape.String(),
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
			})
		})
		slices.SortFunc(rows, func(a, b []string) int {
			if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
				return cmp
			}
			return strings.Compare(a[1], b[1])
		})
		for _, row := range rows {
			vars.Row(row...)
		}
		fmt.Println(vars.Render())
	}
	return nil
}
