// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).PaddingLeft(1)
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// writeSummary prints the report as a table to w, using the color profile of output.
func writeSummary(w io.Writer, output *termenv.Output, r *report) {
	renderer := lipgloss.NewRenderer(w)
	renderer.SetColorProfile(output.ColorProfile())
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pointsPerSecond := 0.0
	if r.Elapsed > 0 {
		pointsPerSecond = float64(r.NumBatches*r.NumPoints) / r.Elapsed.Seconds()
	}
	table.Row("Encoder", r.Variant.String())
	table.Row("Head", r.Head)
	table.Row("Backend", r.Backend)
	table.Row("Output", r.OutputShape.String())
	table.Row("Batches", humanize.Comma(int64(r.NumBatches)))
	table.Row("Elapsed", r.Elapsed.String())
	table.Row("Median batch", r.MedianLatency().String())
	table.Row("Points/s", humanize.CommafWithDigits(pointsPerSecond, 1))
	table.Row("Empty clusters", fmt.Sprintf("%.2f per example", r.EmptyClusters))
	table.Row("Parameters", fmt.Sprintf("%s (%s)", humanize.Comma(int64(r.NumParams)), humanize.Bytes(uint64(r.ParamsBytes))))
	_, _ = fmt.Fprintln(w, titleStyle.Renderer(renderer).Render("SO-Net run"))
	_, _ = fmt.Fprintln(w, table.Render())
}
