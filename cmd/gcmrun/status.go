package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/spachava753/gcmrun/internal/codebase"
	"github.com/spachava753/gcmrun/internal/config"
	"github.com/spachava753/gcmrun/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	gapStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func newStatusCmd() *cobra.Command {
	var plot bool
	cmd := &cobra.Command{
		Use:   "status <experiment.yaml>...",
		Short: "show completed segments of experiments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range args {
				cfg, err := config.LoadExperiment(p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				records, err := codebase.ReadSegmentRecords(cfg.DataDir, cfg.Name)
				if err != nil {
					return fmt.Errorf("experiment %s: %w", cfg.Name, err)
				}
				renderStatus(cmd.OutOrStdout(), cfg, records, plot)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&plot, "plot", true, "plot wall time per segment")
	return cmd
}

func renderStatus(w io.Writer, cfg models.ExperimentConfig, records []models.SegmentRecord, plot bool) {
	row := func(label, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value)
	}

	lines := []string{
		titleStyle.Render(cfg.Name),
		row("data", cfg.DataDir),
		row("range", fmt.Sprintf("%d-%d", cfg.Runs.Start, cfg.Runs.End)),
		row("completed", fmt.Sprintf("%d", len(records))),
	}
	if len(records) > 0 {
		var total, cost float64
		for _, r := range records {
			total += r.DurationSec
			cost += r.Cost
		}
		last := records[len(records)-1]
		lines = append(lines,
			row("last segment", fmt.Sprintf("%d (%s)", last.Index, last.EndedAt.Format("2006-01-02 15:04"))),
			row("wall time", fmt.Sprintf("%.1fs total, %.1fs mean", total, total/float64(len(records)))),
		)
		if cost > 0 {
			lines = append(lines, row("cost", fmt.Sprintf("$%.2f", cost)))
		}
		if gaps := missingSegments(records, cfg.Runs.Start); len(gaps) > 0 {
			lines = append(lines, row("missing", gapStyle.Render(formatIndices(gaps))))
		}
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))

	if plot && len(records) > 1 {
		data := make([]float64, len(records))
		for i, r := range records {
			data[i] = r.DurationSec
		}
		fmt.Fprintln(w, asciigraph.Plot(data,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption("wall time per segment (s)"),
		))
	}
	fmt.Fprintln(w)
}

// missingSegments returns indices between start and the last completed
// segment that have no record.
func missingSegments(records []models.SegmentRecord, start int) []int {
	have := make(map[int]bool, len(records))
	for _, r := range records {
		have[r.Index] = true
	}
	var gaps []int
	for i := start; i <= records[len(records)-1].Index; i++ {
		if !have[i] {
			gaps = append(gaps, i)
		}
	}
	return gaps
}

func formatIndices(indices []int) string {
	const limit = 10
	parts := make([]string, 0, limit+1)
	for i, idx := range indices {
		if i == limit {
			parts = append(parts, fmt.Sprintf("... (%d more)", len(indices)-limit))
			break
		}
		parts = append(parts, fmt.Sprintf("%d", idx))
	}
	return strings.Join(parts, ", ")
}
