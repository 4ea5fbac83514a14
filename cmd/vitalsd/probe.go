package main

import (
	"fmt"
	"io"
	"strings"

	"codeberg.org/mutker/vitalsd/internal/config"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/scheduler"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"codeberg.org/mutker/vitalsd/internal/vitals"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	nameStyle  = lipgloss.NewStyle().Width(12)
	valueStyle = lipgloss.NewStyle().Width(6).Align(lipgloss.Right).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type probeResult struct {
	vital vital.Type
	value float64
	err   error
}

func probeCommand(cmd *cobra.Command) error {
	discard := scheduler.SinkFunc(func(vital.Type, float64) {})
	sys, err := vitals.New(cmd.Context(), config.NewStore(vpr, logger.New("config")), discard, newSources(), vitals.Options{
		Logger: logger.New("vitals"),
	})
	if err != nil {
		return err
	}
	defer sys.Teardown()

	results := make([]probeResult, 0, len(vital.All()))
	for _, v := range vital.All() {
		value, err := sys.Value(v)
		results = append(results, probeResult{vital: v, value: value, err: err})
	}

	out := cmd.OutOrStdout()
	writeResults(out, results)
	if cfg.Debug {
		writeDiagnostics(out, sys.Diagnostics())
	}

	return nil
}

func writeResults(w io.Writer, results []probeResult) {
	for _, r := range results {
		status := okStyle.Render("ok")
		if r.err != nil {
			status = errStyle.Render(r.err.Error())
		}
		fmt.Fprintf(w, "%s%s  %s\n",
			nameStyle.Render(r.vital.DisplayName()),
			valueStyle.Render(fmt.Sprintf("%.1f%%", r.value)),
			status)
	}
}

func writeDiagnostics(w io.Writer, diags []vitals.Diagnostic) {
	fmt.Fprintln(w)
	for _, d := range diags {
		state := "enabled"
		if d.Breaker.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "%s %s, %d consecutive failures, every %s\n",
			nameStyle.Render(d.Vital.DisplayName()), state, d.Breaker.ConsecutiveFailures, d.Interval)
		if d.Detail != "" {
			for _, line := range strings.Split(d.Detail, "\n") {
				fmt.Fprintf(w, "%s %s\n", nameStyle.Render(""), mutedStyle.Render(line))
			}
		}
	}
}
