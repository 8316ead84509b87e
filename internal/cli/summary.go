package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vietddude/autofollow/internal/core/domain"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	accountStyle = lipgloss.NewStyle().Width(24)
)

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunSuccess:
		return okStyle
	case domain.RunPartialSuccess:
		return partialStyle
	case domain.RunCancelled:
		return dimStyle
	default:
		return failStyle
	}
}

// renderSummary prints one line per account and the totals.
func renderSummary(w io.Writer, r *domain.BatchReport) {
	var b strings.Builder

	title := "Batch " + r.ID
	if r.DryRun {
		title += " (dry run)"
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	if r.OrderID != "" {
		b.WriteString(dimStyle.Render("order "+r.OrderID) + "\n")
	}
	b.WriteString("\n")

	for _, run := range r.Runs {
		line := accountStyle.Render(run.Account) + " " +
			statusStyle(run.Status).Width(16).Render(string(run.Status))
		switch {
		case run.Status == domain.RunSuccess || run.Status == domain.RunPartialSuccess:
			line += dimStyle.Render(fmt.Sprintf("verification=%s %s", run.Verification, ms(run.DurationMS)))
		case run.Error != nil:
			line += failStyle.Render(fmt.Sprintf("%s: [%s/%s] %s",
				run.FailedStep, run.Error.Kind, run.Error.Category, firstLine(run.Error.Message)))
		}
		b.WriteString(line + "\n")
		if run.Diagnostics != nil && run.Diagnostics.Screenshot != "" {
			b.WriteString(dimStyle.Render("    screenshot "+run.Diagnostics.Screenshot) + "\n")
		}
	}

	c := r.Counts
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s  %s  %s  %s\n",
		fmt.Sprintf("requested %d", c.Requested),
		okStyle.Render(fmt.Sprintf("succeeded %d", c.Succeeded)),
		failStyle.Render(fmt.Sprintf("failed %d", c.Failed)),
		dimStyle.Render(fmt.Sprintf("cancelled %d", c.Cancelled)),
	))
	b.WriteString(dimStyle.Render(fmt.Sprintf("engine cycles %d, took %s", r.EngineCycles, ms(r.DurationMS))) + "\n")
	if r.Aborted != "" {
		b.WriteString(failStyle.Render("aborted: "+r.Aborted) + "\n")
	}

	_, _ = io.WriteString(w, b.String())
}

func ms(v int64) string {
	return (time.Duration(v) * time.Millisecond).Round(10 * time.Millisecond).String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
