package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"pimrepair/internal/pipeline"
	"pimrepair/internal/store"
	"pimrepair/internal/verification"
)

var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorFailure = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorInfo    = lipgloss.Color("#2196F3")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	passStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorFailure)
	warnStyle    = lipgloss.NewStyle().Foreground(colorWarning)
	labelStyle   = lipgloss.NewStyle().Foreground(colorMuted).Width(14)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	sectionStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).Padding(0, 1)
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func statusBadge(pass bool) string {
	if pass {
		return passStyle.Render("PASS")
	}
	return failStyle.Render("FAIL")
}

func kv(label, value string) string {
	return labelStyle.Render(label) + value
}

func renderReport(w io.Writer, report *verification.Report) {
	lines := []string{
		titleStyle.Render("Verification") + "  " + statusBadge(report.Pass),
		kv("task", report.Task),
		kv("tests", fmt.Sprintf("%d (seed %d)", report.NumTests, report.Seed)),
	}
	if report.ISACompliant {
		lines = append(lines, kv("isa", passStyle.Render("compliant")))
	} else {
		lines = append(lines, kv("isa", warnStyle.Render("violations")))
		for _, v := range report.ISAViolations {
			lines = append(lines, "  "+warnStyle.Render("- "+v))
		}
	}
	if ff := report.FirstFailure; ff != nil {
		got := ff.Got
		if got == "" {
			got = mutedStyle.Render("(no result)")
		}
		lines = append(lines,
			kv("first failure", fmt.Sprintf("test %d", ff.Test)),
			kv("  A / B", ff.A+" / "+ff.B),
			kv("  expected", ff.Expected),
			kv("  got", got),
		)
	}
	if report.Error != "" {
		lines = append(lines, kv("error", failStyle.Render(report.Error)))
	}
	fmt.Fprintln(w, sectionStyle.Render(strings.Join(lines, "\n")))
}

// renderSummary renders the model's reasoning bullets as markdown. Falls
// back to plain text if the renderer cannot be built.
func renderSummary(w io.Writer, summary []string) {
	if len(summary) == 0 {
		return
	}
	var md strings.Builder
	md.WriteString("## Reasoning summary\n\n")
	for _, s := range summary {
		md.WriteString("- " + strings.TrimSpace(s) + "\n")
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err == nil {
		if out, err := renderer.Render(md.String()); err == nil {
			fmt.Fprint(w, out)
			return
		}
	}
	fmt.Fprint(w, md.String())
}

func renderCheckResults(w io.Writer, results []pipeline.CheckResult) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Reference items (%d)", len(results))))
	for _, r := range results {
		var status string
		switch {
		case r.Skipped:
			status = mutedStyle.Render("SKIP")
		case r.Error != "":
			status = failStyle.Render("ERROR")
		default:
			status = statusBadge(r.OK())
		}
		line := fmt.Sprintf("  %-5s %s/%s  %s", status, r.DBID, r.ItemID, mutedStyle.Render(r.Task))
		if r.Error != "" {
			line += "  " + r.Error
		} else if r.Report != nil && r.Report.FirstFailure != nil {
			ff := r.Report.FirstFailure
			line += fmt.Sprintf("  test %d: expected %s got %s", ff.Test, ff.Expected, ff.Got)
		}
		fmt.Fprintln(w, line)
	}
}

func renderRuns(w io.Writer, runs []store.Run, sum store.Summary) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Run history (%d/%d passed, %d tokens)", sum.Passed, sum.Total, sum.Tokens)))
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  no runs recorded"))
		return
	}
	for _, r := range runs {
		status := statusBadge(r.Pass && r.ISACompliant)
		if r.Error != "" {
			status = failStyle.Render("ERROR")
		}
		fmt.Fprintf(w, "  %s  %-5s %s  %s  attempts=%d  %s\n",
			shortID(r.ID), status, r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.QueryID, r.Attempts, mutedStyle.Render(r.Model))
	}
}

func renderRun(w io.Writer, r *store.Run) {
	lines := []string{
		titleStyle.Render("Run "+r.ID) + "  " + statusBadge(r.Pass && r.ISACompliant),
		kv("created", r.CreatedAt.Local().Format("2006-01-02 15:04:05")),
		kv("model", r.Provider+"/"+r.Model),
		kv("query", r.QueryID),
		kv("task", r.Task),
		kv("attempts", fmt.Sprint(r.Attempts)),
		kv("duration", r.Duration.String()),
		kv("tokens", fmt.Sprintf("%d in / %d out", r.InputTokens, r.OutputTokens)),
	}
	if r.Error != "" {
		lines = append(lines, kv("error", failStyle.Render(r.Error)))
	}
	fmt.Fprintln(w, sectionStyle.Render(strings.Join(lines, "\n")))
	if r.ReportJSON != "" {
		var report verification.Report
		if err := json.Unmarshal([]byte(r.ReportJSON), &report); err == nil {
			renderReport(w, &report)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
