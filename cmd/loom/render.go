package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/normanking/loom/internal/orchestrator"
	"github.com/normanking/loom/internal/roles"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STYLES
// ═══════════════════════════════════════════════════════════════════════════════

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF5F87"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFAF00"))

	footerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder(), true, false, false, false).
			BorderForeground(lipgloss.Color("#444444")).
			Foreground(lipgloss.Color("#888888"))
)

const wrapWidth = 100

// setColorProfile switches lipgloss to plain ASCII output when colors are off.
func setColorProfile(disable bool) {
	if disable {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

// renderMarkdown renders a model answer for the terminal, falling back to the
// raw text when glamour cannot initialize.
func renderMarkdown(text string, plain bool) string {
	style := glamour.WithAutoStyle()
	if plain {
		style = glamour.WithStandardStyle("notty")
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(wrapWidth))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// renderProvenance lists which model answered and what went into the prompt.
func renderProvenance(res *orchestrator.Result) string {
	var lines []string

	model := res.Model.Label()
	if res.Role != "" {
		model = fmt.Sprintf("%s (%s)", model, res.Role)
	}
	lines = append(lines, field("model", model))
	lines = append(lines, field("mode", fmt.Sprintf("%s · %s routing", res.AgentMode, res.RoutingMode)))
	if res.Routing != nil && res.RoutingMode != orchestrator.RoutingManual {
		lines = append(lines, field("routing", fmt.Sprintf("%s (confidence %.2f)", res.Routing.Reason, res.Routing.Confidence)))
	}

	timing := fmt.Sprintf("%s, %d attempt(s)", res.Latency.Round(time.Millisecond), res.Attempts)
	if res.Usage != nil && res.Usage.TotalTokens > 0 {
		timing += fmt.Sprintf(", %d tokens", res.Usage.TotalTokens)
	}
	lines = append(lines, field("time", timing))

	if res.Context != nil {
		if len(res.Context.Passages) > 0 {
			var sources []string
			for _, p := range res.Context.Passages {
				sources = append(sources, fmt.Sprintf("%s %.2f", p.SourceCollection, p.Score))
			}
			lines = append(lines, field("sources", strings.Join(sources, ", ")))
		}
		lines = append(lines, field("context", fmt.Sprintf("%d/%d chars", res.Context.TotalChars, res.Context.Budget)))
		for _, note := range res.Context.Degraded {
			lines = append(lines, warnStyle.Render("degraded: "+note))
		}
	}
	if len(res.LayersTruncated) > 0 {
		var names []string
		for _, k := range res.LayersTruncated {
			names = append(names, string(k))
		}
		lines = append(lines, warnStyle.Render("truncated: "+strings.Join(names, ", ")))
	}

	return footerStyle.Render(strings.Join(lines, "\n"))
}

// renderFailure describes a failed request and how to fix it.
func renderFailure(res *orchestrator.Result) string {
	e := res.Error
	var b strings.Builder
	b.WriteString(errorStyle.Render(fmt.Sprintf("✗ %s", e.Code)))
	b.WriteString(" " + e.Message + "\n")
	if e.Hint != "" {
		b.WriteString(field("hint", e.Hint) + "\n")
	}
	if e.Retryable {
		b.WriteString(labelStyle.Render("this error is usually transient; retrying may help") + "\n")
	}
	b.WriteString(field("request", res.RequestID))
	return b.String()
}

// renderSuggestion shows an assisted-routing suggestion awaiting confirmation.
func renderSuggestion(res *orchestrator.Result) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Suggested role: "+string(res.Role)) + "\n")
	if res.Model.ModelID != "" {
		b.WriteString(field("model", res.Model.Label()) + "\n")
	}
	if res.Routing != nil {
		b.WriteString(field("reason", fmt.Sprintf("%s (confidence %.2f)", res.Routing.Reason, res.Routing.Confidence)) + "\n")
	}
	b.WriteString(field("expires", res.SuggestionExpires.Local().Format(time.Kitchen)))
	return b.String()
}

// renderRoles lists role assignments in display order.
func renderRoles(assigned map[roles.Role]roles.ModelDescriptor) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Role assignments") + "\n")
	for _, r := range roles.All() {
		d, ok := assigned[r]
		if !ok {
			fmt.Fprintf(&b, "  %-10s %s\n", r, warnStyle.Render("unassigned"))
			continue
		}
		fmt.Fprintf(&b, "  %-10s %s %s\n", r, d.Label(), labelStyle.Render(fmt.Sprintf("(%s on %s)", d.ModelID, d.Backend)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func field(label, value string) string {
	return labelStyle.Render(label+":") + " " + value
}
