package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/cadence/pkg/client"
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	providerStyle = lipgloss.NewStyle().Width(12).Bold(true)
	windowStyle   = lipgloss.NewStyle().Width(15).Foreground(lipgloss.Color("99"))
	usageStyle    = lipgloss.NewStyle().Width(12).Align(lipgloss.Right)
	resetStyle    = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("241"))
)

// renderStatus draws the limits and the latest schedule. now is used for the
// relative reset times.
func renderStatus(l client.Limits, s *client.Schedule, now time.Time) string {
	var quotas strings.Builder
	quotas.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Quotas") + "\n\n")
	if len(l.Quotas) == 0 {
		quotas.WriteString(subtleStyle.Render("No quota windows configured."))
	}
	for i, q := range l.Quotas {
		if i > 0 {
			quotas.WriteString("\n")
		}
		quotas.WriteString(renderQuota(q, now))
	}
	if len(l.Cooldowns) > 0 {
		quotas.WriteString("\n\n" + lipgloss.NewStyle().Bold(true).Render("Cooldowns") + "\n")
		names := make([]string, 0, len(l.Cooldowns))
		for p := range l.Cooldowns {
			names = append(names, p)
		}
		sort.Strings(names)
		for _, p := range names {
			quotas.WriteString(warnStyle.Render(fmt.Sprintf("%s until %s", p, l.Cooldowns[p].Format("15:04:05"))) + "\n")
		}
	}

	perms := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPermission("post", l.Permissions.CanPost), "  ",
		renderPermission("generate", l.Permissions.CanGenerate), "  ",
		renderPermission("fetch news", l.Permissions.CanFetchNews),
	)

	header := headerStyle.Render("cadence status")
	parts := []string{header, paneStyle.Render(quotas.String()), perms}

	if s != nil {
		parts = append(parts, paneStyle.Render(renderSchedule(*s)))
	}
	for _, p := range l.Probes {
		if p.Status != "success" {
			parts = append(parts, errorStyle.Render(fmt.Sprintf("probe %s failed: %s", p.Provider, p.Error)))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderQuota(q client.Quota, now time.Time) string {
	usage := fmt.Sprintf("%d", q.Used)
	style := okStyle
	if q.Limit > 0 {
		usage = fmt.Sprintf("%d/%d", q.Used, q.Limit)
		switch rem := q.Remaining(); {
		case rem == 0:
			style = errorStyle
		case rem*5 <= q.Limit:
			style = warnStyle
		}
	}
	if q.Advisory {
		usage += "*"
	}
	reset := ""
	if !q.ResetAt.IsZero() {
		reset = "resets in " + q.ResetAt.Sub(now).Round(time.Minute).String()
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		providerStyle.Render(q.Provider),
		windowStyle.Render(q.Window),
		style.Inherit(usageStyle).Render(usage),
		resetStyle.Render(reset),
	)
}

func renderPermission(name string, ok bool) string {
	if ok {
		return okStyle.Render("✓ " + name)
	}
	return errorStyle.Render("✗ " + name)
}

func renderSchedule(s client.Schedule) string {
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Opportunities") + "\n\n")
	if s.Unavailable {
		b.WriteString(errorStyle.Render("Schedule unavailable: " + strings.Join(s.FailedProbes, ", ")))
		return b.String()
	}
	if len(s.Opportunities) == 0 {
		b.WriteString(subtleStyle.Render("Nothing worth acting on."))
		return b.String()
	}
	for i, o := range s.Opportunities {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%.2f  %-14s %s", o.Urgency, o.Kind, o.Reason))
	}
	b.WriteString("\n\n" + subtleStyle.Render(fmt.Sprintf("confidence %.2f", s.Confidence)))
	return b.String()
}
