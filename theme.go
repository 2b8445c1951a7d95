package main

import (
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"nexus/settings"
)

type palette struct {
	accent, muted, faint, text string
	user, agent, final        string
	warn, err, ok, rec        string
}

var palettes = map[string]palette{
	settings.ThemeDark: {
		accent: "39", muted: "245", faint: "239", text: "252",
		user: "117", agent: "213", final: "42",
		warn: "208", err: "196", ok: "42", rec: "196",
	},
	settings.ThemeLight: {
		accent: "25", muted: "242", faint: "250", text: "235",
		user: "26", agent: "90", final: "28",
		warn: "166", err: "160", ok: "28", rec: "160",
	},
}

type styles struct {
	name string

	title     lipgloss.Style
	badge     lipgloss.Style
	pending   lipgloss.Style
	userName  lipgloss.Style
	agentName lipgloss.Style
	timestamp lipgloss.Style
	body      lipgloss.Style
	final     lipgloss.Style
	status    lipgloss.Style
	warn      lipgloss.Style
	err       lipgloss.Style
	ok        lipgloss.Style
	rec       lipgloss.Style
	help      lipgloss.Style
	helpKey   lipgloss.Style
	prompt    lipgloss.Style
	spinner   lipgloss.Style
}

func newStyles(theme string) styles {
	p, ok := palettes[theme]
	if !ok {
		theme = settings.ThemeDark
		p = palettes[theme]
	}
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	return styles{
		name:      theme,
		title:     fg(p.accent).Bold(true),
		badge:     fg(p.muted),
		pending:   fg(p.warn).Bold(true),
		userName:  fg(p.user).Bold(true),
		agentName: fg(p.agent).Bold(true),
		timestamp: fg(p.faint),
		body:      fg(p.text),
		final: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(p.final)).
			Padding(0, 1),
		status:  fg(p.muted),
		warn:    fg(p.warn),
		err:     fg(p.err),
		ok:      fg(p.ok),
		rec:     fg(p.rec).Bold(true),
		help:    fg(p.faint),
		helpKey: fg(p.muted).Bold(true),
		prompt:  fg(p.accent).Bold(true),
		spinner: fg(p.accent),
	}
}

func nextTheme(theme string) string {
	if theme == settings.ThemeLight {
		return settings.ThemeDark
	}
	return settings.ThemeLight
}

// newMarkdown renders agent replies. glamour ships "dark" and "light"
// standard styles matching the palettes above.
func newMarkdown(theme string, width int) (*glamour.TermRenderer, error) {
	if width < 20 {
		width = 20
	}
	return glamour.NewTermRenderer(
		glamour.WithStylePath(theme),
		glamour.WithWordWrap(width),
	)
}
