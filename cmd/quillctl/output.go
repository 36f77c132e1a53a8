// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess = 0 // Operation completed successfully
	CLIExitError   = 2 // Operation failed
)

// Palette for styled terminal output.
var (
	colorInk   = lipgloss.Color("#6C8EEF")
	colorQuill = lipgloss.Color("#9D7CD8")
	colorOK    = lipgloss.Color("#4BB543")
	colorAlert = lipgloss.Color("#E06C75")
	colorMuted = lipgloss.Color("#6B7280")
	colorAmber = lipgloss.Color("#E5A93D")
)

// styles groups the lipgloss styles used across commands.
var styles = struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	User    lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorInk),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(colorQuill),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorOK),
	Error:   lipgloss.NewStyle().Foreground(colorAlert),
	Warning: lipgloss.NewStyle().Foreground(colorAmber),
	User:    lipgloss.NewStyle().Bold(true).Foreground(colorQuill),
}

// colorEnabled reports whether styled output should be used.
// Pipes and CI environments get plain text.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// styled applies a lipgloss style only when color output is enabled.
func styled(s lipgloss.Style, text string) string {
	if !colorEnabled() {
		return text
	}
	return s.Render(text)
}

// outputJSON writes structured data as indented JSON to stdout.
func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// fail prints the error and exits with the error code.
func fail(format string, args ...any) {
	fmt.Fprintln(os.Stderr, styled(styles.Error, fmt.Sprintf(format, args...)))
	os.Exit(CLIExitError)
}

// renderTable prints a padded column layout with a styled header row.
func renderTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var header strings.Builder
	for i, h := range headers {
		header.WriteString(padRight(h, widths[i]+2))
	}
	fmt.Println(styled(styles.Header, strings.TrimRight(header.String(), " ")))

	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			line.WriteString(padRight(cell, widths[i]+2))
		}
		fmt.Println(strings.TrimRight(line.String(), " "))
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-len(s))
}

// humanAge renders a timestamp as a compact "how long ago" string.
func humanAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
