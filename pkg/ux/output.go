// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the StockKit installer.
//
// Console output is deliberately abbreviated: the user sees short status
// lines, while full detail goes to the JSON log file. Nothing in this
// package should ever receive a credential.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// StockKit color palette - market greens and chart ambers
var (
	ColorGreenBright  = lipgloss.Color("#2ECC71") // Bright green - success, gains
	ColorGreenPrimary = lipgloss.Color("#27AE60") // Primary green - main brand color
	ColorGreenDeep    = lipgloss.Color("#1E8449") // Deep green - borders, accents
	ColorSlate        = lipgloss.Color("#5D6D7E") // Slate - muted text
	ColorAmber        = lipgloss.Color("#F4D03F") // Amber - warnings
	ColorRed          = lipgloss.Color("#E74C3C") // Red - errors, losses

	// Semantic colors
	ColorSuccess = ColorGreenBright
	ColorWarning = ColorAmber
	ColorError   = ColorRed
	ColorMuted   = ColorSlate
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarning lipgloss.Style
	StatusError   lipgloss.Style
	StatusPending lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorGreenBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorGreenPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorGreenBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorGreenDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAmber).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorRed).
		Padding(0, 1),

	StatusOK:      lipgloss.NewStyle().SetString("✓").Foreground(ColorSuccess),
	StatusWarning: lipgloss.NewStyle().SetString("⚠").Foreground(ColorWarning),
	StatusError:   lipgloss.NewStyle().SetString("✗").Foreground(ColorError),
	StatusPending: lipgloss.NewStyle().SetString("○").Foreground(ColorSlate),
}

// Console writes styled status lines to a terminal.
//
// A Console with Quiet set suppresses everything, for --json runs where
// stdout must stay machine-parseable.
type Console struct {
	Out   io.Writer
	Quiet bool
}

// NewConsole returns a Console writing to stdout.
func NewConsole(quiet bool) *Console {
	return &Console{Out: os.Stdout, Quiet: quiet}
}

func (c *Console) printf(format string, args ...any) {
	if c.Quiet {
		return
	}
	fmt.Fprintf(c.Out, format, args...)
}

// Step prints a numbered phase header.
func (c *Console) Step(step, total int, msg string) {
	c.printf("\n%s %s\n", Styles.Bold.Render(fmt.Sprintf("[%d/%d]", step, total)), Styles.Subtitle.Render(msg))
	c.printf("%s\n", Styles.Muted.Render(strings.Repeat("─", 48)))
}

// Success prints a checkmarked status line.
func (c *Console) Success(msg string) {
	c.printf("%s %s\n", Styles.StatusOK.String(), msg)
}

// Warning prints an amber status line.
func (c *Console) Warning(msg string) {
	c.printf("%s %s\n", Styles.StatusWarning.String(), Styles.Warning.Render(msg))
}

// Error prints a red status line.
func (c *Console) Error(msg string) {
	c.printf("%s %s\n", Styles.StatusError.String(), Styles.Error.Render(msg))
}

// Info prints a neutral status line.
func (c *Console) Info(msg string) {
	c.printf("%s %s\n", Styles.StatusPending.String(), msg)
}

// Detail prints a muted secondary line.
func (c *Console) Detail(msg string) {
	c.printf("  %s\n", Styles.Muted.Render(msg))
}

// Box prints content inside a rounded border, used for the final
// installation summary.
func (c *Console) Box(content string) {
	c.printf("%s\n", Styles.Box.Render(content))
}
