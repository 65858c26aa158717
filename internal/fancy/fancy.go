// Package fancy styles CLI output with lipgloss: colored service names,
// subjects, and saga states, plus the tree rendering used by the validate
// and demo commands.
package fancy

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette shared by the styles below.
var (
	colorBlue     = lipgloss.Color("39")
	colorCyan     = lipgloss.Color("45")
	colorGreen    = lipgloss.Color("82")
	colorYellow   = lipgloss.Color("228")
	colorOrange   = lipgloss.Color("208")
	colorRed      = lipgloss.Color("196")
	colorGray     = lipgloss.Color("250")
	colorDarkGray = lipgloss.Color("240")
	colorWhite    = lipgloss.Color("15")
)

// Styles for the element kinds that appear in CLI output.
var (
	// RootStyle heads a whole rendered tree.
	RootStyle = lipgloss.NewStyle().
			Foreground(colorBlue).
			Bold(true)

	// HeaderStyle marks section titles.
	HeaderStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Bold(true)

	// InfoStyle carries de-emphasized notes next to a header.
	InfoStyle = lipgloss.NewStyle().
			Foreground(colorGray).
			Italic(true)

	// BranchStyle draws tree connectors.
	BranchStyle = lipgloss.NewStyle().
			Foreground(colorDarkGray)

	ComponentStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	ServiceStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	SubjectStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	SagaStyle = lipgloss.NewStyle().
			Foreground(colorOrange)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(colorRed)
)
