// Package theme provides the Lip Gloss color palette and reusable styles
// for the lab terminal UI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Provisioning event colors.
var (
	ColorConnection = lipgloss.Color("#7c3aed")
	ColorInfo       = lipgloss.Color("#2563eb")
	ColorSuccess    = lipgloss.Color("#16a34a")
	ColorProgress   = lipgloss.Color("#06b6d4")
	ColorReady      = lipgloss.Color("#22c55e")
	ColorDefault    = lipgloss.Color("#9ca3af")
)

// Progress bar gradient stops.
var (
	ColorBarLow  = lipgloss.Color("#d97706") // <35%
	ColorBarMid  = lipgloss.Color("#3b82f6") // 35-85%
	ColorBarHigh = lipgloss.Color("#22c55e") // >85%
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorAccent  = lipgloss.Color("#a855f7")
)

// KindColor returns the color for a provisioning event kind.
func KindColor(kind string) lipgloss.Color {
	switch kind {
	case "connection":
		return ColorConnection
	case "info":
		return ColorInfo
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorDanger
	case "progress":
		return ColorProgress
	case "terminal_ready":
		return ColorReady
	default:
		return ColorDefault
	}
}

// KindGlyph returns a Unicode glyph for a provisioning event kind.
func KindGlyph(kind string) string {
	switch kind {
	case "connection":
		return "◎"
	case "info":
		return "·"
	case "success":
		return "✓"
	case "warning":
		return "!"
	case "error":
		return "✗"
	case "progress":
		return "●>"
	case "terminal_ready":
		return "⚙>"
	default:
		return "?"
	}
}

// BarColor returns the fill color for a completion percentage.
func BarColor(pct int) lipgloss.Color {
	switch {
	case pct > 85:
		return ColorBarHigh
	case pct >= 35:
		return ColorBarMid
	default:
		return ColorBarLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
		Foreground(ColorDanger)

	StyleSuccess = lipgloss.NewStyle().
		Foreground(ColorHealthy)

	StyleBanner = lipgloss.NewStyle().
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning)
)
