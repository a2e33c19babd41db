// Package colors centralizes the terminal styles used by dyldex output.
//
// fatih/color already disables itself when stdout is not a TTY; Enable
// overrides that auto-detection for the --color flag (and CLICOLOR).
package colors

import "github.com/fatih/color"

// Enable forces colors on or off regardless of TTY detection.
func Enable(on bool) {
	color.NoColor = !on
}

// Active reports whether colors are currently emitted.
func Active() bool {
	return !color.NoColor
}

func Bold() *color.Color  { return color.New(color.Bold) }
func Faint() *color.Color { return color.New(color.Faint) }

func BoldHiBlue() *color.Color    { return color.New(color.Bold, color.FgHiBlue) }
func BoldHiMagenta() *color.Color { return color.New(color.Bold, color.FgHiMagenta) }
