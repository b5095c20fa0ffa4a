package theme

import (
	"image/color"

	"gioui.org/unit"
	"gioui.org/widget/material"
)

// Palette defines the panel colors.
type Palette struct {
	Background color.NRGBA
	Surface    color.NRGBA
	Primary    color.NRGBA
	Text       color.NRGBA
	TextMuted  color.NRGBA
	Border     color.NRGBA
	Idle       color.NRGBA
	Locked     color.NRGBA
	Error      color.NRGBA
}

// Config defines the panel metrics.
type Config struct {
	CornerRadius unit.Dp
	Spacing      unit.Dp
	Padding      unit.Dp
	FontTitle    unit.Sp
	FontBody     unit.Sp
	FontCaption  unit.Sp
}

// Theme wraps the material theme with panel styling.
type Theme struct {
	*material.Theme
	Palette Palette
	Config  Config
}

// NewTheme creates the dark panel theme.
func NewTheme(mtheme *material.Theme) *Theme {
	t := &Theme{
		Theme: mtheme,
		Palette: Palette{
			Background: color.NRGBA{R: 0x1E, G: 0x1F, B: 0x22, A: 0xFF},
			Surface:    color.NRGBA{R: 0x2A, G: 0x2C, B: 0x30, A: 0xFF},
			Primary:    color.NRGBA{R: 0x3D, G: 0x8B, B: 0xFD, A: 0xFF},
			Text:       color.NRGBA{R: 0xF2, G: 0xF2, B: 0xF2, A: 0xFF},
			TextMuted:  color.NRGBA{R: 0x9A, G: 0x9D, B: 0xA3, A: 0xFF},
			Border:     color.NRGBA{R: 0x3C, G: 0x3F, B: 0x44, A: 0xFF},
			Idle:       color.NRGBA{R: 0x4C, G: 0xC3, B: 0x6B, A: 0xFF},
			Locked:     color.NRGBA{R: 0xF0, G: 0xA0, B: 0x20, A: 0xFF},
			Error:      color.NRGBA{R: 0xE8, G: 0x48, B: 0x3A, A: 0xFF},
		},
		Config: Config{
			CornerRadius: unit.Dp(6),
			Spacing:      unit.Dp(8),
			Padding:      unit.Dp(16),
			FontTitle:    unit.Sp(20),
			FontBody:     unit.Sp(14),
			FontCaption:  unit.Sp(12),
		},
	}
	t.Theme.Palette.Bg = t.Palette.Background
	t.Theme.Palette.Fg = t.Palette.Text
	t.Theme.Palette.ContrastBg = t.Palette.Primary
	t.Theme.Palette.ContrastFg = t.Palette.Text
	return t
}
