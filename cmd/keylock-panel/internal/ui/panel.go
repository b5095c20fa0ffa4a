package ui

import (
	"image"
	"strings"

	"gioui.org/layout"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"

	"keylock/cmd/keylock-panel/internal/theme"
	"keylock/internal/coordinator"
)

// Panel is the main window content.
type Panel struct {
	theme *theme.Theme
	model *Model

	devices   widget.Enum
	deviceLst widget.List
	key       widget.Editor
	lockBtn   widget.Clickable
	unlockBtn widget.Clickable

	// shownLetter is the daemon letter last copied into the editor.
	shownLetter string
}

// NewPanel creates the panel for model.
func NewPanel(t *theme.Theme, m *Model) *Panel {
	return &Panel{
		theme: t,
		model: m,
		deviceLst: widget.List{
			List: layout.List{Axis: layout.Vertical},
		},
		key: widget.Editor{SingleLine: true, MaxLen: 1},
	}
}

// Layout handles input and renders the panel.
func (p *Panel) Layout(gtx layout.Context) layout.Dimensions {
	v := p.model.View()
	p.update(gtx, v)

	paint.Fill(gtx.Ops, p.theme.Palette.Background)

	return layout.UniformInset(p.theme.Config.Padding).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				title := material.H6(p.theme.Theme, "KEYLOCK")
				title.Color = p.theme.Palette.Primary
				title.TextSize = p.theme.Config.FontTitle
				return title.Layout(gtx)
			}),
			layout.Rigid(layout.Spacer{Height: p.theme.Config.Spacing}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return p.layoutStatus(gtx, v)
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return p.caption(gtx, "Keyboard")
			}),
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return p.layoutDevices(gtx, v)
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return p.layoutKey(gtx, v)
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return p.layoutButtons(gtx, v)
			}),
			layout.Rigid(layout.Spacer{Height: p.theme.Config.Spacing}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				if v.Err == "" {
					return layout.Dimensions{}
				}
				l := material.Body2(p.theme.Theme, v.Err)
				l.Color = p.theme.Palette.Error
				return l.Layout(gtx)
			}),
		)
	})
}

// update applies clicks and edits from the last frame. Daemon calls run
// on their own goroutines; the result shows up through the model.
func (p *Panel) update(gtx layout.Context, v View) {
	if p.devices.Update(gtx) {
		path := p.devices.Value
		go p.model.Select(path)
	} else {
		p.devices.Value = v.State.Selected
	}

	for {
		e, ok := p.key.Update(gtx)
		if !ok {
			break
		}
		if _, ok := e.(widget.ChangeEvent); ok {
			if key := strings.TrimSpace(p.key.Text()); key != "" {
				go p.model.SetUnlockKey(key)
			}
		}
	}
	if letter := letterOf(v.State); letter != p.shownLetter {
		p.shownLetter = letter
		if !strings.EqualFold(p.key.Text(), letter) {
			p.key.SetText(letter)
		}
	}

	if p.lockBtn.Clicked(gtx) && v.CanLock() {
		go p.model.Lock()
	}
	if p.unlockBtn.Clicked(gtx) && v.CanUnlock() {
		go p.model.Unlock()
	}
}

func letterOf(s coordinator.Snapshot) string {
	if s.Chord.Letter == 0 {
		return ""
	}
	return string(s.Chord.Letter)
}

func (p *Panel) layoutStatus(gtx layout.Context, v View) layout.Dimensions {
	text, col := "Disconnected", p.theme.Palette.TextMuted
	if v.Connected {
		switch v.State.Status {
		case coordinator.Locked:
			text, col = "Locked: "+v.State.Device, p.theme.Palette.Locked
		default:
			text, col = "Unlocked", p.theme.Palette.Idle
		}
	}

	return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			size := image.Pt(gtx.Dp(10), gtx.Dp(10))
			defer clip.Ellipse{Max: size}.Push(gtx.Ops).Pop()
			paint.Fill(gtx.Ops, col)
			return layout.Dimensions{Size: size}
		}),
		layout.Rigid(layout.Spacer{Width: p.theme.Config.Spacing}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			l := material.Body1(p.theme.Theme, text)
			l.Color = p.theme.Palette.Text
			l.TextSize = p.theme.Config.FontBody
			return l.Layout(gtx)
		}),
	)
}

func (p *Panel) layoutDevices(gtx layout.Context, v View) layout.Dimensions {
	devices := v.State.Devices
	if len(devices) == 0 {
		return p.caption(gtx, "No keyboards found")
	}
	if v.State.Status == coordinator.Locked {
		gtx = gtx.Disabled()
	}
	return material.List(p.theme.Theme, &p.deviceLst).Layout(gtx, len(devices), func(gtx layout.Context, i int) layout.Dimensions {
		d := devices[i]
		label := d.Name
		if label == "" {
			label = d.Path
		} else {
			label += " (" + d.Path + ")"
		}
		rb := material.RadioButton(p.theme.Theme, &p.devices, d.Path, label)
		rb.Color = p.theme.Palette.Text
		rb.IconColor = p.theme.Palette.Primary
		return rb.Layout(gtx)
	})
}

func (p *Panel) layoutKey(gtx layout.Context, v View) layout.Dimensions {
	if !v.Connected {
		gtx = gtx.Disabled()
	}
	return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			l := material.Body1(p.theme.Theme, "Unlock with Ctrl +")
			l.Color = p.theme.Palette.Text
			return l.Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Width: p.theme.Config.Spacing}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			gtx.Constraints.Min.X = gtx.Dp(40)
			gtx.Constraints.Max.X = gtx.Dp(40)
			return p.surface(gtx, func(gtx layout.Context) layout.Dimensions {
				ed := material.Editor(p.theme.Theme, &p.key, "Q")
				ed.Color = p.theme.Palette.Text
				ed.HintColor = p.theme.Palette.TextMuted
				return ed.Layout(gtx)
			})
		}),
	)
}

func (p *Panel) layoutButtons(gtx layout.Context, v View) layout.Dimensions {
	return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			if !v.CanLock() {
				gtx = gtx.Disabled()
			}
			btn := material.Button(p.theme.Theme, &p.lockBtn, "Lock")
			if !v.CanLock() {
				btn.Background = p.theme.Palette.Border
			}
			return btn.Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Width: p.theme.Config.Spacing}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			if !v.CanUnlock() {
				gtx = gtx.Disabled()
			}
			btn := material.Button(p.theme.Theme, &p.unlockBtn, "Unlock")
			btn.Background = p.theme.Palette.Surface
			return btn.Layout(gtx)
		}),
	)
}

func (p *Panel) caption(gtx layout.Context, text string) layout.Dimensions {
	l := material.Caption(p.theme.Theme, text)
	l.Color = p.theme.Palette.TextMuted
	l.TextSize = p.theme.Config.FontCaption
	return l.Layout(gtx)
}

func (p *Panel) surface(gtx layout.Context, w layout.Widget) layout.Dimensions {
	return layout.Background{}.Layout(gtx,
		func(gtx layout.Context) layout.Dimensions {
			size := gtx.Constraints.Min
			rr := gtx.Dp(p.theme.Config.CornerRadius)
			defer clip.UniformRRect(image.Rectangle{Max: size}, rr).Push(gtx.Ops).Pop()
			paint.Fill(gtx.Ops, p.theme.Palette.Surface)
			return layout.Dimensions{Size: size}
		},
		func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(6)).Layout(gtx, w)
		},
	)
}
