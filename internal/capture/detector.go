package capture

import (
	"keylock/internal/chord"
	"keylock/internal/input"
)

// Detector recognises the unlock chord in a stream of key events. It keeps
// the Control state between batches. The zero value is ready to use.
type Detector struct {
	ctrlHeld bool
}

// Feed processes one batch and reports whether the chord was seen. The
// first match wins and the rest of the batch is ignored. The target key must
// go down while Control is held; releasing Control afterwards is not
// required.
func (d *Detector) Feed(events []input.KeyEvent, target uint16) bool {
	for _, ev := range events {
		if chord.IsControl(ev.Code) {
			d.ctrlHeld = ev.Down()
		}
		if ev.Code == target && ev.Down() && d.ctrlHeld {
			return true
		}
	}
	return false
}

// ControlHeld reports the tracked Control state.
func (d *Detector) ControlHeld() bool {
	return d.ctrlHeld
}
