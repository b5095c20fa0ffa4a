package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"keylock/internal/chord"
	"keylock/internal/input"
)

const keyK uint16 = 37

func TestDetectorOrdering(t *testing.T) {
	tests := []struct {
		name   string
		events []input.KeyEvent
		want   bool
	}{
		{
			name:   "ctrl then key",
			events: []input.KeyEvent{input.KeyDown(chord.KeyLeftCtrl), input.KeyDown(keyK)},
			want:   true,
		},
		{
			name:   "right ctrl then key",
			events: []input.KeyEvent{input.KeyDown(chord.KeyRightCtrl), input.KeyDown(keyK)},
			want:   true,
		},
		{
			name:   "key before ctrl",
			events: []input.KeyEvent{input.KeyDown(keyK), input.KeyDown(chord.KeyLeftCtrl)},
			want:   false,
		},
		{
			name: "ctrl released before key",
			events: []input.KeyEvent{
				input.KeyDown(chord.KeyLeftCtrl),
				input.KeyUp(chord.KeyLeftCtrl),
				input.KeyDown(keyK),
			},
			want: false,
		},
		{
			name:   "key release does not count",
			events: []input.KeyEvent{input.KeyDown(chord.KeyLeftCtrl), input.KeyUp(keyK)},
			want:   false,
		},
		{
			name:   "ctrl autorepeat keeps it held",
			events: []input.KeyEvent{{Code: chord.KeyLeftCtrl, Value: 2}, input.KeyDown(keyK)},
			want:   true,
		},
		{
			name:   "other key",
			events: []input.KeyEvent{input.KeyDown(chord.KeyLeftCtrl), input.KeyDown(chord.DefaultCode)},
			want:   false,
		},
		{
			name:   "empty batch",
			events: nil,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Detector
			assert.Equal(t, tt.want, d.Feed(tt.events, keyK))
		})
	}
}

func TestDetectorKeepsControlAcrossBatches(t *testing.T) {
	var d Detector
	assert.False(t, d.Feed([]input.KeyEvent{input.KeyDown(chord.KeyLeftCtrl)}, keyK))
	assert.True(t, d.ControlHeld())
	assert.True(t, d.Feed([]input.KeyEvent{input.KeyDown(keyK)}, keyK))
}

func TestDetectorStopsAtFirstMatch(t *testing.T) {
	var d Detector
	matched := d.Feed([]input.KeyEvent{
		input.KeyDown(chord.KeyLeftCtrl),
		input.KeyDown(keyK),
		input.KeyUp(chord.KeyLeftCtrl),
	}, keyK)
	assert.True(t, matched)
	assert.True(t, d.ControlHeld(), "events after the match are not processed")
}

func TestDetectorSharedControlFlag(t *testing.T) {
	var d Detector
	matched := d.Feed([]input.KeyEvent{
		input.KeyDown(chord.KeyLeftCtrl),
		input.KeyUp(chord.KeyRightCtrl),
		input.KeyDown(keyK),
	}, keyK)
	assert.False(t, matched, "either Control releasing clears the flag")
}
