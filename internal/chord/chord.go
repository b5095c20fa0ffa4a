// Package chord holds the unlock chord configuration: Control plus a single
// letter key, and the mapping from letters to Linux evdev key codes.
package chord

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Evdev key codes used by the chord (linux/input-event-codes.h).
const (
	KeyLeftCtrl  uint16 = 29
	KeyRightCtrl uint16 = 97
)

// DefaultLetter is used whenever the requested unlock key is not A-Z.
const DefaultLetter = 'Q'

// DefaultCode is the evdev code of DefaultLetter (KEY_Q).
const DefaultCode uint16 = 16

// letterCodes maps 'A'..'Z' to evdev codes. The kernel numbers keys by their
// physical position on a US layout, so the table follows keyboard rows.
var letterCodes = [26]uint16{
	'A' - 'A': 30, 'B' - 'A': 48, 'C' - 'A': 46, 'D' - 'A': 32,
	'E' - 'A': 18, 'F' - 'A': 33, 'G' - 'A': 34, 'H' - 'A': 35,
	'I' - 'A': 23, 'J' - 'A': 36, 'K' - 'A': 37, 'L' - 'A': 38,
	'M' - 'A': 50, 'N' - 'A': 49, 'O' - 'A': 24, 'P' - 'A': 25,
	'Q' - 'A': 16, 'R' - 'A': 19, 'S' - 'A': 31, 'T' - 'A': 20,
	'U' - 'A': 22, 'V' - 'A': 47, 'W' - 'A': 17, 'X' - 'A': 45,
	'Y' - 'A': 21, 'Z' - 'A': 44,
}

// Chord is the unlock configuration. The zero value is not valid; use
// Default or Parse.
type Chord struct {
	Letter rune   `json:"letter"`
	Code   uint16 `json:"code"`
}

// Default returns Ctrl+Q.
func Default() Chord {
	return Chord{Letter: DefaultLetter, Code: DefaultCode}
}

// Parse builds a chord from user input. Only the first character counts and
// case is ignored. Anything outside A-Z, including empty input, yields the
// default chord.
func Parse(s string) Chord {
	r, _ := utf8.DecodeRuneInString(strings.TrimSpace(s))
	if r >= 'a' && r <= 'z' {
		r -= 'a' - 'A'
	}
	if r < 'A' || r > 'Z' {
		return Default()
	}
	return Chord{Letter: r, Code: letterCodes[r-'A']}
}

// ResolveUnlockCode returns the evdev code for the given input.
func ResolveUnlockCode(s string) uint16 {
	return Parse(s).Code
}

// LetterForCode is the inverse mapping. ok is false for codes that are not
// letter keys.
func LetterForCode(code uint16) (letter rune, ok bool) {
	for i, c := range letterCodes {
		if c == code {
			return rune('A' + i), true
		}
	}
	return 0, false
}

// IsControl reports whether code is the left or right Control key.
func IsControl(code uint16) bool {
	return code == KeyLeftCtrl || code == KeyRightCtrl
}

// Valid reports whether the chord's letter and code agree.
func (c Chord) Valid() bool {
	if c.Letter < 'A' || c.Letter > 'Z' {
		return false
	}
	return letterCodes[c.Letter-'A'] == c.Code
}

// String returns a display form such as "Ctrl+K".
func (c Chord) String() string {
	return fmt.Sprintf("Ctrl+%c", c.Letter)
}
