package common

import "unicode/utf16"

// Text is document content as UTF-16 code units. Operation positions index
// into it directly, so an offset may split a surrogate pair; the halves
// survive in Text and only become U+FFFD when rendered with String.
type Text []uint16

func NewText(s string) Text {
	return utf16.Encode([]rune(s))
}

func (t Text) String() string {
	return string(utf16.Decode(t))
}

func (t Text) Len() int {
	return len(t)
}

// Units returns the length of s in UTF-16 code units.
func Units(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
