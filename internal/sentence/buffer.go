// Package sentence holds the committed output characters.
package sentence

// Buffer is an editable, unbounded sequence of committed characters. All
// operations are total; none fail on an empty buffer. Buffer is not safe for
// concurrent use.
type Buffer struct {
	runes []rune
}

func (b *Buffer) Append(r rune) {
	b.runes = append(b.runes, r)
}

// AppendString appends every rune of s.
func (b *Buffer) AppendString(s string) {
	b.runes = append(b.runes, []rune(s)...)
}

func (b *Buffer) AppendSpace() {
	b.runes = append(b.runes, ' ')
}

// DeleteLast removes the final character, if any.
func (b *Buffer) DeleteLast() {
	if len(b.runes) == 0 {
		return
	}
	b.runes = b.runes[:len(b.runes)-1]
}

func (b *Buffer) Clear() {
	b.runes = b.runes[:0]
}

func (b *Buffer) Len() int { return len(b.runes) }

// String returns a snapshot of the buffer contents.
func (b *Buffer) String() string { return string(b.runes) }
