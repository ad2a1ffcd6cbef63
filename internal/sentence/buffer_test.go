package sentence

import "testing"

func TestEditOperations(t *testing.T) {
	var b Buffer
	b.Append('H')
	b.Append('I')
	b.AppendSpace()
	b.AppendString("YÖ")
	if got := b.String(); got != "HI YÖ" {
		t.Fatalf("unexpected contents %q", got)
	}
	b.DeleteLast()
	if got := b.String(); got != "HI Y" {
		t.Fatalf("delete should remove a whole rune, got %q", got)
	}
	b.Clear()
	if b.Len() != 0 || b.String() != "" {
		t.Fatalf("expected empty after clear, got %q", b.String())
	}
}

func TestDeleteLastOnEmpty(t *testing.T) {
	var b Buffer
	b.DeleteLast()
	b.DeleteLast()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got len %d", b.Len())
	}
	b.Append('A')
	if b.String() != "A" {
		t.Fatalf("buffer unusable after underflow attempt: %q", b.String())
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	var b Buffer
	b.AppendString("AB")
	snap := b.String()
	b.Append('C')
	if snap != "AB" {
		t.Fatalf("snapshot mutated: %q", snap)
	}
}
