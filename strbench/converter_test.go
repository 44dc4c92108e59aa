package strbench

import (
	"reflect"
	"testing"
)

func TestConverterEncode(t *testing.T) {
	conv := NewConverter(AlphanumericCharacter, 5)
	if got, want := conv.NumClass(), 38; got != want {
		t.Fatalf("NumClass() = %d, want %d", got, want)
	}
	if got, want := conv.MaxLength(), 7; got != want {
		t.Fatalf("MaxLength() = %d, want %d", got, want)
	}

	a, _ := conv.ID('a')
	b, _ := conv.ID('b')
	c, _ := conv.ID('c')
	tests := []struct {
		name  string
		label string
		want  []int
	}{
		{"plain", "abc", []int{0, a, b, c, EOSID, 0, 0}},
		{"empty", "", []int{0, EOSID, 0, 0, 0, 0, 0}},
		{"truncated", "abcabcabc", []int{0, a, b, c, a, b, EOSID}},
		{"unknown runes skipped", "a-b", []int{0, a, b, EOSID, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := conv.Encode([]string{tt.label})[0]
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Encode(%q) = %v, want %v", tt.label, got, tt.want)
			}
		})
	}
}

func TestConverterDecode(t *testing.T) {
	conv := NewConverter(AlphanumericCharacter, 25)
	labels := []string{"hello", "a", "0123456789"}
	encoded := conv.Encode(labels)

	rows := make([][]int, len(encoded))
	lengths := make([]int, len(encoded))
	for i, seq := range encoded {
		rows[i] = seq[1:]
		lengths[i] = conv.MaxLength() - 1
	}
	got := conv.Decode(rows, lengths)
	if !reflect.DeepEqual(got, labels) {
		t.Fatalf("Decode() = %v, want %v", got, labels)
	}

	text, eos := conv.DecodeWithEOS(encoded[0][1:])
	if text != "hello" || eos != 5 {
		t.Fatalf("DecodeWithEOS() = %q, %d, want hello, 5", text, eos)
	}
	text, eos = conv.DecodeWithEOS([]int{2, 3})
	if text != "01" || eos != -1 {
		t.Fatalf("DecodeWithEOS() without [s] = %q, %d", text, eos)
	}
}

func TestConverterDecodeRespectsLength(t *testing.T) {
	conv := NewConverter(AlphanumericCharacter, 25)
	row := conv.Encode([]string{"hello"})[0][1:]
	if got := conv.Decode([][]int{row}, []int{3})[0]; got != "hel" {
		t.Fatalf("Decode(len=3) = %q, want hel", got)
	}
}

func TestConverterSkipsDuplicateCharacters(t *testing.T) {
	conv := NewConverter("aab", 4)
	want := []string{GoToken, EOSToken, "a", "b"}
	if got := conv.Character(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Character() = %v, want %v", got, want)
	}
}
