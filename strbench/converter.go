package strbench

import "strings"

const (
	// GoToken starts every sequence and doubles as padding (ID 0).
	GoToken = "[GO]"
	// EOSToken terminates every sequence (ID 1).
	EOSToken = "[s]"

	// PadID is ignored by the loss and by mismatch masking.
	PadID = 0
	// EOSID marks the end of a sequence.
	EOSID = 1
	// MaskedID marks a language model input position the model has to fill in. Language model
	// backends translate it to their own mask token.
	MaskedID = -1
)

// Converter maps labels to fixed-length token sequences and back.
type Converter struct {
	character      []string
	dict           map[rune]int
	batchMaxLength int
}

// NewConverter builds the token table [GO], [s], followed by every rune of character.
func NewConverter(character string, batchMaxLength int) *Converter {
	c := &Converter{
		character:      []string{GoToken, EOSToken},
		dict:           make(map[rune]int),
		batchMaxLength: batchMaxLength,
	}
	for _, r := range character {
		if _, ok := c.dict[r]; ok {
			continue
		}
		c.dict[r] = len(c.character)
		c.character = append(c.character, string(r))
	}
	return c
}

// Character returns a copy of the token table.
func (c *Converter) Character() []string {
	return append([]string(nil), c.character...)
}

// NumClass is the size of the token table.
func (c *Converter) NumClass() int {
	return len(c.character)
}

// BatchMaxLength is the longest label the converter keeps.
func (c *Converter) BatchMaxLength() int {
	return c.batchMaxLength
}

// MaxLength is the fixed sequence length including both sentinels.
func (c *Converter) MaxLength() int {
	return c.batchMaxLength + 2
}

// Token returns the token string for id, or "" when id is out of range.
func (c *Converter) Token(id int) string {
	if id < 0 || id >= len(c.character) {
		return ""
	}
	return c.character[id]
}

// ID returns the token ID of r.
func (c *Converter) ID(r rune) (int, bool) {
	id, ok := c.dict[r]
	return id, ok
}

// Encode converts labels into [GO] label [s] sequences padded with PadID.
// Labels longer than BatchMaxLength are truncated and unknown runes are skipped.
func (c *Converter) Encode(labels []string) [][]int {
	out := make([][]int, len(labels))
	for i, label := range labels {
		seq := make([]int, c.MaxLength())
		pos := 1
		for _, r := range label {
			if pos > c.batchMaxLength {
				break
			}
			id, ok := c.dict[r]
			if !ok {
				continue
			}
			seq[pos] = id
			pos++
		}
		seq[pos] = EOSID
		out[i] = seq
	}
	return out
}

// Decode maps each row back to text, reading at most lengths[i] IDs and stopping at the first [s].
func (c *Converter) Decode(ids [][]int, lengths []int) []string {
	out := make([]string, len(ids))
	for i, row := range ids {
		n := len(row)
		if i < len(lengths) && lengths[i] < n {
			n = lengths[i]
		}
		text, _ := c.DecodeWithEOS(row[:n])
		out[i] = text
	}
	return out
}

// DecodeWithEOS decodes one row and reports the index of the first [s], or -1.
func (c *Converter) DecodeWithEOS(row []int) (string, int) {
	var b strings.Builder
	for i, id := range row {
		if id == EOSID {
			return b.String(), i
		}
		b.WriteString(c.Token(id))
	}
	return b.String(), -1
}
