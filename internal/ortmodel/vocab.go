package ortmodel

import (
	"fmt"

	"github.com/sugarme/tokenizer/pretrained"
)

var (
	tokenAliases = map[string][]string{
		"[GO]": {"<pad>", "[PAD]", "<s>", "[CLS]"},
		"[s]":  {"</s>", "[SEP]"},
	}
	maskTokens = []string{"<mask>", "[MASK]"}
)

// Vocabulary maps recognizer token IDs to the language model's token IDs.
type Vocabulary struct {
	// ToLM[i] is the language model ID of recognizer token i.
	ToLM   []int
	MaskID int
	Size   int
}

// IdentityVocabulary is used when the language model shares the recognizer's table.
func IdentityVocabulary(numClass, maskID int) *Vocabulary {
	v := &Vocabulary{ToLM: make([]int, numClass), MaskID: maskID, Size: numClass}
	for i := range v.ToLM {
		v.ToLM[i] = i
	}
	if maskID >= v.Size {
		v.Size = maskID + 1
	}
	return v
}

// LoadVocabulary reads a HuggingFace tokenizer.json and resolves every recognizer token in it.
// tokens is the recognizer table, starting with [GO] and [s].
func LoadVocabulary(path string, tokens []string) (*Vocabulary, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return BuildVocabulary(tk.GetVocab(true), tokens)
}

// BuildVocabulary resolves tokens against an LM vocabulary.
func BuildVocabulary(lm map[string]int, tokens []string) (*Vocabulary, error) {
	v := &Vocabulary{ToLM: make([]int, len(tokens)), MaskID: -1, Size: len(lm)}
	for i, tok := range tokens {
		id, ok := lookupToken(lm, tok)
		if !ok {
			return nil, fmt.Errorf("token %q missing from language model vocabulary", tok)
		}
		v.ToLM[i] = id
	}
	for _, m := range maskTokens {
		if id, ok := lm[m]; ok {
			v.MaskID = id
			break
		}
	}
	if v.MaskID < 0 {
		return nil, fmt.Errorf("language model vocabulary has no mask token")
	}
	for _, id := range lm {
		if id >= v.Size {
			v.Size = id + 1
		}
	}
	return v, nil
}

func lookupToken(lm map[string]int, tok string) (int, bool) {
	if id, ok := lm[tok]; ok {
		return id, true
	}
	for _, alias := range tokenAliases[tok] {
		if id, ok := lm[alias]; ok {
			return id, true
		}
	}
	return 0, false
}
