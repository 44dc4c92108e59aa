package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// GTFile is the ground-truth file every leaf dataset directory carries.
const GTFile = "gt.txt"

// Sample is one labelled image on disk.
type Sample struct {
	Path  string
	Label string
}

// ReadGT parses dir/gt.txt. Each line is "<relative image path>\t<label>"; a single space is
// accepted as separator when the line has no tab. Image paths are resolved against dir.
func ReadGT(dir string) ([]Sample, error) {
	f, err := os.Open(filepath.Join(dir, GTFile))
	if err != nil {
		return nil, fmt.Errorf("open ground truth: %w", err)
	}
	defer f.Close()

	var out []Sample
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		path, label, ok := strings.Cut(text, "\t")
		if !ok {
			path, label, ok = strings.Cut(text, " ")
		}
		if !ok || path == "" {
			return nil, fmt.Errorf("%s:%d: expected <path>\\t<label>", filepath.Join(dir, GTFile), line)
		}
		out = append(out, Sample{Path: filepath.Join(dir, filepath.FromSlash(path)), Label: label})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ground truth: %w", err)
	}
	return out, nil
}

// NormalizeLabel applies NFKC and drops control characters.
func NormalizeLabel(label string) string {
	normed := norm.NFKC.String(label)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, normed)
}

// Filter decides which labels enter a dataset and how they are rewritten.
type Filter struct {
	Character        string
	BatchMaxLength   int
	Sensitive        bool
	DataFilteringOff bool
	Normalize        bool

	charset map[rune]struct{}
}

// Apply returns the rewritten label and whether the sample is kept. Labels are lower-cased
// when not Sensitive. Unless DataFilteringOff, labels longer than BatchMaxLength or with
// characters outside Character are dropped; with filtering off those characters are stripped.
func (f *Filter) Apply(label string) (string, bool) {
	if f.Normalize {
		label = NormalizeLabel(label)
	}
	if !f.Sensitive {
		label = strings.ToLower(label)
	}
	if f.charset == nil {
		f.charset = make(map[rune]struct{}, len(f.Character))
		for _, r := range f.Character {
			f.charset[r] = struct{}{}
		}
	}
	if f.DataFilteringOff {
		return strings.Map(func(r rune) rune {
			if _, ok := f.charset[r]; ok {
				return r
			}
			return -1
		}, label), true
	}
	if f.BatchMaxLength > 0 && len([]rune(label)) > f.BatchMaxLength {
		return "", false
	}
	for _, r := range label {
		if _, ok := f.charset[r]; !ok {
			return "", false
		}
	}
	return label, true
}
