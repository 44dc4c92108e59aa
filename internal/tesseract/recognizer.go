// Package tesseract provides a Tesseract baseline behind the recognizer interface.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"yashubustudio/strbench/strbench"
)

// Recognizer reads each image as a single word and emits one-hot scores whose sequence
// confidence equals Tesseract's word confidence.
type Recognizer struct {
	conv      *strbench.Converter
	languages []string
	whitelist string
	logger    *log.Logger

	clientFactory func() *gosseract.Client
}

// New creates a baseline recognizer for the converter's alphabet. languages is a '+' separated
// Tesseract language list; empty means eng.
func New(conv *strbench.Converter, languages string, logger *log.Logger) *Recognizer {
	langs := strings.FieldsFunc(languages, func(r rune) bool { return r == '+' || r == ',' })
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	var wl strings.Builder
	for _, tok := range conv.Character()[2:] {
		wl.WriteString(tok)
		if tok != strings.ToUpper(tok) {
			// lower-case alphabets still accept upper-case glyphs; the scorer folds case
			wl.WriteString(strings.ToUpper(tok))
		}
	}
	return &Recognizer{
		conv:          conv,
		languages:     langs,
		whitelist:     wl.String(),
		logger:        logger,
		clientFactory: gosseract.NewClient,
	}
}

// Forward recognizes every image in the batch.
func (r *Recognizer) Forward(ctx context.Context, images *strbench.Images, _ [][]int, seqLen int) (*strbench.Logits, error) {
	if images == nil || images.N == 0 {
		return nil, fmt.Errorf("%w: empty image batch", strbench.ErrShapeMismatch)
	}
	client := r.clientFactory()
	defer client.Close()
	if err := client.SetLanguage(r.languages...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_WORD); err != nil {
		return nil, fmt.Errorf("set page segmentation: %w", err)
	}
	if err := client.SetWhitelist(r.whitelist); err != nil {
		return nil, fmt.Errorf("set whitelist: %w", err)
	}

	out := strbench.NewLogits(images.N, seqLen, r.conv.NumClass())
	for i := 0; i < images.N; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := EncodePNG(images, i)
		if err != nil {
			return nil, err
		}
		if err := client.SetImageFromBytes(data); err != nil {
			return nil, fmt.Errorf("set image %d: %w", i, err)
		}
		text, err := client.Text()
		if err != nil {
			return nil, fmt.Errorf("recognize image %d: %w", i, err)
		}
		FillScores(out, i, r.conv, strings.TrimSpace(text), wordConfidence(client))
	}
	return out, nil
}

// ParamCount is unknown for Tesseract.
func (r *Recognizer) ParamCount() int64 { return 0 }

// Close is a no-op; clients are created per batch.
func (r *Recognizer) Close() error { return nil }

func wordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100
	}
	return sum / float64(len(boxes))
}

// EncodePNG converts sample i from [-1, 1] back to an 8-bit PNG.
func EncodePNG(images *strbench.Images, i int) ([]byte, error) {
	px := images.Sample(i)
	plane := images.H * images.W
	rect := image.Rect(0, 0, images.W, images.H)
	var img image.Image
	if images.C == 1 {
		g := image.NewGray(rect)
		for j := 0; j < plane; j++ {
			g.Pix[j] = denormalize(px[j])
		}
		img = g
	} else {
		rgba := image.NewRGBA(rect)
		for y := 0; y < images.H; y++ {
			for x := 0; x < images.W; x++ {
				off := y*images.W + x
				rgba.SetRGBA(x, y, color.RGBA{
					R: denormalize(px[off]),
					G: denormalize(px[plane+off]),
					B: denormalize(px[2*plane+off]),
					A: 0xff,
				})
			}
		}
		img = rgba
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func denormalize(v float32) uint8 {
	x := (float64(v)*0.5 + 0.5) * 255
	return uint8(math.Round(math.Max(0, math.Min(255, x))))
}

// certainLogit gives a softmax probability within 1e-15 of 1 for alphabets of up to 100 classes.
const certainLogit = 40

// FillScores writes one-hot scores for text into row b of out: [GO], the characters, [s], then
// padding. The [GO] peak is sized so that its softmax probability equals confidence; every other
// peak is certain, so the product over the sequence is the word confidence.
func FillScores(out *strbench.Logits, b int, conv *strbench.Converter, text string, confidence float64) {
	first := peakLogit(confidence, out.Classes)
	seq := []int{strbench.PadID}
	for _, ch := range text {
		if id, ok := conv.ID(ch); ok {
			seq = append(seq, id)
			continue
		}
		if id, ok := conv.ID([]rune(strings.ToLower(string(ch)))[0]); ok {
			seq = append(seq, id)
		}
	}
	seq = append(seq, strbench.EOSID)
	for t := 0; t < out.Steps; t++ {
		id := strbench.PadID
		if t < len(seq) {
			id = seq[t]
		}
		row := out.At(b, t)
		clear(row)
		row[id] = certainLogit
		if t == 0 {
			row[id] = first
		}
	}
}

// peakLogit solves softmax(peak, 0, ..., 0)[0] = p.
func peakLogit(p float64, classes int) float32 {
	if classes < 2 {
		return 0
	}
	lo := 1/float64(classes) + 1e-6
	p = math.Max(lo, math.Min(p, 0.9999))
	return float32(math.Log(p * float64(classes-1) / (1 - p)))
}
