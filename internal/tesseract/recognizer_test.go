package tesseract

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os/exec"
	"testing"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"yashubustudio/strbench/strbench"
)

func ensureTesseractAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed in PATH")
	}
}

func TestPeakLogitMatchesConfidence(t *testing.T) {
	for _, p := range []float64{0.2, 0.5, 0.93} {
		classes := 38
		peak := float64(peakLogit(p, classes))
		got := math.Exp(peak) / (math.Exp(peak) + float64(classes-1))
		if math.Abs(got-p) > 1e-5 {
			t.Errorf("softmax(peakLogit(%v)) = %v", p, got)
		}
	}
	// confidence below uniform still makes the peak the argmax
	if peakLogit(0, 38) <= 0 {
		t.Fatal("peakLogit(0) should stay above the other classes")
	}
}

func TestFillScoresDecodes(t *testing.T) {
	conv := strbench.NewConverter(strbench.AlphanumericCharacter, 25)
	out := strbench.NewLogits(1, conv.MaxLength(), conv.NumClass())
	FillScores(out, 0, conv, "Ab-1", 0.8)

	ids, probs := out.Argmax()
	text, eos := conv.DecodeWithEOS(ids[0][1:])
	if text != "ab1" {
		t.Fatalf("decoded %q, want ab1", text)
	}
	if ids[0][0] != strbench.PadID || eos != 3 {
		t.Fatalf("start token %d, eos at %d", ids[0][0], eos)
	}
	if math.Abs(probs[0][0]-0.8) > 1e-4 || probs[0][1] < 1-1e-9 {
		t.Fatalf("position probabilities = %v, %v, want 0.8 then certain", probs[0][0], probs[0][1])
	}
	// the runner's sequence confidence is the word confidence, whatever the word length
	if got := strbench.Confidence(probs[0], eos); math.Abs(got-0.8) > 1e-4 {
		t.Fatalf("sequence confidence = %v, want 0.8", got)
	}
}

func TestEncodePNGRoundTrip(t *testing.T) {
	images := strbench.NewImages(2, 1, 2, 3)
	second := images.Sample(1)
	for i := range second {
		second[i] = -1
	}
	second[4] = 1

	data, err := EncodePNG(images, 1)
	if err != nil {
		t.Fatalf("EncodePNG() error = %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("bounds = %v", b)
	}
	if g := color.GrayModel.Convert(img.At(1, 1)).(color.Gray); g.Y != 255 {
		t.Fatalf("pixel (1,1) = %d, want 255", g.Y)
	}
	if g := color.GrayModel.Convert(img.At(0, 0)).(color.Gray); g.Y != 0 {
		t.Fatalf("pixel (0,0) = %d, want 0", g.Y)
	}
}

func TestRecognizerForward(t *testing.T) {
	ensureTesseractAvailable(t)

	src := image.NewGray(image.Rect(0, 0, 120, 40))
	draw.Draw(src, src.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{Dst: src, Src: image.Black, Face: basicfont.Face7x13, Dot: fixed.P(20, 25)}
	d.DrawString("hello")

	images := strbench.NewImages(1, 1, 40, 120)
	for i, px := range src.Pix {
		images.Data[i] = float32(px)/127.5 - 1
	}
	conv := strbench.NewConverter(strbench.AlphanumericCharacter, 25)
	rec := New(conv, "eng", nil)
	out, err := rec.Forward(context.Background(), images, nil, conv.MaxLength())
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatal(err)
	}
	if out.Steps != conv.MaxLength() || out.Classes != conv.NumClass() {
		t.Fatalf("logits shape = [%d %d %d]", out.Batch, out.Steps, out.Classes)
	}
}
