package ortmodel

import (
	"context"
	"log"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"yashubustudio/strbench/strbench"
)

// tokenizerVocabulary resolves the alphanumeric table against a RoBERTa-style vocabulary whose
// mask token lies far outside the recognizer's range.
func tokenizerVocabulary(t *testing.T, conv *strbench.Converter) *Vocabulary {
	t.Helper()
	lm := map[string]int{"<s>": 0, "<pad>": 1, "</s>": 2, "<mask>": 50264}
	for i, r := range strbench.AlphanumericCharacter {
		lm[string(r)] = 3 + i
	}
	v, err := BuildVocabulary(lm, conv.Character())
	if err != nil {
		t.Fatalf("BuildVocabulary() error = %v", err)
	}
	return v
}

func testVocabularies(t *testing.T, conv *strbench.Converter) map[string]*Vocabulary {
	return map[string]*Vocabulary{
		"identity":  IdentityVocabulary(conv.NumClass(), 95),
		"tokenizer": tokenizerVocabulary(t, conv),
	}
}

func TestEncodeInputAcceptsMaskedInput(t *testing.T) {
	conv := strbench.NewConverter(strbench.AlphanumericCharacter, 4)
	target := conv.Encode([]string{"ab"})
	a, _ := conv.ID('a')
	// b is misread and the last padding slot is predicted as a character
	pred := [][]int{{strbench.PadID, a, 9, strbench.EOSID, strbench.PadID, 7}}
	ids, attention := strbench.MaskedInput(pred, target)

	for name, v := range testVocabularies(t, conv) {
		t.Run(name, func(t *testing.T) {
			flat, mask, steps, err := v.EncodeInput(ids, attention)
			if err != nil {
				t.Fatalf("EncodeInput() error = %v", err)
			}
			if steps != conv.MaxLength() {
				t.Fatalf("steps = %d, want %d", steps, conv.MaxLength())
			}
			want := []int64{
				int64(v.ToLM[strbench.PadID]), int64(v.ToLM[a]), int64(v.MaskID),
				int64(v.ToLM[strbench.EOSID]), int64(v.ToLM[strbench.PadID]), int64(v.MaskID),
			}
			if !reflect.DeepEqual(flat, want) {
				t.Fatalf("ids = %v, want %v", flat, want)
			}
			if want := []int64{1, 1, 0, 1, 1, 1}; !reflect.DeepEqual(mask, want) {
				t.Fatalf("attention = %v, want %v", mask, want)
			}
		})
	}
}

func TestEncodeInputRejectsUnknownIDs(t *testing.T) {
	v := IdentityVocabulary(38, 95)
	if _, _, _, err := v.EncodeInput([][]int{{0, 38}}, [][]bool{{true, true}}); err == nil {
		t.Fatal("EncodeInput() accepted an id outside the recognizer table")
	}
	if _, _, _, err := v.EncodeInput([][]int{{0, -2}}, [][]bool{{true, true}}); err == nil {
		t.Fatal("EncodeInput() accepted a negative id other than the mask sentinel")
	}
}

// headModel runs a head over fixed one-hot features that point at class feature everywhere.
type headModel struct {
	head     *Head
	feature  int
	features []float32
	rows     int
}

func (m *headModel) Forward(_ context.Context, images *strbench.Images, _ [][]int, seqLen int) (*strbench.Logits, error) {
	m.rows = images.N * seqLen
	m.features = make([]float32, m.rows*m.head.In)
	for r := 0; r < m.rows; r++ {
		m.features[r*m.head.In+m.feature] = 1
	}
	scores, err := m.head.Forward(m.features, m.rows)
	if err != nil {
		return nil, err
	}
	return &strbench.Logits{Batch: images.N, Steps: seqLen, Classes: m.head.Out, Data: scores}, nil
}

func (m *headModel) ParamCount() int64                 { return int64(m.head.In*m.head.Out + m.head.Out) }
func (m *headModel) Close() error                      { return nil }
func (m *headModel) Parameters() []*strbench.Parameter { return m.head.Parameters() }
func (m *headModel) ZeroGrad()                         { m.head.ZeroGrad() }
func (m *headModel) Save(path string) error            { return m.head.Save(path) }

func (m *headModel) Backward(_ context.Context, grad *strbench.Logits) error {
	return m.head.Backward(m.features, grad.Data, m.rows)
}

// vocabLM encodes its input the way the ONNX language model does and scores every position with
// the LM token of class favour.
type vocabLM struct {
	vocab  *Vocabulary
	favour int
	ids    []int64
}

func (lm *vocabLM) Forward(_ context.Context, ids [][]int, attention [][]bool) (*strbench.Logits, error) {
	flat, _, steps, err := lm.vocab.EncodeInput(ids, attention)
	if err != nil {
		return nil, err
	}
	lm.ids = flat
	data := make([]float32, len(ids)*steps*lm.vocab.Size)
	for row := 0; row < len(ids)*steps; row++ {
		data[row*lm.vocab.Size+lm.vocab.ToLM[lm.favour]] = 4
	}
	return lm.vocab.ProjectOutput(data, len(ids), steps, lm.vocab.Size)
}

func (lm *vocabLM) Close() error { return nil }

func TestTrainerStepWithVocabularies(t *testing.T) {
	conv := strbench.NewConverter(strbench.AlphanumericCharacter, 4)
	a, _ := conv.ID('a')

	for name, v := range testVocabularies(t, conv) {
		t.Run(name, func(t *testing.T) {
			// every position, padding included, predicts class 7
			model := &headModel{head: NewIdentityHead(conv.NumClass()), feature: 7}
			lm := &vocabLM{vocab: v, favour: a}
			tr, err := strbench.NewTrainer(model, lm, nil, strbench.Config{BatchMaxLength: 4}, nil)
			if err != nil {
				t.Fatalf("NewTrainer() error = %v", err)
			}
			before := append([]float32(nil), model.head.bias.Value...)

			res, err := tr.Step(context.Background(), strbench.Batch{Images: strbench.NewImages(1, 1, 1, 1), Labels: []string{"ab"}})
			if err != nil {
				t.Fatalf("Step() error = %v", err)
			}
			if res.Positions != 3 || res.Mismatches != 3 {
				t.Fatalf("positions = %d mismatches = %d, want 3 and 3", res.Positions, res.Mismatches)
			}
			for i, id := range lm.ids {
				if id != int64(v.MaskID) {
					t.Fatalf("position %d carries %d, want the mask token %d", i, id, v.MaskID)
				}
			}
			if reflect.DeepEqual(before, model.head.bias.Value) {
				t.Fatal("head was not updated")
			}
		})
	}
}

func TestIdentityHeadKeepsBackboneScores(t *testing.T) {
	h, err := openHead(RecognizerOptions{HeadPath: filepath.Join(t.TempDir(), "head.bin"), HeadIn: 38, NumClass: 38})
	if err != nil {
		t.Fatalf("openHead() error = %v", err)
	}
	features := make([]float32, 2*38)
	features[5] = 3
	features[38+12] = 2
	features[38+4] = 1
	out, err := h.Forward(features, 2)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !reflect.DeepEqual(out, features) {
		t.Fatal("identity head changed the backbone scores")
	}
}

func TestWarnParamCount(t *testing.T) {
	var buf strings.Builder
	logger := log.New(&buf, "", 0)

	warnParamCount(RecognizerOptions{ParamCount: 85_000_000}, logger)
	if buf.Len() != 0 {
		t.Fatalf("unexpected warning: %s", buf.String())
	}
	warnParamCount(RecognizerOptions{}, logger)
	if !strings.Contains(buf.String(), "recognizer.paramCount is not set") {
		t.Fatalf("missing warning, got %q", buf.String())
	}
}
