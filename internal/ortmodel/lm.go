package ortmodel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"yashubustudio/strbench/strbench"
)

// LanguageModelOptions configures the masked language model session.
type LanguageModelOptions struct {
	ModelPath         string
	InputIDsName      string
	AttentionMaskName string
	OutputName        string
	Device            strbench.Device
	Vocabulary        *Vocabulary
}

// LanguageModel is a frozen masked LM over the recognizer's character vocabulary.
type LanguageModel struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	vocab   *Vocabulary
}

// NewLanguageModel opens the LM session. Input order is ids then attention mask.
func NewLanguageModel(opts LanguageModelOptions, logger *log.Logger) (*LanguageModel, error) {
	if opts.Vocabulary == nil {
		return nil, errors.New("language model vocabulary is required")
	}
	inputs, outputs, err := ioNames(opts.ModelPath)
	if err != nil {
		return nil, err
	}
	if len(inputs) < 2 {
		return nil, fmt.Errorf("language model declares %d inputs, want ids and attention mask", len(inputs))
	}
	ids, err := pickName(opts.InputIDsName, inputs)
	if err != nil {
		return nil, err
	}
	mask, err := pickName(opts.AttentionMaskName, inputs)
	if err != nil {
		return nil, err
	}
	if mask == ids {
		mask = inputs[1]
	}
	out, err := pickName(opts.OutputName, outputs)
	if err != nil {
		return nil, err
	}
	so, err := newSessionOptions(opts.Device, logger)
	if err != nil {
		return nil, err
	}
	defer so.Destroy()
	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, []string{ids, mask}, []string{out}, so)
	if err != nil {
		return nil, fmt.Errorf("create language model session: %w", err)
	}
	logfTo(logger, "language model %s: inputs=%s,%s output=%s mask_id=%d", opts.ModelPath, ids, mask, out, opts.Vocabulary.MaskID)
	return &LanguageModel{session: session, vocab: opts.Vocabulary}, nil
}

// Forward scores the masked sequences and returns scores over the recognizer's classes.
func (m *LanguageModel) Forward(ctx context.Context, ids [][]int, attention [][]bool) (*strbench.Logits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flatIDs, flatMask, steps, err := m.vocab.EncodeInput(ids, attention)
	if err != nil {
		return nil, err
	}
	batch := len(ids)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, errors.New("language model is closed")
	}

	shape := ort.NewShape(int64(batch), int64(steps))
	idTensor, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("create ids tensor: %w", err)
	}
	defer idTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("create attention tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{idTensor, maskTensor}, outputs); err != nil {
		return nil, fmt.Errorf("run language model: %w", err)
	}
	defer outputs[0].Destroy()
	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("language model output is not float32")
	}
	outShape := tensor.GetShape()
	if len(outShape) != 3 || int(outShape[0]) != batch || int(outShape[1]) != steps {
		return nil, fmt.Errorf("%w: language model output shape %v", strbench.ErrShapeMismatch, outShape)
	}
	return m.vocab.ProjectOutput(tensor.GetData(), batch, steps, int(outShape[2]))
}

// Close releases the session.
func (m *LanguageModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

// EncodeInput flattens recognizer IDs into LM IDs. strbench.MaskedID positions and positions hidden
// by the attention mask carry the LM mask token; the attention value is passed through.
func (v *Vocabulary) EncodeInput(ids [][]int, attention [][]bool) ([]int64, []int64, int, error) {
	if len(ids) == 0 || len(ids) != len(attention) {
		return nil, nil, 0, fmt.Errorf("%w: %d id rows, %d attention rows", strbench.ErrShapeMismatch, len(ids), len(attention))
	}
	steps := len(ids[0])
	flatIDs := make([]int64, 0, len(ids)*steps)
	flatMask := make([]int64, 0, len(ids)*steps)
	for b, row := range ids {
		if len(row) != steps || len(attention[b]) != steps {
			return nil, nil, 0, fmt.Errorf("%w: row %d is not %d long", strbench.ErrShapeMismatch, b, steps)
		}
		for t, id := range row {
			var visible int64
			if attention[b][t] {
				visible = 1
			}
			flatMask = append(flatMask, visible)
			if id == strbench.MaskedID || visible == 0 {
				flatIDs = append(flatIDs, int64(v.MaskID))
				continue
			}
			if id < 0 || id >= len(v.ToLM) {
				return nil, nil, 0, fmt.Errorf("token id %d outside recognizer vocabulary", id)
			}
			flatIDs = append(flatIDs, int64(v.ToLM[id]))
		}
	}
	return flatIDs, flatMask, steps, nil
}

// ProjectOutput gathers the LM scores of the recognizer's tokens into a [B, T, NumClass] tensor.
func (v *Vocabulary) ProjectOutput(data []float32, batch, steps, lmClasses int) (*strbench.Logits, error) {
	if len(data) != batch*steps*lmClasses {
		return nil, fmt.Errorf("%w: %d values for [%d %d %d]", strbench.ErrShapeMismatch, len(data), batch, steps, lmClasses)
	}
	out := strbench.NewLogits(batch, steps, len(v.ToLM))
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			src := data[(b*steps+t)*lmClasses : (b*steps+t+1)*lmClasses]
			dst := out.At(b, t)
			for c, lmID := range v.ToLM {
				if lmID >= lmClasses {
					return nil, fmt.Errorf("%w: token %d maps to %d, model has %d classes", strbench.ErrShapeMismatch, c, lmID, lmClasses)
				}
				dst[c] = src[lmID]
			}
		}
	}
	return out, nil
}
