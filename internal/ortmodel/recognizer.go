package ortmodel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"yashubustudio/strbench/strbench"
)

// RecognizerOptions configures an ONNX recognizer.
type RecognizerOptions struct {
	ModelPath  string
	InputName  string
	OutputName string
	Device     strbench.Device
	// HeadPath is a linear head checkpoint applied to the backbone output. When the file does not
	// exist and the backbone already emits NumClass scores, an identity head is created so the
	// recognizer starts from the pretrained predictions. A head of another width is only created
	// with RandomHead.
	HeadPath   string
	HeadIn     int
	RandomHead bool
	NumClass   int
	ParamCount int64
}

// Recognizer runs a ViTSTR-style ONNX graph: images [N, C, H, W] in, per-token scores
// [N, T', V] out, of which the first seqLen positions are kept. With a head the graph output is
// treated as features and projected to class scores in Go.
type Recognizer struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	head       *Head
	headPath   string
	paramCount int64
	logger     *log.Logger

	// features of the most recent Forward, kept for Backward.
	lastFeatures []float32
	lastRows     int
}

// NewRecognizer opens the model session on the configured device.
func NewRecognizer(opts RecognizerOptions, logger *log.Logger) (*Recognizer, error) {
	inputs, outputs, err := ioNames(opts.ModelPath)
	if err != nil {
		return nil, err
	}
	in, err := pickName(opts.InputName, inputs)
	if err != nil {
		return nil, fmt.Errorf("recognizer input: %w", err)
	}
	out, err := pickName(opts.OutputName, outputs)
	if err != nil {
		return nil, fmt.Errorf("recognizer output: %w", err)
	}
	so, err := newSessionOptions(opts.Device, logger)
	if err != nil {
		return nil, err
	}
	defer so.Destroy()
	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, []string{in}, []string{out}, so)
	if err != nil {
		return nil, fmt.Errorf("create recognizer session: %w", err)
	}
	r := &Recognizer{
		session:    session,
		inputName:  in,
		outputName: out,
		headPath:   opts.HeadPath,
		paramCount: opts.ParamCount,
		logger:     logger,
	}
	if opts.HeadPath != "" {
		head, err := openHead(opts)
		if err != nil {
			session.Destroy()
			return nil, err
		}
		r.head = head
	}
	logfTo(logger, "recognizer %s: input=%s output=%s device=%s head=%t", opts.ModelPath, in, out, opts.Device, r.head != nil)
	warnParamCount(opts, logger)
	return r, nil
}

// warnParamCount flags a summary whose parameter count would leave out the backbone.
func warnParamCount(opts RecognizerOptions, logger *log.Logger) {
	if opts.ParamCount > 0 {
		return
	}
	logfTo(logger, "warning: recognizer.paramCount is not set; the summary's # parameters covers only the trainable head")
}

func openHead(opts RecognizerOptions) (*Head, error) {
	head, err := LoadHead(opts.HeadPath)
	if err == nil {
		if opts.NumClass > 0 && head.Out != opts.NumClass {
			return nil, fmt.Errorf("%w: head has %d classes, converter has %d", strbench.ErrShapeMismatch, head.Out, opts.NumClass)
		}
		return head, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if opts.HeadIn <= 0 || opts.NumClass <= 0 {
		return nil, fmt.Errorf("head %s does not exist and no dimensions were given", opts.HeadPath)
	}
	if opts.HeadIn == opts.NumClass {
		return NewIdentityHead(opts.NumClass), nil
	}
	if !opts.RandomHead {
		return nil, fmt.Errorf("head %s does not exist and a random %dx%d head would replace the backbone scores; set recognizer.randomHead to train one",
			opts.HeadPath, opts.HeadIn, opts.NumClass)
	}
	return NewHead(opts.HeadIn, opts.NumClass, 1), nil
}

// Forward runs the backbone. targets are unused: ViTSTR decodes every position in parallel.
func (r *Recognizer) Forward(ctx context.Context, images *strbench.Images, _ [][]int, seqLen int) (*strbench.Logits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if images == nil || images.N == 0 {
		return nil, fmt.Errorf("%w: empty image batch", strbench.ErrShapeMismatch)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil, errors.New("recognizer is closed")
	}

	shape := ort.NewShape(int64(images.N), int64(images.C), int64(images.H), int64(images.W))
	input, err := ort.NewTensor(shape, images.Data)
	if err != nil {
		return nil, fmt.Errorf("create image tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run recognizer: %w", err)
	}
	defer outputs[0].Destroy()
	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("recognizer output %s is not float32", r.outputName)
	}
	outShape := tensor.GetShape()
	if len(outShape) != 3 || int(outShape[0]) != images.N {
		return nil, fmt.Errorf("%w: recognizer output shape %v", strbench.ErrShapeMismatch, outShape)
	}
	steps, width := int(outShape[1]), int(outShape[2])
	if steps < seqLen {
		return nil, fmt.Errorf("%w: model emits %d positions, need %d", strbench.ErrShapeMismatch, steps, seqLen)
	}
	data := tensor.GetData()
	kept := make([]float32, images.N*seqLen*width)
	for b := 0; b < images.N; b++ {
		copy(kept[b*seqLen*width:(b+1)*seqLen*width], data[b*steps*width:b*steps*width+seqLen*width])
	}

	if r.head == nil {
		return &strbench.Logits{Batch: images.N, Steps: seqLen, Classes: width, Data: kept}, nil
	}
	if width != r.head.In {
		return nil, fmt.Errorf("%w: backbone emits %d features, head expects %d", strbench.ErrShapeMismatch, width, r.head.In)
	}
	rows := images.N * seqLen
	scores, err := r.head.Forward(kept, rows)
	if err != nil {
		return nil, err
	}
	r.lastFeatures = kept
	r.lastRows = rows
	return &strbench.Logits{Batch: images.N, Steps: seqLen, Classes: r.head.Out, Data: scores}, nil
}

// ParamCount returns the configured backbone size plus the head parameters.
func (r *Recognizer) ParamCount() int64 {
	n := r.paramCount
	if r.head != nil {
		n += int64(r.head.In*r.head.Out + r.head.Out)
	}
	return n
}

// Trainable returns the recognizer as a trainable model. Only the head is updated; the ONNX
// backbone is frozen.
func (r *Recognizer) Trainable() (strbench.Trainable, error) {
	if r.head == nil {
		return nil, strbench.ErrNotTrainable
	}
	return &trainableRecognizer{Recognizer: r}, nil
}

// Close releases the session.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	return err
}

type trainableRecognizer struct {
	*Recognizer
}

func (t *trainableRecognizer) Parameters() []*strbench.Parameter {
	return t.head.Parameters()
}

func (t *trainableRecognizer) ZeroGrad() {
	t.head.ZeroGrad()
}

func (t *trainableRecognizer) Backward(ctx context.Context, grad *strbench.Logits) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := grad.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastFeatures == nil {
		return errors.New("backward called before forward")
	}
	if grad.Batch*grad.Steps != t.lastRows || grad.Classes != t.head.Out {
		return fmt.Errorf("%w: gradient [%d %d %d] does not match last forward", strbench.ErrShapeMismatch, grad.Batch, grad.Steps, grad.Classes)
	}
	return t.head.Backward(t.lastFeatures, grad.Data, t.lastRows)
}

func (t *trainableRecognizer) Save(path string) error {
	if path == "" {
		path = t.headPath
	}
	if err := t.head.Save(path); err != nil {
		return err
	}
	logfTo(t.logger, "saved head checkpoint to %s", path)
	return nil
}
