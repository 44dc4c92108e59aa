package strbench

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch reports tensors whose dimensions disagree.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrNotTrainable is returned when a backend cannot produce gradients.
	ErrNotTrainable = errors.New("recognizer is not trainable")
	// ErrEmptyDataset is returned when a dataset yields no samples.
	ErrEmptyDataset = errors.New("dataset contains no samples")
)

// Images is a dense [N, C, H, W] float32 tensor normalized to [-1, 1].
type Images struct {
	N, C, H, W int
	Data       []float32
}

// NewImages allocates a zeroed image tensor.
func NewImages(n, c, h, w int) *Images {
	return &Images{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// Sample returns the flattened pixels of sample i.
func (im *Images) Sample(i int) []float32 {
	size := im.C * im.H * im.W
	return im.Data[i*size : (i+1)*size]
}

// Logits is a dense [B, T, V] float32 tensor: one score vector per output position.
type Logits struct {
	Batch, Steps, Classes int
	Data                  []float32
}

// NewLogits allocates a zeroed logits tensor.
func NewLogits(b, t, v int) *Logits {
	return &Logits{Batch: b, Steps: t, Classes: v, Data: make([]float32, b*t*v)}
}

// At returns the score vector of sample b at position t. The slice aliases Data.
func (l *Logits) At(b, t int) []float32 {
	off := (b*l.Steps + t) * l.Classes
	return l.Data[off : off+l.Classes]
}

// Validate checks that Data matches the declared dimensions.
func (l *Logits) Validate() error {
	if l == nil {
		return fmt.Errorf("%w: nil logits", ErrShapeMismatch)
	}
	if len(l.Data) != l.Batch*l.Steps*l.Classes {
		return fmt.Errorf("%w: logits [%d %d %d] hold %d values", ErrShapeMismatch, l.Batch, l.Steps, l.Classes, len(l.Data))
	}
	return nil
}

// Argmax returns the greedy token per position together with its softmax probability.
func (l *Logits) Argmax() ([][]int, [][]float64) {
	ids := make([][]int, l.Batch)
	probs := make([][]float64, l.Batch)
	for b := 0; b < l.Batch; b++ {
		ids[b] = make([]int, l.Steps)
		probs[b] = make([]float64, l.Steps)
		for t := 0; t < l.Steps; t++ {
			row := l.At(b, t)
			idx, _ := argmax(row)
			ids[b][t] = idx
			probs[b][t] = softmax64(row)[idx]
		}
	}
	return ids, probs
}

// Batch is one ordered slice of a dataset.
type Batch struct {
	Images *Images
	Labels []string
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// Dataset yields batches in a fixed order.
type Dataset interface {
	// Next returns the next batch; ok is false once the dataset is exhausted.
	Next(ctx context.Context) (batch Batch, ok bool, err error)
	// Len returns the total number of samples.
	Len() int
	// Log describes the dataset the way the evaluation log records it.
	Log() string
	Close() error
}

// DatasetOpener builds a batched loader for a named dataset below a root directory.
type DatasetOpener interface {
	Open(ctx context.Context, root, name string, batchSize int) (Dataset, error)
}

// Recognizer maps images (and optional targets) to per-position class scores.
type Recognizer interface {
	Forward(ctx context.Context, images *Images, targets [][]int, seqLen int) (*Logits, error)
	// ParamCount returns the number of model parameters, 0 when unknown.
	ParamCount() int64
	Close() error
}

// Parameter is a named trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

// Trainable is a Recognizer whose parameters can be updated from logit gradients.
type Trainable interface {
	Recognizer
	Parameters() []*Parameter
	ZeroGrad()
	// Backward accumulates parameter gradients for the most recent Forward given dLoss/dLogits.
	Backward(ctx context.Context, grad *Logits) error
	Save(path string) error
}

// LanguageModel refines a partially masked token sequence. It is never trained here.
// ids holds recognizer token IDs, with MaskedID at the positions to fill in.
type LanguageModel interface {
	Forward(ctx context.Context, ids [][]int, attention [][]bool) (*Logits, error)
	Close() error
}
