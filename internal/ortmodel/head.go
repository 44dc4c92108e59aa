package ortmodel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"yashubustudio/strbench/strbench"
)

// Head is a linear classifier applied to every position of the backbone features:
// logits = features · Wᵀ + b.
type Head struct {
	In, Out int
	weight  *strbench.Parameter // [Out, In]
	bias    *strbench.Parameter // [Out]
}

// NewHead initializes a head with Xavier-uniform weights and zero bias.
func NewHead(in, out int, seed int64) *Head {
	h := newHead(in, out)
	rng := rand.New(rand.NewSource(seed))
	limit := math.Sqrt(6 / float64(in+out))
	for i := range h.weight.Value {
		h.weight.Value[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return h
}

// NewIdentityHead passes n backbone scores through unchanged until it is trained.
func NewIdentityHead(n int) *Head {
	h := newHead(n, n)
	for i := 0; i < n; i++ {
		h.weight.Value[i*n+i] = 1
	}
	return h
}

func newHead(in, out int) *Head {
	return &Head{
		In:  in,
		Out: out,
		weight: &strbench.Parameter{
			Name:  "head.weight",
			Shape: []int{out, in},
			Value: make([]float32, out*in),
			Grad:  make([]float32, out*in),
		},
		bias: &strbench.Parameter{
			Name:  "head.bias",
			Shape: []int{out},
			Value: make([]float32, out),
			Grad:  make([]float32, out),
		},
	}
}

// Parameters returns the weight and bias.
func (h *Head) Parameters() []*strbench.Parameter {
	return []*strbench.Parameter{h.weight, h.bias}
}

// ZeroGrad clears accumulated gradients.
func (h *Head) ZeroGrad() {
	clear(h.weight.Grad)
	clear(h.bias.Grad)
}

// Forward maps rows×In features to rows×Out logits.
func (h *Head) Forward(features []float32, rows int) ([]float32, error) {
	if len(features) != rows*h.In {
		return nil, fmt.Errorf("%w: %d features for %d rows of width %d", strbench.ErrShapeMismatch, len(features), rows, h.In)
	}
	if rows == 0 {
		return nil, nil
	}
	x := mat.NewDense(rows, h.In, toFloat64(features))
	w := mat.NewDense(h.Out, h.In, toFloat64(h.weight.Value))
	var z mat.Dense
	z.Mul(x, w.T())
	out := make([]float32, rows*h.Out)
	for r := 0; r < rows; r++ {
		for c := 0; c < h.Out; c++ {
			out[r*h.Out+c] = float32(z.At(r, c)) + h.bias.Value[c]
		}
	}
	return out, nil
}

// Backward accumulates dL/dW = dZᵀ·X and dL/db = Σ dZ for the given features.
func (h *Head) Backward(features, gradOut []float32, rows int) error {
	if len(features) != rows*h.In || len(gradOut) != rows*h.Out {
		return fmt.Errorf("%w: backward with %d features and %d gradients for %d rows",
			strbench.ErrShapeMismatch, len(features), len(gradOut), rows)
	}
	if rows == 0 {
		return nil
	}
	x := mat.NewDense(rows, h.In, toFloat64(features))
	dz := mat.NewDense(rows, h.Out, toFloat64(gradOut))
	var dw mat.Dense
	dw.Mul(dz.T(), x)
	for o := 0; o < h.Out; o++ {
		for i := 0; i < h.In; i++ {
			h.weight.Grad[o*h.In+i] += float32(dw.At(o, i))
		}
	}
	for r := 0; r < rows; r++ {
		for o := 0; o < h.Out; o++ {
			h.bias.Grad[o] += gradOut[r*h.Out+o]
		}
	}
	return nil
}

// Save writes the head as little-endian uint32 In, Out followed by the weight and bias values.
func (h *Head) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, uint32(h.In))
	_ = binary.Write(buf, binary.LittleEndian, uint32(h.Out))
	if err := binary.Write(buf, binary.LittleEndian, h.weight.Value); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.bias.Value); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadHead reads a head written by Save.
func LoadHead(path string) (*Head, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	r := bytes.NewReader(data)
	var dims [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("head file broken: %s", path)
	}
	in, out := int(dims[0]), int(dims[1])
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("head file broken: %s", path)
	}
	if len(data) != 8+4*(in*out+out) {
		return nil, fmt.Errorf("head truncated: %s", path)
	}
	h := newHead(in, out)
	if err := binary.Read(r, binary.LittleEndian, h.weight.Value); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, h.bias.Value); err != nil {
		return nil, err
	}
	return h, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
