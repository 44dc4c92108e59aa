package strbench

import (
	"math"
	"testing"
)

func TestAdamStep(t *testing.T) {
	adam := NewAdam(OptimizerConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	p := &Parameter{Name: "w", Value: []float32{1, -1}, Grad: []float32{0.5, -2}}

	adam.Step([]*Parameter{p})
	// the first bias-corrected step moves every weight by lr against the gradient sign
	if math.Abs(float64(p.Value[0])-0.9) > 1e-6 || math.Abs(float64(p.Value[1])+0.9) > 1e-6 {
		t.Fatalf("after step 1 = %v, want [0.9 -0.9]", p.Value)
	}
	adam.Step([]*Parameter{p})
	if math.Abs(float64(p.Value[0])-0.8) > 1e-6 {
		t.Fatalf("after step 2 = %v, want 0.8", p.Value[0])
	}
	if adam.Steps() != 2 {
		t.Fatalf("Steps() = %d, want 2", adam.Steps())
	}
}

func TestAdamSkipsMismatchedGradients(t *testing.T) {
	adam := NewAdam(OptimizerConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	p := &Parameter{Name: "w", Value: []float32{1, 2}, Grad: []float32{1}}
	adam.Step([]*Parameter{p, nil})
	if p.Value[0] != 1 || p.Value[1] != 2 {
		t.Fatalf("parameter changed: %v", p.Value)
	}
}

func TestAdamZeroGradientKeepsWeights(t *testing.T) {
	adam := NewAdam(OptimizerConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	p := &Parameter{Name: "w", Value: []float32{3}, Grad: []float32{0}}
	adam.Step([]*Parameter{p})
	if p.Value[0] != 3 {
		t.Fatalf("value = %v, want 3", p.Value[0])
	}
}
