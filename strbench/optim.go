package strbench

import "math"

// Adam implements the Adam update rule with bias correction over named parameters.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	m map[string][]float64
	v map[string][]float64
	t int
}

// NewAdam creates an optimizer from the configured hyper-parameters.
func NewAdam(cfg OptimizerConfig) *Adam {
	return &Adam{
		LearningRate: cfg.LearningRate,
		Beta1:        cfg.Beta1,
		Beta2:        cfg.Beta2,
		Epsilon:      cfg.Epsilon,
		m:            make(map[string][]float64),
		v:            make(map[string][]float64),
	}
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int {
	return a.t
}

// Step updates every parameter in place from its accumulated gradient.
func (a *Adam) Step(params []*Parameter) {
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for _, p := range params {
		if p == nil || len(p.Grad) != len(p.Value) {
			continue
		}
		m, ok := a.m[p.Name]
		if !ok || len(m) != len(p.Value) {
			m = make([]float64, len(p.Value))
			a.m[p.Name] = m
			a.v[p.Name] = make([]float64, len(p.Value))
		}
		v := a.v[p.Name]
		for i, g32 := range p.Grad {
			g := float64(g32)
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Value[i] -= float32(a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon))
		}
	}
}
