package strbench

import "math"

func argmax(v []float32) (int, float32) {
	if len(v) == 0 {
		return -1, 0
	}
	idx := 0
	best := v[0]
	for i := 1; i < len(v); i++ {
		if v[i] > best {
			best = v[i]
			idx = i
		}
	}
	return idx, best
}

// logSoftmax64 returns log(softmax(v)) computed with the max-shift trick.
func logSoftmax64(v []float32) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out
	}
	_, m := argmax(v)
	var sum float64
	for _, x := range v {
		sum += math.Exp(float64(x - m))
	}
	lse := float64(m) + math.Log(sum)
	for i, x := range v {
		out[i] = float64(x) - lse
	}
	return out
}

func softmax64(v []float32) []float64 {
	out := logSoftmax64(v)
	for i := range out {
		out[i] = math.Exp(out[i])
	}
	return out
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
