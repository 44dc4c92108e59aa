package strbench

import (
	"fmt"
	"math"
)

// CrossEntropy is the mean negative log-likelihood of target over every non-pad position.
func CrossEntropy(logits *Logits, target [][]int) (float64, error) {
	if err := checkTargets(logits, target); err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for b := 0; b < logits.Batch; b++ {
		for t := 0; t < logits.Steps; t++ {
			id := target[b][t]
			if id == PadID {
				continue
			}
			if id < 0 || id >= logits.Classes {
				return 0, fmt.Errorf("%w: target id %d outside %d classes", ErrShapeMismatch, id, logits.Classes)
			}
			sum -= logSoftmax64(logits.At(b, t))[id]
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// MismatchMask is true where pred differs from target and target is not padding.
func MismatchMask(pred, target [][]int) [][]bool {
	out := make([][]bool, len(target))
	for b := range target {
		out[b] = make([]bool, len(target[b]))
		for t, id := range target[b] {
			out[b][t] = id != PadID && pred[b][t] != id
		}
	}
	return out
}

// MaskedInput builds the language model input: predictions with every disagreement replaced by
// MaskedID, and an attention mask that keeps correct and padding positions visible. A padding
// position predicted as something other than [GO] is masked but still attended.
func MaskedInput(pred, target [][]int) ([][]int, [][]bool) {
	ids := make([][]int, len(target))
	attention := make([][]bool, len(target))
	for b := range target {
		ids[b] = make([]int, len(target[b]))
		attention[b] = make([]bool, len(target[b]))
		for t, id := range target[b] {
			ids[b][t] = pred[b][t]
			if pred[b][t] != id {
				ids[b][t] = MaskedID
			}
			attention[b][t] = pred[b][t] == id || id == PadID
		}
	}
	return ids, attention
}

// DistillationLoss returns the masked per-position dot-product loss between the recognizer
// scores and the language model scores, and its gradient with respect to the recognizer scores.
// Each sample's loss is summed over mismatched positions and divided by their count (at least 1);
// the batch loss is the mean over samples.
func DistillationLoss(preds, lm *Logits, mismatch [][]bool, dir LossDirection) (float64, *Logits, error) {
	if err := preds.Validate(); err != nil {
		return 0, nil, err
	}
	if err := lm.Validate(); err != nil {
		return 0, nil, err
	}
	if preds.Batch != lm.Batch || preds.Steps != lm.Steps || preds.Classes != lm.Classes {
		return 0, nil, fmt.Errorf("%w: recognizer [%d %d %d] vs language model [%d %d %d]",
			ErrShapeMismatch, preds.Batch, preds.Steps, preds.Classes, lm.Batch, lm.Steps, lm.Classes)
	}
	if len(mismatch) != preds.Batch {
		return 0, nil, fmt.Errorf("%w: mask has %d rows for batch %d", ErrShapeMismatch, len(mismatch), preds.Batch)
	}
	grad := NewLogits(preds.Batch, preds.Steps, preds.Classes)
	if preds.Batch == 0 {
		return 0, grad, nil
	}
	batchScale := 1 / float64(preds.Batch)
	var total float64
	for b := 0; b < preds.Batch; b++ {
		if len(mismatch[b]) != preds.Steps {
			return 0, nil, fmt.Errorf("%w: mask row %d has %d steps, want %d", ErrShapeMismatch, b, len(mismatch[b]), preds.Steps)
		}
		effLen := 0
		for _, m := range mismatch[b] {
			if m {
				effLen++
			}
		}
		if effLen == 0 {
			continue
		}
		scale := 1 / float64(effLen)
		var sample float64
		for t := 0; t < preds.Steps; t++ {
			if !mismatch[b][t] {
				continue
			}
			loss, dz := positionLoss(preds.At(b, t), lm.At(b, t), dir)
			sample += loss
			g := grad.At(b, t)
			for v := range g {
				g[v] = float32(dz[v] * scale * batchScale)
			}
		}
		total += sample * scale
	}
	return total * batchScale, grad, nil
}

// positionLoss evaluates one diagonal entry of the dot-product matrix and its derivative with
// respect to the recognizer scores z.
func positionLoss(z, y []float32, dir LossDirection) (float64, []float64) {
	logP := logSoftmax64(z)
	logQ := logSoftmax64(y)
	n := len(z)
	p := make([]float64, n)
	q := make([]float64, n)
	var qSum, pDotLogQ float64
	for i := 0; i < n; i++ {
		p[i] = math.Exp(logP[i])
		q[i] = math.Exp(logQ[i])
		qSum += q[i]
		pDotLogQ += p[i] * logQ[i]
	}

	// forward: -Σ q log p, d/dz = p·Σq - q
	var fwd float64
	fwdGrad := make([]float64, n)
	for i := 0; i < n; i++ {
		fwd -= q[i] * logP[i]
		fwdGrad[i] = p[i]*qSum - q[i]
	}
	// reverse: -Σ p log q, d/dz = -p·(log q - Σ p log q)
	rev := -pDotLogQ
	revGrad := make([]float64, n)
	for i := 0; i < n; i++ {
		revGrad[i] = -p[i] * (logQ[i] - pDotLogQ)
	}

	switch dir {
	case LossForward:
		return fwd, fwdGrad
	case LossReverse:
		return rev, revGrad
	default:
		out := make([]float64, n)
		for i := range out {
			out[i] = 0.5 * (fwdGrad[i] + revGrad[i])
		}
		return 0.5 * (fwd + rev), out
	}
}

func checkTargets(logits *Logits, target [][]int) error {
	if err := logits.Validate(); err != nil {
		return err
	}
	if len(target) != logits.Batch {
		return fmt.Errorf("%w: %d targets for batch %d", ErrShapeMismatch, len(target), logits.Batch)
	}
	for b, row := range target {
		if len(row) != logits.Steps {
			return fmt.Errorf("%w: target %d has %d steps, want %d", ErrShapeMismatch, b, len(row), logits.Steps)
		}
	}
	return nil
}
