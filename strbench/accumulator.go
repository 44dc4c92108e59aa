package strbench

import "time"

// Accumulator keeps the running evaluation totals of one dataset.
type Accumulator struct {
	Correct     int
	Samples     int
	SimSum      float64
	LossSum     float64
	LossBatches int
	ForwardTime time.Duration
}

// Add records one scored prediction.
func (a *Accumulator) Add(match bool, similarity float64) {
	a.Samples++
	if match {
		a.Correct++
	}
	a.SimSum += similarity
}

// AddLoss records the mean loss of one batch.
func (a *Accumulator) AddLoss(loss float64) {
	a.LossSum += loss
	a.LossBatches++
}

// Accuracy is the exact-match percentage.
func (a *Accumulator) Accuracy() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Samples) * 100
}

// NormalizedED is the mean ICDAR2019 similarity.
func (a *Accumulator) NormalizedED() float64 {
	if a.Samples == 0 {
		return 0
	}
	return a.SimSum / float64(a.Samples)
}

// Loss is the mean of the recorded batch losses.
func (a *Accumulator) Loss() float64 {
	if a.LossBatches == 0 {
		return 0
	}
	return a.LossSum / float64(a.LossBatches)
}
