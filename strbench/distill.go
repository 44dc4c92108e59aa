package strbench

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"
)

// StepResult summarises one distillation update.
type StepResult struct {
	Loss float64
	// Mismatches counts positions where the greedy prediction disagreed with the label.
	Mismatches int
	// Positions counts non-pad label positions.
	Positions int
}

// TrainSummary describes a finished distillation run.
type TrainSummary struct {
	Steps      int
	Epochs     int
	MeanLoss   float64
	Checkpoint string
	StoppedAt  int
	Elapsed    time.Duration
}

// Trainer adjusts a recognizer with the masked-LM guided self-distillation loss.
type Trainer struct {
	model  Trainable
	lm     LanguageModel
	opener DatasetOpener
	conv   *Converter
	optim  *Adam
	cfg    Config
	logger *log.Logger
}

// NewTrainer wires a trainable recognizer to a frozen language model.
func NewTrainer(model Trainable, lm LanguageModel, opener DatasetOpener, cfg Config, logger *log.Logger) (*Trainer, error) {
	if model == nil {
		return nil, ErrNotTrainable
	}
	if lm == nil {
		return nil, errors.New("language model is required")
	}
	cfg.ApplyDefaults()
	return &Trainer{
		model:  model,
		lm:     lm,
		opener: opener,
		conv:   NewConverter(cfg.Character, cfg.BatchMaxLength),
		optim:  NewAdam(cfg.Optimizer),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Optimizer exposes the Adam state.
func (t *Trainer) Optimizer() *Adam {
	return t.optim
}

// CheckpointPath resolves where trained weights are written.
func (t *Trainer) CheckpointPath() string {
	switch {
	case t.cfg.Distill.CheckpointPath != "":
		return t.cfg.Distill.CheckpointPath
	case t.cfg.Recognizer.HeadPath != "":
		return t.cfg.Recognizer.HeadPath
	}
	return filepath.Join(t.cfg.ResultDir, t.cfg.ExpName, "head.bin")
}

// Step runs one forward/backward pass over batch and applies an optimizer update.
func (t *Trainer) Step(ctx context.Context, batch Batch) (StepResult, error) {
	if batch.Size() == 0 {
		return StepResult{}, nil
	}
	t.model.ZeroGrad()
	target := t.conv.Encode(batch.Labels)

	preds, err := t.model.Forward(ctx, batch.Images, target, t.conv.MaxLength())
	if err != nil {
		return StepResult{}, fmt.Errorf("recognizer forward: %w", err)
	}
	if err := checkTargets(preds, target); err != nil {
		return StepResult{}, fmt.Errorf("recognizer forward: %w", err)
	}
	ids, _ := preds.Argmax()
	mismatch := MismatchMask(ids, target)
	lmIDs, attention := MaskedInput(ids, target)

	lmOut, err := t.lm.Forward(ctx, lmIDs, attention)
	if err != nil {
		return StepResult{}, fmt.Errorf("language model forward: %w", err)
	}
	loss, grad, err := DistillationLoss(preds, lmOut, mismatch, t.cfg.Distill.LossDirection)
	if err != nil {
		return StepResult{}, fmt.Errorf("distillation loss: %w", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return StepResult{}, fmt.Errorf("distillation loss is %v", loss)
	}
	if err := t.model.Backward(ctx, grad); err != nil {
		return StepResult{}, fmt.Errorf("backward: %w", err)
	}
	t.optim.Step(t.model.Parameters())

	res := StepResult{Loss: loss}
	for b := range target {
		for p, id := range target[b] {
			if id == PadID {
				continue
			}
			res.Positions++
			if mismatch[b][p] {
				res.Mismatches++
			}
		}
	}
	return res, nil
}

// Run trains over the configured dataset for the configured number of epochs. Reaching
// maxBatches writes a checkpoint and ends the run early.
func (t *Trainer) Run(ctx context.Context) (TrainSummary, error) {
	if t.opener == nil {
		return TrainSummary{}, errors.New("dataset opener is required")
	}
	started := time.Now()
	var sum TrainSummary
	var lossSum float64
	t.logf("distill %s: data=%s/%s epochs=%d direction=%s lr=%g",
		t.cfg.ExpName, t.cfg.Distill.TrainData, t.cfg.Distill.TrainDataset,
		t.cfg.Distill.Epochs, t.cfg.Distill.LossDirection, t.cfg.Optimizer.LearningRate)

	stopped := false
	for epoch := 0; epoch < t.cfg.Distill.Epochs && !stopped; epoch++ {
		ds, err := t.opener.Open(ctx, t.cfg.Distill.TrainData, t.cfg.Distill.TrainDataset, t.cfg.BatchSize)
		if err != nil {
			return sum, fmt.Errorf("open training data: %w", err)
		}
		if epoch == 0 {
			t.logf("%s", ds.Log())
		}
		n, err := t.trainEpoch(ctx, ds, epoch, &sum, &lossSum)
		ds.Close()
		if err != nil {
			return sum, err
		}
		if n == 0 {
			return sum, ErrEmptyDataset
		}
		sum.Epochs = epoch + 1
		stopped = t.cfg.MaxBatches > 0 && sum.Steps >= t.cfg.MaxBatches
	}

	if sum.Steps > 0 {
		sum.MeanLoss = lossSum / float64(sum.Steps)
	}
	sum.StoppedAt = sum.Steps
	path := t.CheckpointPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return sum, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := t.model.Save(path); err != nil {
		return sum, fmt.Errorf("save checkpoint: %w", err)
	}
	sum.Checkpoint = path
	sum.Elapsed = time.Since(started)
	t.logf("distill %s finished: steps=%d mean_loss=%0.6f checkpoint=%s elapsed=%s",
		t.cfg.ExpName, sum.Steps, sum.MeanLoss, path, sum.Elapsed.Round(time.Millisecond))
	return sum, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, ds Dataset, epoch int, sum *TrainSummary, lossSum *float64) (int, error) {
	batches := 0
	for {
		if t.cfg.MaxBatches > 0 && sum.Steps >= t.cfg.MaxBatches {
			return batches, nil
		}
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		batch, ok, err := ds.Next(ctx)
		if err != nil {
			return batches, fmt.Errorf("load batch %d: %w", sum.Steps, err)
		}
		if !ok {
			return batches, nil
		}
		res, err := t.Step(ctx, batch)
		if err != nil {
			return batches, fmt.Errorf("step %d: %w", sum.Steps, err)
		}
		batches++
		sum.Steps++
		*lossSum += res.Loss
		if sum.Steps%t.cfg.Distill.LogInterval == 0 {
			t.logf("epoch %d step %d: loss=%0.6f mismatches=%d/%d", epoch, sum.Steps, res.Loss, res.Mismatches, res.Positions)
		}
	}
}

func (t *Trainer) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
