package strbench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// FastEvalDatasets is the subset used to compute the headline total accuracy.
	FastEvalDatasets = []string{"IIIT5k_3000", "SVT", "IC03_867", "IC13_1015", "IC15_2077", "SVTP", "CUTE80"}
	// AllEvalDatasets lists the ten standard benchmarks in publication order.
	AllEvalDatasets = []string{"IIIT5k_3000", "SVT", "IC03_860", "IC03_867", "IC13_857",
		"IC13_1015", "IC15_1811", "IC15_2077", "SVTP", "CUTE80"}
)

const dashedLine = "--------------------------------------------------------------------------------"

// EvalDatasetList resolves the ordered list of evaluation datasets.
func (c Config) EvalDatasetList() []string {
	if len(c.EvalDatasets) > 0 {
		return append([]string(nil), c.EvalDatasets...)
	}
	switch strings.ToLower(c.BenchmarkPreset) {
	case "fast":
		return append([]string(nil), FastEvalDatasets...)
	case "all":
		return append([]string(nil), AllEvalDatasets...)
	}
	return []string{"data"}
}

// State is the lifecycle of a benchmark run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAggregating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateAggregating:
		return "aggregating"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Prediction is one decoded sample.
type Prediction struct {
	Label      string  `json:"label"`
	Text       string  `json:"text"`
	Correct    bool    `json:"correct"`
	Confidence float64 `json:"confidence"`
}

// DatasetResult holds the evaluation totals of one dataset.
type DatasetResult struct {
	Name         string        `json:"name"`
	Accuracy     float64       `json:"accuracy"`
	NormalizedED float64       `json:"normalizedEd"`
	Loss         float64       `json:"loss"`
	Samples      int           `json:"samples"`
	ForwardTime  time.Duration `json:"forwardTime"`
	Log          string        `json:"log,omitempty"`
	// Predictions of the last evaluated batch.
	Predictions []Prediction `json:"predictions,omitempty"`
}

// Report aggregates a benchmark run.
type Report struct {
	RunID          string          `json:"runId"`
	ExpName        string          `json:"expName"`
	CreatedAt      time.Time       `json:"createdAt"`
	Datasets       []DatasetResult `json:"datasets"`
	TotalSamples   int             `json:"totalSamples"`
	TotalAccuracy  float64         `json:"totalAccuracy"`
	TotalNormED    float64         `json:"totalNormEd"`
	AverageInferMs float64         `json:"averageInferMs"`
	ParamCount     int64           `json:"paramCount"`
}

// Summary renders the one-line aggregate written to the evaluation log.
func (r Report) Summary() string {
	var b strings.Builder
	b.WriteString("accuracy: ")
	for _, d := range r.Datasets {
		fmt.Fprintf(&b, "%s: %0.3f\t", d.Name, d.Accuracy)
	}
	fmt.Fprintf(&b, "total_accuracy: %0.3f\t", r.TotalAccuracy)
	fmt.Fprintf(&b, "total_norm_ED: %0.3f\t", r.TotalNormED)
	fmt.Fprintf(&b, "averaged_infer_time: %0.3f\t# parameters: %0.3f", r.AverageInferMs, float64(r.ParamCount)/1e6)
	return b.String()
}

// Aggregate weights every dataset by its evaluated sample count.
func Aggregate(results []DatasetResult, paramCount int64) Report {
	rep := Report{Datasets: results, ParamCount: paramCount}
	var correct, sim float64
	var forward time.Duration
	for _, r := range results {
		rep.TotalSamples += r.Samples
		correct += r.Accuracy * float64(r.Samples)
		sim += r.NormalizedED * float64(r.Samples)
		forward += r.ForwardTime
	}
	if rep.TotalSamples > 0 {
		n := float64(rep.TotalSamples)
		rep.TotalAccuracy = correct / n
		rep.TotalNormED = sim / n
		rep.AverageInferMs = forward.Seconds() / n * 1000
	}
	return rep
}

// ResultSink receives every completed report.
type ResultSink interface {
	Record(ctx context.Context, rep Report) error
}

// Runner evaluates a recognizer over the configured datasets.
type Runner struct {
	model  Recognizer
	opener DatasetOpener
	conv   *Converter
	scorer Scorer
	cfg    Config

	logger *log.Logger
	out    io.Writer
	sinks  []ResultSink
	now    func() time.Time

	mu    sync.RWMutex
	state State
}

// NewRunner constructs a runner for the given model and dataset opener.
func NewRunner(model Recognizer, opener DatasetOpener, cfg Config, logger *log.Logger) (*Runner, error) {
	if model == nil {
		return nil, errors.New("recognizer is required")
	}
	if opener == nil {
		return nil, errors.New("dataset opener is required")
	}
	cfg.ApplyDefaults()
	return &Runner{
		model:  model,
		opener: opener,
		conv:   NewConverter(cfg.Character, cfg.BatchMaxLength),
		scorer: NewScorer(cfg),
		cfg:    cfg,
		logger: logger,
		out:    os.Stdout,
		now:    time.Now,
	}, nil
}

// SetOutput redirects the console copy of the log lines.
func (r *Runner) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	r.out = w
}

// AddSink registers a destination for completed reports.
func (r *Runner) AddSink(s ResultSink) {
	if s != nil {
		r.sinks = append(r.sinks, s)
	}
}

// Converter returns the label converter shared with the model.
func (r *Runner) Converter() *Converter {
	return r.conv
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Validate runs the dataset through the model until it is exhausted or the batch cutoff is
// reached, and scores every prediction.
func (r *Runner) Validate(ctx context.Context, ds Dataset) (DatasetResult, error) {
	var acc Accumulator
	var last []Prediction
	seqLen := r.conv.MaxLength()
	for i := 0; r.cfg.MaxBatches == 0 || i < r.cfg.MaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return DatasetResult{}, err
		}
		batch, ok, err := ds.Next(ctx)
		if err != nil {
			return DatasetResult{}, fmt.Errorf("load batch %d: %w", i, err)
		}
		if !ok {
			break
		}
		target := r.conv.Encode(batch.Labels)

		start := r.now()
		logits, err := r.model.Forward(ctx, batch.Images, target, seqLen)
		if err != nil {
			return DatasetResult{}, fmt.Errorf("forward batch %d: %w", i, err)
		}
		if err := checkTargets(logits, target); err != nil {
			return DatasetResult{}, fmt.Errorf("forward batch %d: %w", i, err)
		}
		ids, maxProbs := logits.Argmax()
		acc.ForwardTime += r.now().Sub(start)

		loss, err := CrossEntropy(logits, target)
		if err != nil {
			return DatasetResult{}, fmt.Errorf("loss batch %d: %w", i, err)
		}
		acc.AddLoss(loss)

		last = last[:0]
		for j, gt := range batch.Labels {
			// text starts after the [GO] slot; confidence takes the first eos probabilities of the
			// unshifted row, so the [GO] slot counts and the last character does not
			pred, eos := r.conv.DecodeWithEOS(ids[j][1:])
			confidence := Confidence(maxProbs[j], eos)
			match, sim := r.scorer.Score(pred, gt)
			acc.Add(match, sim)
			last = append(last, Prediction{Label: gt, Text: pred, Correct: match, Confidence: confidence})
		}
	}
	if acc.Samples == 0 {
		return DatasetResult{}, ErrEmptyDataset
	}
	return DatasetResult{
		Accuracy:     acc.Accuracy(),
		NormalizedED: acc.NormalizedED(),
		Loss:         acc.Loss(),
		Samples:      acc.Samples,
		ForwardTime:  acc.ForwardTime,
		Log:          ds.Log(),
		Predictions:  append([]Prediction(nil), last...),
	}, nil
}

// Run evaluates every configured dataset, appends the results to
// <resultDir>/<expName>/log_all_evaluation.txt and returns the aggregate report.
func (r *Runner) Run(ctx context.Context) (_ Report, err error) {
	r.setState(StateRunning)
	defer r.resetOnError(&err)
	logFile, err := r.openLog("log_all_evaluation.txt")
	if err != nil {
		return Report{}, err
	}
	defer logFile.Close()

	runID := uuid.NewString()
	started := r.now()
	r.logf("benchmark %s started: exp=%s datasets=%v", runID, r.cfg.ExpName, r.cfg.EvalDatasetList())
	if err := r.emit(logFile, dashedLine); err != nil {
		return Report{}, err
	}

	names := r.cfg.EvalDatasetList()
	results := make([]DatasetResult, 0, len(names))
	for _, name := range names {
		res, err := r.evaluateDataset(ctx, name, r.cfg.EvalBatchSize())
		if err != nil {
			return Report{}, err
		}
		results = append(results, res)
		if _, err := io.WriteString(logFile, res.Log); err != nil {
			return Report{}, fmt.Errorf("write evaluation log: %w", err)
		}
		if err := r.emit(logFile, fmt.Sprintf("Acc %0.3f\t normalized_ED %0.3f", res.Accuracy, res.NormalizedED)); err != nil {
			return Report{}, err
		}
		if err := r.emit(logFile, dashedLine); err != nil {
			return Report{}, err
		}
	}

	r.setState(StateAggregating)
	rep := Aggregate(results, r.model.ParamCount())
	rep.RunID = runID
	rep.ExpName = r.cfg.ExpName
	rep.CreatedAt = started
	if err := r.emit(logFile, rep.Summary()); err != nil {
		return Report{}, err
	}
	for _, s := range r.sinks {
		if err := s.Record(ctx, rep); err != nil {
			r.logf("record benchmark %s: %v", runID, err)
		}
	}
	r.setState(StateDone)
	r.logf("benchmark %s finished in %s", runID, r.now().Sub(started).Round(time.Millisecond))
	return rep, nil
}

// Evaluate scores a single dataset and appends its accuracy to log_evaluation.txt.
func (r *Runner) Evaluate(ctx context.Context, name string) (_ DatasetResult, err error) {
	r.setState(StateRunning)
	defer r.resetOnError(&err)
	logFile, err := r.openLog("log_evaluation.txt")
	if err != nil {
		return DatasetResult{}, err
	}
	defer logFile.Close()

	res, err := r.evaluateDataset(ctx, name, r.cfg.BatchSize)
	if err != nil {
		return DatasetResult{}, err
	}
	if _, err := io.WriteString(logFile, res.Log); err != nil {
		return DatasetResult{}, fmt.Errorf("write evaluation log: %w", err)
	}
	if err := r.emit(logFile, fmt.Sprintf("%0.3f", res.Accuracy)); err != nil {
		return DatasetResult{}, err
	}
	r.setState(StateDone)
	return res, nil
}

// resetOnError returns a failed run to Idle so the runner can be retried.
func (r *Runner) resetOnError(err *error) {
	if *err != nil {
		r.setState(StateIdle)
	}
}

func (r *Runner) evaluateDataset(ctx context.Context, name string, batchSize int) (DatasetResult, error) {
	ds, err := r.opener.Open(ctx, r.cfg.EvalData, name, batchSize)
	if err != nil {
		return DatasetResult{}, fmt.Errorf("open dataset %s: %w", name, err)
	}
	defer ds.Close()
	res, err := r.Validate(ctx, ds)
	if err != nil {
		return DatasetResult{}, fmt.Errorf("evaluate %s: %w", name, err)
	}
	res.Name = name
	r.logf("%s: %d samples acc=%0.3f norm_ED=%0.3f loss=%0.4f", name, res.Samples, res.Accuracy, res.NormalizedED, res.Loss)
	return res, nil
}

func (r *Runner) openLog(name string) (*os.File, error) {
	dir := filepath.Join(r.cfg.ResultDir, r.cfg.ExpName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open evaluation log: %w", err)
	}
	return f, nil
}

// emit prints line and appends it to the log file.
func (r *Runner) emit(w io.Writer, line string) error {
	fmt.Fprintln(r.out, line)
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("write evaluation log: %w", err)
	}
	return nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
