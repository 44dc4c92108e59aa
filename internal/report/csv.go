// Package report exports benchmark reports as CSV files and console previews.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"yashubustudio/strbench/strbench"
)

// CSVSink writes every report it receives to a CSV file. It implements strbench.ResultSink.
type CSVSink struct {
	// Path is the target file. When empty a result_<timestamp>.csv is created in Dir.
	Path string
	Dir  string

	now func() time.Time
}

// NewCSVSink creates a sink writing to path, or to a timestamped file in dir.
func NewCSVSink(path, dir string) *CSVSink {
	return &CSVSink{Path: path, Dir: dir, now: time.Now}
}

// Record writes one row per dataset followed by a total row.
func (s *CSVSink) Record(_ context.Context, rep strbench.Report) error {
	path, err := s.resolvePath(rep.CreatedAt)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	defer f.Close()
	if err := WriteReport(f, rep); err != nil {
		return err
	}
	return f.Close()
}

func (s *CSVSink) resolvePath(created time.Time) (string, error) {
	if s.Path != "" {
		if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
		return s.Path, nil
	}
	dir := s.Dir
	if dir == "" {
		dir = "csv"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if created.IsZero() {
		created = s.now()
	}
	return filepath.Join(dir, fmt.Sprintf("result_%s.csv", created.Format("20060102150405"))), nil
}

// WriteReport renders rep as CSV.
func WriteReport(w io.Writer, rep strbench.Report) error {
	writer := csv.NewWriter(w)
	header := []string{"run_id", "exp_name", "dataset", "samples", "accuracy", "norm_ED", "forward_ms"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	var forward time.Duration
	for i, d := range rep.Datasets {
		forward += d.ForwardTime
		row := []string{
			rep.RunID, rep.ExpName, d.Name,
			strconv.Itoa(d.Samples),
			fmt.Sprintf("%.3f", d.Accuracy),
			fmt.Sprintf("%.3f", d.NormalizedED),
			fmt.Sprintf("%.3f", float64(d.ForwardTime)/float64(time.Millisecond)),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	total := []string{
		rep.RunID, rep.ExpName, "total",
		strconv.Itoa(rep.TotalSamples),
		fmt.Sprintf("%.3f", rep.TotalAccuracy),
		fmt.Sprintf("%.3f", rep.TotalNormED),
		fmt.Sprintf("%.3f", float64(forward)/float64(time.Millisecond)),
	}
	if err := writer.Write(total); err != nil {
		return fmt.Errorf("write total: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush result: %w", err)
	}
	return nil
}

// PrintPredictions prints up to limit predictions of every dataset's last batch as a table of
// ground truth, prediction, confidence and correctness.
func PrintPredictions(w io.Writer, rep strbench.Report, limit int) {
	const width = 25
	line := strings.Repeat("-", 87)
	for _, d := range rep.Datasets {
		if len(d.Predictions) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s\n", d.Name)
		fmt.Fprintln(w, line)
		fmt.Fprintf(w, "%-*s | %-*s | Confidence Score & T/F\n", width, "Ground Truth", width, "Prediction")
		fmt.Fprintln(w, line)
		n := len(d.Predictions)
		if limit > 0 && n > limit {
			n = limit
		}
		for _, p := range d.Predictions[:n] {
			fmt.Fprintf(w, "%-*s | %-*s | %0.4f\t%s\n",
				width, truncate(p.Label, width), width, truncate(p.Text, width), p.Confidence, verdict(p.Correct))
		}
		fmt.Fprintln(w, line)
	}
}

func verdict(ok bool) string {
	if ok {
		return "True"
	}
	return "False"
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
