package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"yashubustudio/strbench/strbench"
)

func sampleReport() strbench.Report {
	return strbench.Report{
		RunID:         "run-1",
		ExpName:       "vitstr",
		CreatedAt:     time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		TotalSamples:  3,
		TotalAccuracy: 66.6667,
		TotalNormED:   0.9,
		Datasets: []strbench.DatasetResult{
			{Name: "SVT", Samples: 1, Accuracy: 100, NormalizedED: 1, ForwardTime: 2 * time.Millisecond},
			{Name: "CUTE80", Samples: 2, Accuracy: 50, NormalizedED: 0.85, ForwardTime: 3 * time.Millisecond,
				Predictions: []strbench.Prediction{
					{Label: "hello", Text: "hello", Correct: true, Confidence: 0.91},
					{Label: "world", Text: "word", Confidence: 0.4},
				}},
		},
	}
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReport(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 2 datasets + total", len(rows))
	}
	if got := strings.Join(rows[2], ","); got != "run-1,vitstr,CUTE80,2,50.000,0.850,3.000" {
		t.Fatalf("dataset row = %s", got)
	}
	if got := strings.Join(rows[3], ","); got != "run-1,vitstr,total,3,66.667,0.900,5.000" {
		t.Fatalf("total row = %s", got)
	}
}

func TestCSVSinkTimestampedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "csv")
	sink := NewCSVSink("", dir)
	if err := sink.Record(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "result_20240301123000.csv")); err != nil {
		t.Fatalf("expected timestamped result file: %v", err)
	}
}

func TestCSVSinkExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "bench.csv")
	if err := NewCSVSink(path, "ignored").Record(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "run_id,exp_name,dataset") {
		t.Fatalf("unexpected file content:\n%s", data)
	}
}

func TestPrintPredictions(t *testing.T) {
	var buf bytes.Buffer
	PrintPredictions(&buf, sampleReport(), 1)
	out := buf.String()
	if strings.Contains(out, "SVT") {
		t.Fatal("datasets without predictions should be skipped")
	}
	if !strings.Contains(out, "hello                     | hello                     | 0.9100\tTrue") {
		t.Fatalf("missing prediction row:\n%s", out)
	}
	if strings.Contains(out, "world") {
		t.Fatal("limit not applied")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Fatalf("truncate() = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Fatalf("truncate() = %q", got)
	}
}
