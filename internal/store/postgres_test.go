package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"yashubustudio/strbench/strbench"
)

func openTestStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("STRBENCH_TEST_DSN")
	if dsn == "" {
		t.Skip("STRBENCH_TEST_DSN not set")
	}
	p, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRecordAndRecent(t *testing.T) {
	p := openTestStore(t)
	ctx := context.Background()
	exp := "store-test-" + uuid.NewString()[:8]
	rep := strbench.Report{
		RunID:         uuid.NewString(),
		ExpName:       exp,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		TotalSamples:  3,
		TotalAccuracy: 66.667,
		Datasets: []strbench.DatasetResult{
			{Name: "IIIT5k_3000", Accuracy: 100, Samples: 1},
			{Name: "SVT", Accuracy: 50, Samples: 2},
		},
	}
	if err := p.Record(ctx, rep); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := p.Record(ctx, rep); err != nil {
		t.Fatalf("second Record() error = %v", err)
	}
	runs, err := p.Recent(ctx, exp, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Recent() returned %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.RunID != rep.RunID || got.TotalSamples != 3 || len(got.Datasets) != 2 || got.Datasets[1] != "SVT" {
		t.Fatalf("Recent()[0] = %+v", got)
	}
}

func TestRecordRequiresRunID(t *testing.T) {
	p := &Postgres{}
	if err := p.Record(context.Background(), strbench.Report{}); err == nil {
		t.Fatal("Record() accepted a report without run ID")
	}
}
