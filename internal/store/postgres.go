// Package store keeps a history of benchmark reports in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"yashubustudio/strbench/strbench"
)

const schema = `
CREATE TABLE IF NOT EXISTS benchmark_runs (
	run_id          UUID PRIMARY KEY,
	exp_name        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	total_samples   INTEGER NOT NULL,
	total_accuracy  DOUBLE PRECISION NOT NULL,
	total_norm_ed   DOUBLE PRECISION NOT NULL,
	avg_infer_ms    DOUBLE PRECISION NOT NULL,
	param_count     BIGINT NOT NULL,
	dataset_names   TEXT[] NOT NULL,
	datasets        JSONB NOT NULL
)`

// Postgres records benchmark reports. It implements strbench.ResultSink.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn and creates the history table when missing.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Record inserts one report. Re-recording a run ID is a no-op.
func (p *Postgres) Record(ctx context.Context, rep strbench.Report) error {
	if rep.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	datasets, err := json.Marshal(rep.Datasets)
	if err != nil {
		return fmt.Errorf("marshal datasets: %w", err)
	}
	names := make([]string, len(rep.Datasets))
	for i, d := range rep.Datasets {
		names[i] = d.Name
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO benchmark_runs (run_id, exp_name, created_at, total_samples, total_accuracy,
			total_norm_ed, avg_infer_ms, param_count, dataset_names, datasets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO NOTHING`,
		rep.RunID, rep.ExpName, rep.CreatedAt, rep.TotalSamples, rep.TotalAccuracy,
		rep.TotalNormED, rep.AverageInferMs, rep.ParamCount, pq.Array(names), datasets)
	if err != nil {
		return fmt.Errorf("insert benchmark run: %w", err)
	}
	return nil
}

// RunSummary is one row of the history.
type RunSummary struct {
	RunID         string
	ExpName       string
	CreatedAt     time.Time
	TotalSamples  int
	TotalAccuracy float64
	Datasets      []string
}

// Recent lists the latest runs of an experiment, newest first. An empty expName lists all runs.
func (p *Postgres) Recent(ctx context.Context, expName string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT run_id, exp_name, created_at, total_samples, total_accuracy, dataset_names
		FROM benchmark_runs
		WHERE $1 = '' OR exp_name = $1
		ORDER BY created_at DESC
		LIMIT $2`, expName, limit)
	if err != nil {
		return nil, fmt.Errorf("query benchmark runs: %w", err)
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.ExpName, &s.CreatedAt, &s.TotalSamples, &s.TotalAccuracy, pq.Array(&s.Datasets)); err != nil {
			return nil, fmt.Errorf("scan benchmark run: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
