package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Init.
func Schema() string { return schemaSQL }

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Init applies the embedded schema. It is safe to run more than once.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, r Run) (string, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	if r.State == "" {
		r.State = "unauthenticated"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pf.runs (run_id, workflow, resource, owner, status, state, inputs)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb)
	`, r.RunID, r.Workflow, r.Resource, nullIfEmpty(r.Owner), r.Status, r.State, jsonOrEmpty(r.InputsJSON))
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return r.RunID, nil
}

// AppendEvent records a state transition and moves the run to its state.
func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		WITH ev AS (
		  INSERT INTO pf.run_events (run_id, seq, state, step, message, at)
		  VALUES ($1,$2,$3,$4,$5,$6)
		  RETURNING run_id, state
		)
		UPDATE pf.runs r SET state = ev.state FROM ev WHERE r.run_id = ev.run_id
	`, e.RunID, e.Seq, e.State, nullIfEmpty(e.Step), e.Message, e.At)
	if err != nil {
		return fmt.Errorf("append event %d: %w", e.Seq, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status string, resultJSON []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pf.runs
		SET status=$2, finished_at=now(), result=$3::jsonb
		WHERE run_id=$1
	`, runID, status, jsonOrEmpty(resultJSON))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, f ListFilter) ([]Run, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, workflow, resource, COALESCE(owner,''), status, state,
		       started_at, finished_at, inputs, result
		FROM pf.runs
		WHERE ($1::text = '' OR workflow = $1) AND ($2::text = '' OR resource = $2)
		ORDER BY started_at DESC
		LIMIT $3
	`, f.Workflow, f.Resource, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Workflow, &r.Resource, &r.Owner, &r.Status, &r.State,
			&r.StartedAt, &r.FinishedAt, &r.InputsJSON, &r.ResultJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, seq, state, COALESCE(step,''), message, at
		FROM pf.run_events
		WHERE run_id=$1
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RunID, &e.Seq, &e.State, &e.Step, &e.Message, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
