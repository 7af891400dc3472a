package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caravel/internal/pipeline"
)

// RunStore implements pipeline.Recorder over Postgres and backs the
// history listing.
type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID          string
	Branch      string
	Commit      string
	ImageRef    string
	State       string
	Status      string
	FailedStage string
	Error       string
	StartedAt   time.Time
	EndedAt     *time.Time
}

func (s *RunStore) RecordStart(ctx context.Context, run *pipeline.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (run_id, branch, commit_sha, image_ref, state, status, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		run.ID,
		run.Branch,
		nullIfEmpty(run.Commit),
		nullIfEmpty(run.ImageRef),
		string(run.State),
		string(run.Status),
		normalizeTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) RecordState(ctx context.Context, run *pipeline.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs
		 SET state = $2, status = $3, commit_sha = $4, image_ref = $5
		 WHERE run_id = $1`,
		run.ID,
		string(run.State),
		string(run.Status),
		nullIfEmpty(run.Commit),
		nullIfEmpty(run.ImageRef),
	)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return nil
}

func (s *RunStore) RecordFinish(ctx context.Context, run *pipeline.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	var errText any
	if run.Err != nil {
		errText = run.Err.Error()
	}
	var endedAt sql.NullTime
	if !run.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs
		 SET state = $2, status = $3, commit_sha = $4, image_ref = $5, failed_stage = $6, error = $7, ended_at = $8
		 WHERE run_id = $1`,
		run.ID,
		string(run.State),
		string(run.Status),
		nullIfEmpty(run.Commit),
		nullIfEmpty(run.ImageRef),
		nullIfEmpty(run.FailedStage),
		errText,
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRecent returns the latest runs, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, branch, commit_sha, image_ref, state, status, failed_stage, error, started_at, ended_at
		 FROM pipeline_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var commit, imageRef, failedStage, errText sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Branch, &commit, &imageRef, &rec.State, &rec.Status,
			&failedStage, &errText, &rec.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Commit = commit.String
		rec.ImageRef = imageRef.String
		rec.FailedStage = failedStage.String
		rec.Error = errText.String
		if endedAt.Valid {
			t := endedAt.Time
			rec.EndedAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

// GetRun fetches one run by ID.
func (s *RunStore) GetRun(ctx context.Context, id string) (RunRecord, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, fmt.Errorf("run store not initialized")
	}
	var rec RunRecord
	var commit, imageRef, failedStage, errText sql.NullString
	var endedAt sql.NullTime
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, branch, commit_sha, image_ref, state, status, failed_stage, error, started_at, ended_at
		 FROM pipeline_runs
		 WHERE run_id = $1`,
		id,
	)
	if err := row.Scan(&rec.ID, &rec.Branch, &commit, &imageRef, &rec.State, &rec.Status,
		&failedStage, &errText, &rec.StartedAt, &endedAt); err != nil {
		return RunRecord{}, handleNotFound(err)
	}
	rec.Commit = commit.String
	rec.ImageRef = imageRef.String
	rec.FailedStage = failedStage.String
	rec.Error = errText.String
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func handleNotFound(err error) error {
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}
