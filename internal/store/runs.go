package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CreateRun inserts a new run row. A missing ID is assigned; a missing
// status defaults to queued. The generated ID is written back.
func (s *Store) CreateRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if len(run.Metadata) == 0 {
		run.Metadata = json.RawMessage("{}")
	}

	query := `
	INSERT INTO runs (id, source_id, status, parent_run_id, started_at, events_found, pages_crawled, metadata)
	VALUES (:id, :source_id, :status, :parent_run_id, :started_at, :events_found, :pages_crawled, :metadata)`
	if _, err := s.db.NamedExec(query, run); err != nil {
		return fmt.Errorf("error creating run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	var run Run
	err := s.db.Get(&run, `SELECT * FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading run %s: %w", id, err)
	}
	return &run, nil
}

// ChildRuns returns every child of a parent run.
func (s *Store) ChildRuns(parentID string) ([]Run, error) {
	var runs []Run
	if err := s.db.Select(&runs, `SELECT * FROM runs WHERE parent_run_id = $1 ORDER BY started_at`, parentID); err != nil {
		return nil, fmt.Errorf("error loading children of run %s: %w", parentID, err)
	}
	return runs, nil
}

// UpdateRunStatus moves a run forward along its lifecycle. Terminal rows are
// never touched, so a late or duplicate update cannot resurrect a finished
// run.
func (s *Store) UpdateRunStatus(id string, status RunStatus) error {
	query := `
	UPDATE runs SET
		status = $2,
		finished_at = CASE WHEN $2 IN ('success','partial','error') THEN COALESCE(finished_at, now()) ELSE finished_at END
	WHERE id = $1 AND status NOT IN ('success','partial','error')`
	res, err := s.db.Exec(query, id, status)
	if err != nil {
		return fmt.Errorf("error updating run %s to %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logrus.Debugf("Run %s not moved to %s (already terminal or missing)", id, status)
	}
	return nil
}

// MergeRunMetadata merges a patch into the run's metadata blob atomically:
// existing ∪ patch, patch wins on key collision, null-valued keys dropped.
// Every independent writer (job start, per-post loop, error handler,
// aggregator) goes through this one operation.
func (s *Store) MergeRunMetadata(id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("error marshaling metadata patch: %w", err)
	}

	query := `UPDATE runs SET metadata = jsonb_strip_nulls(metadata || $2::jsonb) WHERE id = $1`
	if _, err := s.db.Exec(query, id, data); err != nil {
		return fmt.Errorf("error merging metadata into run %s: %w", id, err)
	}
	return nil
}

// FinishRun records a run's terminal status together with its final
// counters, guarded by the same forward-only predicate as UpdateRunStatus.
func (s *Store) FinishRun(id string, status RunStatus, eventsFound, pagesCrawled int) error {
	query := `
	UPDATE runs SET
		status = $2,
		events_found = $3,
		pages_crawled = $4,
		finished_at = COALESCE(finished_at, now())
	WHERE id = $1 AND status NOT IN ('success','partial','error')`
	if _, err := s.db.Exec(query, id, status, eventsFound, pagesCrawled); err != nil {
		return fmt.Errorf("error finishing run %s: %w", id, err)
	}
	return nil
}

// RecomputeParent derives a parent run's status and counters from all of its
// children and writes the aggregate. It recomputes from scratch on every
// call instead of patching deltas, so out-of-order or duplicate child
// notifications always converge to a consistent parent row.
func (s *Store) RecomputeParent(parentID string) error {
	children, err := s.ChildRuns(parentID)
	if err != nil {
		return err
	}

	agg := DeriveBatchAggregate(children)
	patch, err := json.Marshal(map[string]any{
		"children":      agg.Total,
		"success_count": agg.SuccessCount,
		"failed_count":  agg.FailedCount,
		"pending_count": agg.PendingCount,
	})
	if err != nil {
		return fmt.Errorf("error marshaling aggregate metadata: %w", err)
	}

	query := `
	UPDATE runs SET
		status = $2,
		events_found = $3,
		pages_crawled = $4,
		metadata = jsonb_strip_nulls(metadata || $5::jsonb),
		finished_at = CASE WHEN $6 THEN COALESCE(finished_at, now()) ELSE finished_at END
	WHERE id = $1`
	if _, err := s.db.Exec(query, parentID, agg.Status, agg.EventsFound, agg.PagesCrawled, patch, agg.Finished); err != nil {
		return fmt.Errorf("error writing aggregate for run %s: %w", parentID, err)
	}

	logrus.Debugf("Recomputed parent run %s: %s (%d/%d children done)", parentID, agg.Status, agg.Total-agg.PendingCount, agg.Total)
	return nil
}
