package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is one crawl invocation.
type Run struct {
	ID            string
	CourseID      string
	StartedAt     time.Time
	FinishedAt    *time.Time
	ForumsTotal   int
	ForumsSkipped int
	Posts         int
	Error         string
}

// StartRun records the beginning of a crawl.
func (d *DB) StartRun(ctx context.Context, id, courseID string, startedAt time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO crawl_runs (id, course_id, started_at) VALUES (?, ?, ?)`,
		id, courseID, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a crawl.
func (d *DB) FinishRun(ctx context.Context, run Run) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	var runErr sql.NullString
	if run.Error != "" {
		runErr = sql.NullString{String: run.Error, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
	UPDATE crawl_runs
	SET finished_at = ?, forums_total = ?, forums_skipped = ?, posts = ?, error = ?
	WHERE id = ?
	`, finished, run.ForumsTotal, run.ForumsSkipped, run.Posts, runErr, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LastRuns returns the most recent runs for a course, newest first.
func (d *DB) LastRuns(ctx context.Context, courseID string, limit int) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT id, course_id, started_at, finished_at, forums_total, forums_skipped, posts, error
	FROM crawl_runs
	WHERE course_id = ?
	ORDER BY started_at DESC
	LIMIT ?
	`, courseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
			runErr   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.CourseID, &r.StartedAt, &finished, &r.ForumsTotal, &r.ForumsSkipped, &r.Posts, &runErr); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		r.Error = runErr.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
