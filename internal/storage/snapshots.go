package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/daemonphantom/BA-TUB-Bot/internal/ledger"
)

// SnapshotStore is the sqlite-backed ledger for one course. Rows are only
// ever inserted; the highest seq per forum wins.
type SnapshotStore struct {
	db       *DB
	courseID string
}

var _ ledger.SnapshotStore = (*SnapshotStore)(nil)
var _ ledger.BatchSaver = (*SnapshotStore)(nil)

// Snapshots returns the ledger view for courseID.
func (d *DB) Snapshots(courseID string) *SnapshotStore {
	return &SnapshotStore{db: d, courseID: courseID}
}

func (s *SnapshotStore) Load(ctx context.Context, forumKey string) (ledger.Snapshot, bool, error) {
	query := `
	SELECT thread_count, reply_count, captured_at
	FROM forum_snapshots
	WHERE course_id = ? AND forum_key = ?
	ORDER BY seq DESC
	LIMIT 1
	`

	var snap ledger.Snapshot
	err := s.db.db.QueryRowContext(ctx, query, s.courseID, forumKey).Scan(
		&snap.ThreadCount, &snap.ReplyCount, &snap.CapturedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Snapshot{}, false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *SnapshotStore) Save(ctx context.Context, forumKey string, snap ledger.Snapshot) error {
	return s.SaveAll(ctx, map[string]ledger.Snapshot{forumKey: snap})
}

// SaveAll inserts every snapshot in one transaction.
func (s *SnapshotStore) SaveAll(ctx context.Context, snaps map[string]ledger.Snapshot) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO forum_snapshots (course_id, forum_key, thread_count, reply_count, captured_at)
	VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for key, snap := range snaps {
		if _, err := stmt.ExecContext(ctx, s.courseID, key, snap.ThreadCount, snap.ReplyCount, snap.CapturedAt.UTC()); err != nil {
			return fmt.Errorf("insert snapshot %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// History returns every recorded snapshot for a forum, oldest first.
func (s *SnapshotStore) History(ctx context.Context, forumKey string) ([]ledger.Snapshot, error) {
	rows, err := s.db.db.QueryContext(ctx, `
	SELECT thread_count, reply_count, captured_at
	FROM forum_snapshots
	WHERE course_id = ? AND forum_key = ?
	ORDER BY seq ASC
	`, s.courseID, forumKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Snapshot
	for rows.Next() {
		var snap ledger.Snapshot
		if err := rows.Scan(&snap.ThreadCount, &snap.ReplyCount, &snap.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
