// Package ledger records per-forum crawl snapshots so unchanged forums can be
// skipped on the next run.
package ledger

import (
	"context"
	"time"
)

// Snapshot is the observed size of a forum at the end of a crawl.
type Snapshot struct {
	ThreadCount int       `json:"thread_count"`
	ReplyCount  int       `json:"reply_count"`
	CapturedAt  time.Time `json:"captured_at"`
}

// SnapshotStore is an append-only keyed store. Load returns the most recent
// snapshot for a forum; ok is false when none was ever saved.
type SnapshotStore interface {
	Load(ctx context.Context, forumKey string) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, forumKey string, snap Snapshot) error
}

// BatchSaver is implemented by stores that can persist a whole run at once.
type BatchSaver interface {
	SaveAll(ctx context.Context, snaps map[string]Snapshot) error
}

// SaveAll persists snaps through BatchSaver when available, otherwise one by
// one.
func SaveAll(ctx context.Context, store SnapshotStore, snaps map[string]Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if b, ok := store.(BatchSaver); ok {
		return b.SaveAll(ctx, snaps)
	}
	for key, snap := range snaps {
		if err := store.Save(ctx, key, snap); err != nil {
			return err
		}
	}
	return nil
}

// Unchanged reports whether a forum can be skipped: a previous snapshot
// exists and both counts match.
func Unchanged(prev Snapshot, ok bool, threadCount, replyCount int) bool {
	return ok && prev.ThreadCount == threadCount && prev.ReplyCount == replyCount
}
