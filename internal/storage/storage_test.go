package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/daemonphantom/BA-TUB-Bot/internal/ledger"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSnapshotStoreLatestWins(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := db.Snapshots("40280")

	if _, ok, err := store.Load(ctx, "Forum"); err != nil || ok {
		t.Fatalf("empty: ok=%t err=%v", ok, err)
	}

	first := time.Date(2025, 8, 3, 0, 0, 0, 0, time.UTC)
	if err := store.SaveAll(ctx, map[string]ledger.Snapshot{
		"Forum":         {ThreadCount: 4, ReplyCount: 10, CapturedAt: first},
		"Ankündigungen": {ThreadCount: 2, ReplyCount: 0, CapturedAt: first},
	}); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if err := store.Save(ctx, "Forum", ledger.Snapshot{ThreadCount: 4, ReplyCount: 11, CapturedAt: first.Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, ok, err := store.Load(ctx, "Forum")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%t err=%v", ok, err)
	}
	if snap.ReplyCount != 11 {
		t.Fatalf("reply_count: want=11 got=%d", snap.ReplyCount)
	}

	history, err := store.History(ctx, "Forum")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].ReplyCount != 10 {
		t.Fatalf("history: %+v", history)
	}

	// Other courses never see these rows.
	if _, ok, _ := db.Snapshots("99999").Load(ctx, "Forum"); ok {
		t.Fatal("snapshot leaked across courses")
	}
}

func TestRunLog(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	started := time.Date(2025, 8, 3, 10, 0, 0, 0, time.UTC)
	if err := db.StartRun(ctx, "run-1", "40280", started); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	finished := started.Add(2 * time.Minute)
	if err := db.FinishRun(ctx, Run{ID: "run-1", ForumsTotal: 3, ForumsSkipped: 2, Posts: 17, FinishedAt: &finished}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := db.LastRuns(ctx, "40280", 5)
	if err != nil {
		t.Fatalf("LastRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs: want=1 got=%d", len(runs))
	}
	r := runs[0]
	if r.ForumsSkipped != 2 || r.Posts != 17 || r.FinishedAt == nil || r.Error != "" {
		t.Fatalf("unexpected run: %+v", r)
	}
}
