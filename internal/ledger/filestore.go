package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
)

const timestampLayout = "2006-01-02T15-04-05.000Z"

// FileStore keeps snapshots in {course}_forum_snapshot__{timestamp}.json files.
// Each save writes a new file holding the full merged map; the
// lexicographically latest readable file is authoritative.
type FileStore struct {
	dir      string
	courseID string
	now      func() time.Time
	log      *logger.Logger

	mu sync.Mutex
}

var _ SnapshotStore = (*FileStore)(nil)
var _ BatchSaver = (*FileStore)(nil)

func NewFileStore(dir, courseID string, log *logger.Logger) *FileStore {
	if log == nil {
		log = logger.Nop()
	}
	return &FileStore{dir: dir, courseID: courseID, now: time.Now, log: log.With("component", "ledger")}
}

func (s *FileStore) prefix() string {
	return s.courseID + "_forum_snapshot__"
}

// files returns the snapshot files, newest first.
func (s *FileStore) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), s.prefix()) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for i, n := range names {
		names[i] = filepath.Join(s.dir, n)
	}
	return names, nil
}

// readLatest returns the newest snapshot map that decodes. Unreadable files
// are skipped with a warning; with none left the map is empty and every
// forum counts as changed.
func (s *FileStore) readLatest() (map[string]Snapshot, error) {
	paths, err := s.files()
	if err != nil {
		return map[string]Snapshot{}, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("skipping unreadable snapshot", "path", path, "error", err)
			continue
		}
		snaps := map[string]Snapshot{}
		if err := json.Unmarshal(data, &snaps); err != nil {
			s.log.Warn("skipping corrupt snapshot", "path", path, "error", err)
			continue
		}
		return snaps, nil
	}
	return map[string]Snapshot{}, nil
}

func (s *FileStore) Load(_ context.Context, forumKey string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.readLatest()
	if err != nil {
		return Snapshot{}, false, err
	}
	snap, ok := snaps[forumKey]
	return snap, ok, nil
}

func (s *FileStore) Save(ctx context.Context, forumKey string, snap Snapshot) error {
	return s.SaveAll(ctx, map[string]Snapshot{forumKey: snap})
}

func (s *FileStore) SaveAll(_ context.Context, updates map[string]Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.readLatest()
	if err != nil {
		return err
	}
	for k, v := range updates {
		snaps[k] = v
	}
	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+s.prefix()+"*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	// Link publishes the complete file under its final name and fails
	// instead of replacing an existing snapshot.
	ts := s.now().UTC()
	for attempt := 0; attempt < 50; attempt++ {
		path := filepath.Join(s.dir, s.prefix()+ts.Format(timestampLayout)+".json")
		err := os.Link(tmp.Name(), path)
		if errors.Is(err, os.ErrExist) {
			ts = ts.Add(time.Millisecond)
			continue
		}
		if err != nil {
			return fmt.Errorf("publish snapshot: %w", err)
		}
		return nil
	}
	return fmt.Errorf("create snapshot: no free timestamp")
}
