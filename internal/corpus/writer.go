package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is fixed-width UTC so file names sort chronologically.
const TimestampLayout = "2006-01-02T15-04-05.000Z"

// Writer stores crawl artifacts under one course directory. Files are never
// overwritten; every write creates a new timestamped file.
type Writer struct {
	dir      string
	courseID string
	now      func() time.Time
}

func NewWriter(dir, courseID string) *Writer {
	return &Writer{dir: dir, courseID: courseID, now: time.Now}
}

// Dir is the directory the writer stores files in.
func (w *Writer) Dir() string {
	return w.dir
}

// WriteForum writes {course}_forum_{NN}_{slug}__{timestamp}.json.
func (w *Writer) WriteForum(index int, forumName string, threads []Thread) (string, error) {
	if threads == nil {
		threads = []Thread{}
	}
	prefix := fmt.Sprintf("%s_forum_%02d_%s", w.courseID, index, Slugify(forumName))
	return w.writeNew(prefix, threads)
}

// WriteSummary writes {course}_forum_summary__{timestamp}.json.
func (w *Writer) WriteSummary(entries []SummaryEntry) (string, error) {
	if entries == nil {
		entries = []SummaryEntry{}
	}
	return w.writeNew(w.courseID+"_forum_summary", entries)
}

func (w *Writer) writeNew(prefix string, v any) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create corpus dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", prefix, err)
	}

	ts := w.now().UTC()
	for attempt := 0; attempt < 50; attempt++ {
		path := filepath.Join(w.dir, prefix+"__"+ts.Format(TimestampLayout)+".json")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			ts = ts.Add(time.Millisecond)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("create %s: no free timestamp", prefix)
}

var (
	slugReplacer = strings.NewReplacer(
		"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
		"Ä", "Ae", "Ö", "Oe", "Ü", "Ue",
	)
	slugStrip = regexp.MustCompile(`[^a-z0-9_]`)
)

// Slugify turns a forum display name into a file-name fragment.
func Slugify(name string) string {
	s := slugReplacer.Replace(name)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	return slugStrip.ReplaceAllString(s, "")
}
