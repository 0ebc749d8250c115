package corpus

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadForumFile reads one forum file.
func LoadForumFile(path string) ([]Thread, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read forum file: %w", err)
	}
	var threads []Thread
	if err := json.Unmarshal(data, &threads); err != nil {
		return nil, fmt.Errorf("decode forum file %s: %w", path, err)
	}
	for i := range threads {
		fallback := ThreadIDFromURL(threads[i].URL)
		for j := range threads[i].Posts {
			if threads[i].Posts[j].ThreadID == "" {
				threads[i].Posts[j].ThreadID = fallback
			}
		}
	}
	return threads, nil
}

// LoadSummary reads one summary file.
func LoadSummary(path string) ([]SummaryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var entries []SummaryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", path, err)
	}
	return entries, nil
}

// ThreadIDFromURL extracts the discussion id (d=) from a thread URL.
func ThreadIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("d")
}

// LatestForumFiles returns, for every forum file prefix in dir, the newest
// file. Summary and snapshot files are ignored.
func LatestForumFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir: %w", err)
	}
	latest := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || !strings.Contains(name, "_forum_") {
			continue
		}
		if strings.Contains(name, "_forum_summary__") || strings.Contains(name, "_forum_snapshot__") {
			continue
		}
		// Slugs may contain "__" themselves; the timestamp follows the last one.
		prefix := strings.TrimSuffix(name, ".json")
		if i := strings.LastIndex(name, "__"); i >= 0 {
			prefix = name[:i]
		}
		if name > latest[prefix] {
			latest[prefix] = name
		}
	}
	out := make([]string, 0, len(latest))
	for _, name := range latest {
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Flatten returns the posts of all threads in order.
func Flatten(threads []Thread) []Post {
	var posts []Post
	for _, t := range threads {
		posts = append(posts, t.Posts...)
	}
	return posts
}
