// Package ingest loads crawled forum files, embeds their posts and merges
// them into the graph and the keyword index.
package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/embeddings"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
)

// Indexer receives every merged post. *search.Index satisfies it.
type Indexer interface {
	IndexPosts(posts []corpus.Post) error
}

// Worker handles building the graph from corpus files
type Worker struct {
	embedder    embeddings.Embedder
	ingestor    *graph.Ingestor
	index       Indexer
	concurrency int
	log         *logger.Logger
}

// NewWorker creates a new ingest worker. index may be nil.
func NewWorker(embedder embeddings.Embedder, ingestor *graph.Ingestor, index Indexer, concurrency int, log *logger.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{
		embedder:    embedder,
		ingestor:    ingestor,
		index:       index,
		concurrency: concurrency,
		log:         log.With("component", "ingest"),
	}
}

// Stats holds ingest statistics
type Stats struct {
	Files       int
	Posts       int
	Merged      int
	Indexed     int
	Linked      int
	Pending     []string
	Rejected    []string
	Invalid     []string
	Failed      []string
	EmbedErrors int
	ReplyIssues int
	Duration    time.Duration
}

// Build ingests the given forum files or corpus directories. A directory
// contributes the newest file of each forum.
func (w *Worker) Build(ctx context.Context, paths []string) (*Stats, error) {
	startTime := time.Now()
	stats := &Stats{}

	files, err := expandPaths(paths)
	if err != nil {
		return nil, err
	}
	stats.Files = len(files)
	w.log.Info("starting build", "files", len(files))

	// 1. Load threads, later files win for duplicate post ids
	byID := make(map[string]int)
	var inputs []graph.PostInput
	for _, f := range files {
		threads, err := corpus.LoadForumFile(f)
		if err != nil {
			return nil, err
		}
		for _, t := range threads {
			for _, issue := range corpus.ValidateThread(t.Posts) {
				w.log.Warn("reply structure", "file", f, "thread", t.URL, "issue", issue.String())
				stats.ReplyIssues++
			}
			for _, p := range t.Posts {
				in := graph.PostInput{Post: p, ThreadTitle: t.Title, ThreadURL: t.URL}
				if i, ok := byID[p.PostID]; ok {
					inputs[i] = in
					continue
				}
				byID[p.PostID] = len(inputs)
				inputs = append(inputs, in)
			}
		}
	}
	stats.Posts = len(inputs)
	w.log.Info("loaded posts", "posts", stats.Posts)

	// 2. Embed with a worker pool
	embedded, err := w.embed(ctx, inputs, stats)
	if err != nil {
		return nil, err
	}

	// 3. Merge nodes, then link replies once every node exists
	res, err := w.ingestor.UpsertNodes(ctx, embedded)
	if err != nil {
		return nil, fmt.Errorf("upsert nodes: %w", err)
	}
	stats.Merged = res.Merged
	stats.Invalid = res.Invalid
	stats.Failed = res.Failed

	skip := make(map[string]bool, len(res.Invalid)+len(res.Failed))
	for _, id := range append(append([]string{}, res.Invalid...), res.Failed...) {
		skip[id] = true
	}
	merged := make([]corpus.Post, 0, len(embedded))
	for _, in := range embedded {
		if !skip[in.Post.PostID] {
			merged = append(merged, in.Post)
		}
	}

	links, err := w.ingestor.LinkReplies(ctx, merged)
	if err != nil {
		return nil, err
	}
	stats.Linked = links.Linked
	stats.Pending = links.Pending
	stats.Rejected = links.Rejected

	// 4. Keyword index
	if w.index != nil && len(merged) > 0 {
		if err := w.index.IndexPosts(merged); err != nil {
			return nil, fmt.Errorf("index posts: %w", err)
		}
		stats.Indexed = len(merged)
	}

	stats.Duration = time.Since(startTime)
	w.log.Info("build complete",
		"merged", stats.Merged, "linked", stats.Linked, "pending", len(stats.Pending),
		"invalid", len(stats.Invalid), "failed", len(stats.Failed), "duration", stats.Duration)
	return stats, nil
}

func (w *Worker) embed(ctx context.Context, inputs []graph.PostInput, stats *Stats) ([]graph.PostInput, error) {
	jobs := make(chan int, len(inputs))
	for i := range inputs {
		jobs <- i
	}
	close(jobs)

	ok := make([]bool, len(inputs))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				p := &inputs[i].Post
				vec, err := w.embedder.Embed(ctx, p.EmbeddingText())
				if err != nil {
					w.log.Warn("embed post failed", "post_id", p.PostID, "thread", p.ThreadID, "error", err)
					mu.Lock()
					stats.EmbedErrors++
					mu.Unlock()
					continue
				}
				inputs[i].Embedding = vec
				ok[i] = true
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]graph.PostInput, 0, len(inputs))
	for i, in := range inputs {
		if ok[i] {
			out = append(out, in)
		}
	}
	return out, nil
}

func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		latest, err := corpus.LatestForumFiles(p)
		if err != nil {
			return nil, err
		}
		files = append(files, latest...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no forum files found in %v", paths)
	}
	return files, nil
}
