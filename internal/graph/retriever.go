package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
)

// Retriever runs read-only queries; it takes no locks and may observe a
// partially ingested graph.
type Retriever struct {
	backend   Backend
	schema    Schema
	overfetch int
	log       *logger.Logger
}

func NewRetriever(backend Backend, schema Schema, overfetch int, log *logger.Logger) *Retriever {
	if schema.IndexName == "" {
		schema.IndexName = DefaultIndexName
	}
	if overfetch < 1 {
		overfetch = DefaultOverfetch
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Retriever{backend: backend, schema: schema, overfetch: overfetch, log: log.With("component", "retriever")}
}

// Search returns up to limit posts most similar to embedding that pass
// filters, best first. limit*overfetch candidates are scored before
// filtering so selective filters still fill the result.
func (r *Retriever) Search(ctx context.Context, embedding []float32, limit int, filters Filters) ([]Hit, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	if len(embedding) != r.schema.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			ErrDimensionMismatch, len(embedding), r.schema.Dimensions)
	}
	if limit <= 0 {
		limit = 10
	}

	hits, err := r.backend.VectorSearch(ctx, SearchQuery{
		IndexName:  r.schema.IndexName,
		Embedding:  embedding,
		Candidates: limit * r.overfetch,
		Limit:      limit,
		Filters:    filters,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	r.log.Debug("search", "limit", limit, "hits", len(hits))
	return hits, nil
}

// ExpandContext returns a post, the posts reachable over REPLIES_TO in
// either direction within depth hops, and the rest of its thread. depth is
// clamped to [1, MaxContextDepth].
func (r *Retriever) ExpandContext(ctx context.Context, postID string, depth int) (*Context, error) {
	depth = clampDepth(depth)

	post, err := r.backend.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	related, err := r.backend.RelatedPosts(ctx, postID, depth)
	if err != nil {
		return nil, fmt.Errorf("related posts: %w", err)
	}
	thread, err := r.backend.ThreadPosts(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("thread posts: %w", err)
	}
	return &Context{Post: post, Related: related, Thread: thread}, nil
}

// Stats returns node and edge counts.
func (r *Retriever) Stats(ctx context.Context) (Stats, error) {
	return r.backend.Stats(ctx)
}

// Export returns every stored post.
func (r *Retriever) Export(ctx context.Context) ([]Hit, error) {
	return r.backend.ExportPosts(ctx)
}
