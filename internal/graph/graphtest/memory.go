// Package graphtest provides an in-process graph.Backend for tests.
package graphtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/daemonphantom/BA-TUB-Bot/internal/embeddings"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
)

type storedPost struct {
	in  graph.PostInput
	hit graph.Hit
}

// MemoryBackend keeps nodes and edges in maps with the same merge semantics
// as the Cypher backend: keyed nodes, set-valued edges.
type MemoryBackend struct {
	mu sync.RWMutex

	indexes map[string]int
	posts   map[string]*storedPost
	threads map[string]bool
	courses map[string]bool
	authors map[string]bool
	edges   map[string]map[string]bool // type -> "from->to"

	// FailPosts makes MergePosts fail for any batch containing these ids.
	FailPosts map[string]bool
}

var _ graph.Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{FailPosts: map[string]bool{}}
	m.reset()
	return m
}

func (m *MemoryBackend) reset() {
	m.indexes = map[string]int{}
	m.posts = map[string]*storedPost{}
	m.threads = map[string]bool{}
	m.courses = map[string]bool{}
	m.authors = map[string]bool{}
	m.edges = map[string]map[string]bool{}
}

func (m *MemoryBackend) addEdge(kind, from, to string) {
	if m.edges[kind] == nil {
		m.edges[kind] = map[string]bool{}
	}
	m.edges[kind][from+"->"+to] = true
}

// EdgeCount returns the number of distinct edges of a relationship type.
func (m *MemoryBackend) EdgeCount(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges[kind])
}

// HasEdge reports whether from-[kind]->to exists.
func (m *MemoryBackend) HasEdge(kind, from, to string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.edges[kind][from+"->"+to]
}

// PostCount returns the number of Post nodes.
func (m *MemoryBackend) PostCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.posts)
}

// Post returns the stored input for a post id.
func (m *MemoryBackend) Post(id string) (graph.PostInput, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.posts[id]
	if !ok {
		return graph.PostInput{}, false
	}
	return sp.in, true
}

func (m *MemoryBackend) EnsureSchema(_ context.Context, schema graph.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dims, ok := m.indexes[schema.IndexName]; ok {
		if dims != schema.Dimensions {
			return fmt.Errorf("%w: index %s has %d dimensions, configured %d",
				graph.ErrDimensionMismatch, schema.IndexName, dims, schema.Dimensions)
		}
		return nil
	}
	m.indexes[schema.IndexName] = schema.Dimensions
	return nil
}

func (m *MemoryBackend) MergePosts(_ context.Context, posts []graph.PostInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, in := range posts {
		if m.FailPosts[in.Post.PostID] {
			return fmt.Errorf("merge %s: injected failure", in.Post.PostID)
		}
	}

	for _, in := range posts {
		p := in.Post
		m.courses[p.Course.ID] = true
		m.threads[p.ThreadID] = true
		m.authors[p.Author] = true

		emb := make([]float32, len(in.Embedding))
		copy(emb, in.Embedding)
		in.Embedding = emb

		hit := graph.Hit{
			PostID:       p.PostID,
			Subject:      p.Subject,
			Content:      p.Content,
			CourseID:     p.Course.ID,
			ThreadID:     p.ThreadID,
			Author:       p.Author,
			PostedAt:     p.PostedAt,
			IsThreadRoot: p.IsThreadRoot,
			Permalink:    p.Permalink,
		}
		if p.ResponseTo != nil {
			hit.ResponseTo = *p.ResponseTo
		}
		// A re-crawled post may have moved thread or changed author.
		if prev, ok := m.posts[p.PostID]; ok {
			delete(m.edges["POSTED_IN"], p.PostID+"->"+prev.hit.ThreadID)
			delete(m.edges["AUTHORED"], prev.hit.Author+"->"+p.PostID)
		}
		m.posts[p.PostID] = &storedPost{in: in, hit: hit}

		m.addEdge("BELONGS_TO", p.PostID, p.Course.ID)
		m.addEdge("POSTED_IN", p.PostID, p.ThreadID)
		m.addEdge("AUTHORED", p.Author, p.PostID)
		m.addEdge("IN_COURSE", p.ThreadID, p.Course.ID)
	}
	return nil
}

func (m *MemoryBackend) LinkReplies(_ context.Context, links []graph.ReplyLink) (map[string]graph.LinkStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]graph.LinkStatus, len(links))
	for _, l := range links {
		reply, ok := m.posts[l.ReplyID]
		if !ok {
			out[l.ReplyID] = graph.LinkReplyMissing
			continue
		}
		orig, ok := m.posts[l.TargetID]
		if !ok {
			out[l.ReplyID] = graph.LinkTargetMissing
			continue
		}
		if orig.hit.ThreadID != reply.hit.ThreadID {
			out[l.ReplyID] = graph.LinkCrossThread
			continue
		}
		m.addEdge("REPLIES_TO", l.ReplyID, l.TargetID)
		out[l.ReplyID] = graph.LinkCreated
	}
	return out, nil
}

func (m *MemoryBackend) VectorSearch(_ context.Context, q graph.SearchQuery) ([]graph.Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.indexes[q.IndexName]; !ok {
		return nil, fmt.Errorf("no such index %s", q.IndexName)
	}

	type scored struct {
		sp    *storedPost
		score float64
	}
	var all []scored
	for _, sp := range m.posts {
		if len(sp.in.Embedding) != len(q.Embedding) {
			continue
		}
		all = append(all, scored{sp, float64(embeddings.CosineSimilarity(q.Embedding, sp.in.Embedding))})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].sp.hit.PostID < all[j].sp.hit.PostID
	})
	if len(all) > q.Candidates {
		all = all[:q.Candidates]
	}

	var hits []graph.Hit
	for _, s := range all {
		if !q.Filters.Match(s.sp.hit, s.sp.in.Post.Course.Semester) {
			continue
		}
		h := s.sp.hit
		h.Score = s.score
		hits = append(hits, h)
		if len(hits) == q.Limit {
			break
		}
	}
	return hits, nil
}

func (m *MemoryBackend) GetPost(_ context.Context, postID string) (graph.Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.posts[postID]
	if !ok {
		return graph.Hit{}, fmt.Errorf("%w: %s", graph.ErrNotFound, postID)
	}
	return sp.hit, nil
}

// RelatedPosts walks REPLIES_TO edges in both directions.
func (m *MemoryBackend) RelatedPosts(_ context.Context, postID string, depth int) ([]graph.Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	adj := map[string][]string{}
	for key := range m.edges["REPLIES_TO"] {
		from, to, _ := strings.Cut(key, "->")
		adj[from] = append(adj[from], to)
		adj[to] = append(adj[to], from)
	}

	seen := map[string]bool{postID: true}
	frontier := []string{postID}
	var out []graph.Hit
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for _, n := range adj[id] {
				if seen[n] {
					continue
				}
				seen[n] = true
				next = append(next, n)
				if sp, ok := m.posts[n]; ok {
					out = append(out, sp.hit)
				}
			}
		}
		frontier = next
	}
	sortByTime(out)
	return out, nil
}

func (m *MemoryBackend) ThreadPosts(_ context.Context, postID string) ([]graph.Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, ok := m.posts[postID]
	if !ok {
		return nil, nil
	}
	var out []graph.Hit
	for id, sp := range m.posts {
		if id != postID && sp.hit.ThreadID == start.hit.ThreadID {
			out = append(out, sp.hit)
		}
	}
	sortByTime(out)
	return out, nil
}

func (m *MemoryBackend) Stats(_ context.Context) (graph.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	embedded := 0
	for _, sp := range m.posts {
		if len(sp.in.Embedding) > 0 {
			embedded++
		}
	}
	return graph.Stats{
		Posts:    len(m.posts),
		Threads:  len(m.threads),
		Courses:  len(m.courses),
		Authors:  len(m.authors),
		Replies:  len(m.edges["REPLIES_TO"]),
		Embedded: embedded,
	}, nil
}

func (m *MemoryBackend) ExportPosts(_ context.Context) ([]graph.Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]graph.Hit, 0, len(m.posts))
	for _, sp := range m.posts {
		out = append(out, sp.hit)
	}
	sortByTime(out)
	return out, nil
}

func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	indexes := m.indexes
	m.reset()
	m.indexes = indexes
	return nil
}

func sortByTime(hits []graph.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if !hits[i].PostedAt.Equal(hits[j].PostedAt) {
			return hits[i].PostedAt.Before(hits[j].PostedAt)
		}
		return hits[i].PostID < hits[j].PostID
	})
}
