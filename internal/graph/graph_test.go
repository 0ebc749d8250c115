package graph_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph/graphtest"
)

const dims = 3

var schema = graph.Schema{IndexName: graph.DefaultIndexName, Dimensions: dims}

func strPtr(s string) *string { return &s }

func post(id, thread, course string, at time.Time, replyTo string) corpus.Post {
	p := corpus.Post{
		PostID:   id,
		ThreadID: thread,
		Course:   corpus.Course{ID: course, Semester: "WiSe 2024/25"},
		Subject:  "s" + id,
		Author:   "author-" + id,
		Content:  "content " + id,
		PostedAt: at,
	}
	if replyTo == "" {
		p.IsThreadRoot = true
	} else {
		p.IsReply = true
		p.ResponseTo = strPtr(replyTo)
	}
	return p
}

func setup(t *testing.T) (*graphtest.MemoryBackend, *graph.Ingestor, *graph.Retriever) {
	t.Helper()
	b := graphtest.NewMemoryBackend()
	ing := graph.NewIngestor(b, schema, nil)
	if err := ing.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return b, ing, graph.NewRetriever(b, schema, graph.DefaultOverfetch, nil)
}

var t0 = time.Date(2024, 10, 17, 10, 0, 0, 0, time.UTC)

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b, ing, _ := setup(t)

	p := post("100", "7", "40280", t0, "")
	if err := ing.Upsert(ctx, p, []float32{1, 0, 0}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	p.Content = "edited"
	if err := ing.Upsert(ctx, p, []float32{0, 1, 0}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if b.PostCount() != 1 {
		t.Fatalf("posts: want=1 got=%d", b.PostCount())
	}
	for _, kind := range []string{"BELONGS_TO", "POSTED_IN", "AUTHORED", "IN_COURSE"} {
		if n := b.EdgeCount(kind); n != 1 {
			t.Fatalf("%s edges: want=1 got=%d", kind, n)
		}
	}
	stored, _ := b.Post("100")
	if stored.Post.Content != "edited" || stored.Embedding[1] != 1 {
		t.Fatalf("mutable fields not overwritten: %+v", stored)
	}
}

func TestUpsertReplacesMovedEdges(t *testing.T) {
	ctx := context.Background()
	b, ing, _ := setup(t)

	p := post("100", "7", "40280", t0, "")
	if err := ing.Upsert(ctx, p, []float32{1, 0, 0}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	p.Author = "Anna"
	p.ThreadID = "8"
	if err := ing.Upsert(ctx, p, []float32{1, 0, 0}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	for _, kind := range []string{"POSTED_IN", "AUTHORED"} {
		if n := b.EdgeCount(kind); n != 1 {
			t.Fatalf("%s edges: want=1 got=%d", kind, n)
		}
	}
	if !b.HasEdge("AUTHORED", "Anna", "100") || b.HasEdge("AUTHORED", "author-100", "100") {
		t.Fatal("AUTHORED edge not moved to new author")
	}
	if !b.HasEdge("POSTED_IN", "100", "8") || b.HasEdge("POSTED_IN", "100", "7") {
		t.Fatal("POSTED_IN edge not moved to new thread")
	}
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	_, ing, _ := setup(t)
	err := ing.Upsert(context.Background(), post("1", "7", "40280", t0, ""), []float32{1, 0})
	if !errors.Is(err, graph.ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	if !graph.IsFatal(err) {
		t.Fatal("dimension mismatch must be fatal")
	}
}

func TestUpsertRejectsInvalidPost(t *testing.T) {
	_, ing, _ := setup(t)
	p := post("1", "7", "40280", t0, "")
	p.IsReply = true // root and reply at once
	if err := ing.Upsert(context.Background(), p, []float32{1, 0, 0}); !errors.Is(err, graph.ErrInvalidPost) {
		t.Fatalf("want ErrInvalidPost, got %v", err)
	}
}

func TestUpsertNodesContinuesPastFailures(t *testing.T) {
	b, ing, _ := setup(t)
	b.FailPosts["2"] = true

	res, err := ing.UpsertNodes(context.Background(), []graph.PostInput{
		{Post: post("1", "7", "40280", t0, ""), Embedding: []float32{1, 0, 0}},
		{Post: post("2", "7", "40280", t0, "1"), Embedding: []float32{1, 0, 0}},
		{Post: post("3", "7", "40280", t0, "1"), Embedding: []float32{1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("UpsertNodes: %v", err)
	}
	if res.Merged != 2 || len(res.Failed) != 1 || res.Failed[0] != "2" {
		t.Fatalf("result: %+v", res)
	}
}

func TestEnsureSchemaDimensionMismatch(t *testing.T) {
	b, _, _ := setup(t)
	other := graph.NewIngestor(b, graph.Schema{IndexName: graph.DefaultIndexName, Dimensions: 1024}, nil)
	if err := other.EnsureSchema(context.Background()); !errors.Is(err, graph.ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	same := graph.NewIngestor(b, schema, nil)
	if err := same.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
}

func TestLinkRepliesOutOfOrder(t *testing.T) {
	ctx := context.Background()
	b, ing, _ := setup(t)

	reply := post("2", "7", "40280", t0.Add(time.Hour), "1")
	if _, err := ing.UpsertNodes(ctx, []graph.PostInput{{Post: reply, Embedding: []float32{0, 1, 0}}}); err != nil {
		t.Fatal(err)
	}
	res, err := ing.LinkReplies(ctx, []corpus.Post{reply})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Pending) != 1 || res.Linked != 0 {
		t.Fatalf("missing target should be pending: %+v", res)
	}

	root := post("1", "7", "40280", t0, "")
	if _, err := ing.UpsertNodes(ctx, []graph.PostInput{{Post: root, Embedding: []float32{1, 0, 0}}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		res, err = ing.LinkReplies(ctx, []corpus.Post{root, reply})
		if err != nil {
			t.Fatal(err)
		}
	}
	if res.Linked != 1 || len(res.Pending) != 0 {
		t.Fatalf("retry should link: %+v", res)
	}
	if b.EdgeCount("REPLIES_TO") != 1 || !b.HasEdge("REPLIES_TO", "2", "1") {
		t.Fatal("REPLIES_TO edge missing or duplicated")
	}
}

func TestLinkRepliesRejectsCrossThread(t *testing.T) {
	ctx := context.Background()
	b, ing, _ := setup(t)

	orig := post("1", "7", "40280", t0, "")
	stray := post("2", "8", "40280", t0.Add(time.Hour), "1")
	if _, err := ing.UpsertNodes(ctx, []graph.PostInput{
		{Post: orig, Embedding: []float32{1, 0, 0}},
		{Post: stray, Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatal(err)
	}
	res, err := ing.LinkReplies(ctx, []corpus.Post{orig, stray})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejected) != 1 || b.EdgeCount("REPLIES_TO") != 0 {
		t.Fatalf("cross-thread reply linked: %+v", res)
	}
}

func ingestAll(t *testing.T, ing *graph.Ingestor, inputs []graph.PostInput) {
	t.Helper()
	ctx := context.Background()
	if _, err := ing.UpsertNodes(ctx, inputs); err != nil {
		t.Fatal(err)
	}
	posts := make([]corpus.Post, len(inputs))
	for i, in := range inputs {
		posts[i] = in.Post
	}
	if _, err := ing.LinkReplies(ctx, posts); err != nil {
		t.Fatal(err)
	}
}

func TestSearchCourseFilter(t *testing.T) {
	_, ing, ret := setup(t)
	ingestAll(t, ing, []graph.PostInput{
		{Post: post("1", "7", "A", t0, ""), Embedding: []float32{1, 0, 0}},
		{Post: post("2", "8", "B", t0, ""), Embedding: []float32{0.9, 0.1, 0}},
		{Post: post("3", "9", "A", t0, ""), Embedding: []float32{0, 1, 0}},
	})

	hits, err := ret.Search(context.Background(), []float32{1, 0, 0}, 5, graph.Filters{CourseID: "A"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits: want=2 got=%d", len(hits))
	}
	for _, h := range hits {
		if h.CourseID != "A" {
			t.Fatalf("hit from other course: %+v", h)
		}
	}
	if hits[0].PostID != "1" || hits[0].Score < hits[1].Score {
		t.Fatalf("ordering: %+v", hits)
	}
}

func TestSearchTimeWindowAndRoles(t *testing.T) {
	_, ing, ret := setup(t)
	ingestAll(t, ing, []graph.PostInput{
		{Post: post("1", "7", "A", t0, ""), Embedding: []float32{1, 0, 0}},
		{Post: post("2", "7", "A", t0.Add(time.Hour), "1"), Embedding: []float32{1, 0, 0}},
		{Post: post("3", "7", "A", t0.Add(2*time.Hour), "2"), Embedding: []float32{1, 0, 0}},
	})
	ctx := context.Background()
	q := []float32{1, 0, 0}

	after := t0.Add(time.Hour)
	before := t0.Add(2 * time.Hour)
	hits, err := ret.Search(ctx, q, 10, graph.Filters{After: &after, Before: &before})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PostID != "2" {
		t.Fatalf("window: %+v", hits)
	}

	hits, err = ret.Search(ctx, q, 10, graph.Filters{OnlyReplies: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("only replies: want=2 got=%d", len(hits))
	}

	if _, err := ret.Search(ctx, q, 10, graph.Filters{OnlyRoots: true, OnlyReplies: true}); !errors.Is(err, graph.ErrInvalidFilter) {
		t.Fatalf("want ErrInvalidFilter, got %v", err)
	}
	if _, err := ret.Search(ctx, []float32{1, 0}, 10, graph.Filters{}); !errors.Is(err, graph.ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
}

func TestExpandContextReplyChain(t *testing.T) {
	_, ing, ret := setup(t)
	// P1 <- P2 <- P3, plus an unrelated reply P4 -> P1 and a post in another thread.
	ingestAll(t, ing, []graph.PostInput{
		{Post: post("3", "7", "A", t0.Add(2*time.Hour), "2"), Embedding: []float32{1, 0, 0}},
		{Post: post("2", "7", "A", t0.Add(time.Hour), "1"), Embedding: []float32{1, 0, 0}},
		{Post: post("1", "7", "A", t0, ""), Embedding: []float32{1, 0, 0}},
		{Post: post("4", "7", "A", t0.Add(3*time.Hour), "1"), Embedding: []float32{1, 0, 0}},
		{Post: post("9", "8", "A", t0, ""), Embedding: []float32{1, 0, 0}},
	})
	ctx := context.Background()

	c, err := ret.ExpandContext(ctx, "3", 2)
	if err != nil {
		t.Fatalf("ExpandContext: %v", err)
	}
	ids := map[string]bool{}
	for _, h := range c.Related {
		ids[h.PostID] = true
	}
	if len(ids) != 2 || !ids["1"] || !ids["2"] {
		t.Fatalf("depth 2 from P3: want {1,2}, got %v", ids)
	}
	if len(c.Thread) != 3 {
		t.Fatalf("thread siblings: want=3 got=%d", len(c.Thread))
	}

	c, err = ret.ExpandContext(ctx, "3", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Related) != 1 || c.Related[0].PostID != "2" {
		t.Fatalf("depth 1 from P3: %+v", c.Related)
	}

	if _, err := ret.ExpandContext(ctx, "404", 2); !errors.Is(err, graph.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStatsAndClear(t *testing.T) {
	ctx := context.Background()
	b, ing, ret := setup(t)
	ingestAll(t, ing, []graph.PostInput{
		{Post: post("1", "7", "A", t0, ""), Embedding: []float32{1, 0, 0}},
		{Post: post("2", "7", "A", t0.Add(time.Hour), "1"), Embedding: []float32{1, 0, 0}},
	})

	st, err := ret.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := graph.Stats{Posts: 2, Threads: 1, Courses: 1, Authors: 2, Replies: 1, Embedded: 2}
	if st != want {
		t.Fatalf("stats: want=%+v got=%+v", want, st)
	}

	if err := b.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := ret.Stats(ctx); st.Posts != 0 {
		t.Fatalf("clear left posts: %+v", st)
	}
}
