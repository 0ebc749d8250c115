package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph/graphtest"
	"github.com/daemonphantom/BA-TUB-Bot/internal/search"
)

type queryEmbedder struct{}

func (queryEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (e queryEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func (queryEmbedder) Health(context.Context) error { return nil }

func strPtr(s string) *string { return &s }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	a := corpus.Course{ID: "A"}
	b := corpus.Course{ID: "B"}
	posts := []graph.PostInput{
		{Post: corpus.Post{PostID: "1", ThreadID: "7", Course: a, Subject: "Klausur", Content: "Termin der Klausur", Author: "Prof", IsThreadRoot: true}, Embedding: []float32{1, 0, 0, 0}},
		{Post: corpus.Post{PostID: "2", ThreadID: "7", Course: a, Subject: "Re: Klausur", Content: "Welcher Raum?", Author: "Anna", IsReply: true, ResponseTo: strPtr("1")}, Embedding: []float32{0, 1, 0, 0}},
		{Post: corpus.Post{PostID: "3", ThreadID: "9", Course: b, Subject: "Übung", Content: "Klausur Vorbereitung", Author: "Ben", IsThreadRoot: true}, Embedding: []float32{1, 0, 0, 0}},
	}

	backend := graphtest.NewMemoryBackend()
	schema := graph.Schema{Dimensions: 4}
	ing := graph.NewIngestor(backend, schema, nil)
	if err := ing.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ing.UpsertNodes(ctx, posts); err != nil {
		t.Fatal(err)
	}
	var flat []corpus.Post
	for _, p := range posts {
		flat = append(flat, p.Post)
	}
	if _, err := ing.LinkReplies(ctx, flat); err != nil {
		t.Fatal(err)
	}

	idx, err := search.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	if err := idx.IndexPosts(flat); err != nil {
		t.Fatal(err)
	}

	return NewServer(idx, graph.NewRetriever(backend, schema, 0, nil), queryEmbedder{}, nil).Handler()
}

func get(t *testing.T, h http.Handler, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return rec.Code
}

func TestSearchModes(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"semantic with course filter", "/api/search?q=klausur&course_id=A&limit=1", []string{"1"}},
		{"semantic only replies", "/api/search?q=klausur&only_replies=true", []string{"2"}},
		{"keyword", "/api/search?q=Raum&mode=keyword", []string{"2"}},
		{"hybrid", "/api/search?q=Klausur&mode=hybrid&course_id=B", []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp SearchResponse
			if code := get(t, h, tt.target, &resp); code != http.StatusOK {
				t.Fatalf("status %d", code)
			}
			if resp.Count != len(tt.want) {
				t.Fatalf("results: %+v", resp.Results)
			}
			for i, id := range tt.want {
				if resp.Results[i].PostID != id {
					t.Fatalf("result %d: want %s got %s", i, id, resp.Results[i].PostID)
				}
			}
		})
	}
}

func TestSearchRejectsBadInput(t *testing.T) {
	h := newTestServer(t)

	for _, target := range []string{
		"/api/search",
		"/api/search?q=x&only_roots=true&only_replies=true",
		"/api/search?q=x&before=gestern",
		"/api/search?q=x&mode=fuzzy",
	} {
		if code := get(t, h, target, nil); code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", target, code)
		}
	}
}

func TestContextEndpoint(t *testing.T) {
	h := newTestServer(t)

	var out graph.Context
	if code := get(t, h, "/api/posts/2/context?depth=1", &out); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if out.Post.PostID != "2" || len(out.Related) != 1 || out.Related[0].PostID != "1" {
		t.Fatalf("context: %+v", out)
	}

	if code := get(t, h, "/api/posts/404/context", nil); code != http.StatusNotFound {
		t.Fatalf("missing post: want 404, got %d", code)
	}
}

func TestStatsAndHealth(t *testing.T) {
	h := newTestServer(t)

	var stats graph.Stats
	if code := get(t, h, "/api/stats", &stats); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if stats.Posts != 3 || stats.Courses != 2 || stats.Replies != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	var health map[string]any
	if code := get(t, h, "/health", &health); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if health["posts_in_index"].(float64) != 3 {
		t.Fatalf("health: %v", health)
	}
}

func TestSemanticUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewServer(nil, nil, nil, nil).Handler()
	if code := get(t, h, "/api/search?q=x", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", code)
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewServer(nil, nil, nil, nil).WithCORS([]string{"http://localhost:3000"}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin: %q", got)
	}
}
