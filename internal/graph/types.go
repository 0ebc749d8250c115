// Package graph ingests forum posts into a property graph with an embedding
// index and answers filtered similarity and context queries over it.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidPost       = errors.New("invalid post")
	ErrNotFound          = errors.New("post not found")
	ErrInvalidFilter     = errors.New("invalid filter")
)

const (
	DefaultIndexName = "post_embeddings"
	DefaultOverfetch = 5
	MaxContextDepth  = 10
)

// Schema is what EnsureSchema creates.
type Schema struct {
	IndexName  string
	Dimensions int
}

// PostInput is a post with its embedding and the title of its thread.
type PostInput struct {
	Post        corpus.Post
	Embedding   []float32
	ThreadTitle string
	ThreadURL   string
}

// ReplyLink asks for a REPLIES_TO edge from ReplyID to TargetID.
type ReplyLink struct {
	ReplyID  string
	TargetID string
}

type LinkStatus string

const (
	LinkCreated       LinkStatus = "linked"
	LinkReplyMissing  LinkStatus = "reply_missing"
	LinkTargetMissing LinkStatus = "target_missing"
	LinkCrossThread   LinkStatus = "cross_thread"
)

// LinkResult counts the outcome of LinkReplies. Pending holds reply ids whose
// edge can be retried once their target exists.
type LinkResult struct {
	Linked   int
	Pending  []string
	Rejected []string
}

// Hit is a post returned by a query.
type Hit struct {
	PostID       string    `json:"post_id"`
	Subject      string    `json:"subject"`
	Content      string    `json:"content"`
	CourseID     string    `json:"course_id"`
	ThreadID     string    `json:"thread_id"`
	Author       string    `json:"author"`
	PostedAt     time.Time `json:"posted_at"`
	IsThreadRoot bool      `json:"is_thread_root"`
	ResponseTo   string    `json:"response_to,omitempty"`
	Permalink    string    `json:"permalink,omitempty"`
	Score        float64   `json:"score"`
}

// Filters narrow a similarity search. After is inclusive, Before exclusive.
type Filters struct {
	CourseID    string     `json:"course_id,omitempty"`
	Semester    string     `json:"semester,omitempty"`
	Author      string     `json:"author,omitempty"`
	OnlyRoots   bool       `json:"only_roots,omitempty"`
	OnlyReplies bool       `json:"only_replies,omitempty"`
	Before      *time.Time `json:"before,omitempty"`
	After       *time.Time `json:"after,omitempty"`
}

func (f Filters) Validate() error {
	if f.OnlyRoots && f.OnlyReplies {
		return errors.Join(ErrInvalidFilter, errors.New("only_roots and only_replies are exclusive"))
	}
	if f.Before != nil && f.After != nil && !f.Before.After(*f.After) {
		return errors.Join(ErrInvalidFilter, errors.New("before must be later than after"))
	}
	return nil
}

// Match reports whether h passes the filters. Backends that cannot push
// filters into their query use it after scoring.
func (f Filters) Match(h Hit, semester string) bool {
	if f.CourseID != "" && h.CourseID != f.CourseID {
		return false
	}
	if f.Semester != "" && semester != f.Semester {
		return false
	}
	if f.Author != "" && h.Author != f.Author {
		return false
	}
	if f.OnlyRoots && !h.IsThreadRoot {
		return false
	}
	if f.OnlyReplies && h.IsThreadRoot {
		return false
	}
	if f.After != nil && (h.PostedAt.IsZero() || h.PostedAt.Before(*f.After)) {
		return false
	}
	if f.Before != nil && (h.PostedAt.IsZero() || !h.PostedAt.Before(*f.Before)) {
		return false
	}
	return true
}

// SearchQuery is one vector search: Candidates nearest neighbours are
// fetched, filtered, and cut to Limit.
type SearchQuery struct {
	IndexName  string
	Embedding  []float32
	Candidates int
	Limit      int
	Filters    Filters
}

// Context is a post with its reply chain and thread neighbours.
type Context struct {
	Post    Hit   `json:"post"`
	Related []Hit `json:"related"`
	Thread  []Hit `json:"thread"`
}

// Stats are node and edge counts of the store.
type Stats struct {
	Posts    int `json:"posts"`
	Threads  int `json:"threads"`
	Courses  int `json:"courses"`
	Authors  int `json:"authors"`
	Replies  int `json:"replies_to_edges"`
	Embedded int `json:"posts_with_embedding"`
}

// Backend is the storage the Ingestor and Retriever run on.
type Backend interface {
	EnsureSchema(ctx context.Context, schema Schema) error
	MergePosts(ctx context.Context, posts []PostInput) error
	LinkReplies(ctx context.Context, links []ReplyLink) (map[string]LinkStatus, error)
	VectorSearch(ctx context.Context, q SearchQuery) ([]Hit, error)
	GetPost(ctx context.Context, postID string) (Hit, error)
	RelatedPosts(ctx context.Context, postID string, depth int) ([]Hit, error)
	ThreadPosts(ctx context.Context, postID string) ([]Hit, error)
	Stats(ctx context.Context) (Stats, error)
	ExportPosts(ctx context.Context) ([]Hit, error)
	Clear(ctx context.Context) error
}

// ParseTime accepts RFC 3339 timestamps or plain dates (midnight UTC).
// An empty string yields nil.
func ParseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errors.Join(ErrInvalidFilter, fmt.Errorf("cannot parse time %q", s))
}
