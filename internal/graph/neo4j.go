package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
	"github.com/daemonphantom/BA-TUB-Bot/internal/neo4jdb"
)

// Neo4jBackend stores the graph in Neo4j 5.x.
type Neo4jBackend struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

var _ Backend = (*Neo4jBackend)(nil)

func NewNeo4jBackend(client *neo4jdb.Client, log *logger.Logger) *Neo4jBackend {
	if log == nil {
		log = logger.Nop()
	}
	return &Neo4jBackend{client: client, log: log.With("backend", "neo4j")}
}

func (b *Neo4jBackend) write(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := b.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

func (b *Neo4jBackend) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := b.client.Session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

// EnsureSchema creates constraints and indexes. Constraint failures are
// logged; a vector index with another dimension is fatal.
func (b *Neo4jBackend) EnsureSchema(ctx context.Context, schema Schema) error {
	session := b.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, q := range constraintStatements {
		if res, err := session.Run(ctx, q, nil); err != nil {
			b.log.Warn("neo4j schema init failed (continuing)", "statement", q, "error", err)
		} else if _, err := res.Consume(ctx); err != nil {
			b.log.Warn("neo4j schema init failed (continuing)", "statement", q, "error", err)
		}
	}

	existing, ok, err := b.vectorIndexDimensions(ctx, schema.IndexName)
	if err != nil {
		return fmt.Errorf("inspect vector index: %w", err)
	}
	if ok {
		if existing != schema.Dimensions {
			return fmt.Errorf("%w: index %s has %d dimensions, configured %d",
				ErrDimensionMismatch, schema.IndexName, existing, schema.Dimensions)
		}
		return nil
	}

	q, err := vectorIndexCypher(schema)
	if err != nil {
		return err
	}
	res, err := session.Run(ctx, q, nil)
	if err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	if _, err := res.Consume(ctx); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	return nil
}

func (b *Neo4jBackend) vectorIndexDimensions(ctx context.Context, name string) (int, bool, error) {
	recs, err := b.read(ctx, showVectorIndexCypher, map[string]any{"name": name})
	if err != nil {
		return 0, false, err
	}
	if len(recs) == 0 {
		return 0, false, nil
	}
	m := recs[0].AsMap()
	if t, _ := m["type"].(string); t != "VECTOR" {
		return 0, false, fmt.Errorf("index %s exists with type %q", name, t)
	}
	opts, _ := m["options"].(map[string]any)
	cfg, _ := opts["indexConfig"].(map[string]any)
	dims, ok := cfg["vector.dimensions"].(int64)
	if !ok {
		return 0, false, fmt.Errorf("index %s reports no dimensions", name)
	}
	return int(dims), true, nil
}

func (b *Neo4jBackend) MergePosts(ctx context.Context, posts []PostInput) error {
	if len(posts) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		rows = append(rows, postParams(p))
	}
	_, err := b.write(ctx, mergePostsCypher, map[string]any{"posts": rows})
	return err
}

func (b *Neo4jBackend) LinkReplies(ctx context.Context, links []ReplyLink) (map[string]LinkStatus, error) {
	out := make(map[string]LinkStatus, len(links))
	if len(links) == 0 {
		return out, nil
	}
	rows := make([]map[string]any, 0, len(links))
	for _, l := range links {
		rows = append(rows, map[string]any{"reply_id": l.ReplyID, "target_id": l.TargetID})
	}
	recs, err := b.write(ctx, linkRepliesCypher, map[string]any{"links": rows})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		m := rec.AsMap()
		id, _ := m["reply_id"].(string)
		status, _ := m["status"].(string)
		out[id] = LinkStatus(status)
	}
	return out, nil
}

func (b *Neo4jBackend) VectorSearch(ctx context.Context, q SearchQuery) ([]Hit, error) {
	query, params := searchCypher(q.Filters)
	emb := make([]float64, len(q.Embedding))
	for i, v := range q.Embedding {
		emb[i] = float64(v)
	}
	params["index"] = q.IndexName
	params["k"] = q.Candidates
	params["embedding"] = emb
	params["limit"] = q.Limit

	recs, err := b.read(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return hitsFromRecords(recs), nil
}

func (b *Neo4jBackend) GetPost(ctx context.Context, postID string) (Hit, error) {
	recs, err := b.read(ctx, getPostCypher, map[string]any{"id": postID})
	if err != nil {
		return Hit{}, err
	}
	if len(recs) == 0 {
		return Hit{}, fmt.Errorf("%w: %s", ErrNotFound, postID)
	}
	return hitFromMap(recs[0].AsMap()), nil
}

func (b *Neo4jBackend) RelatedPosts(ctx context.Context, postID string, depth int) ([]Hit, error) {
	recs, err := b.read(ctx, relatedCypher(depth), map[string]any{"id": postID})
	if err != nil {
		return nil, err
	}
	return hitsFromRecords(recs), nil
}

func (b *Neo4jBackend) ThreadPosts(ctx context.Context, postID string) ([]Hit, error) {
	recs, err := b.read(ctx, threadPostsCypher, map[string]any{"id": postID})
	if err != nil {
		return nil, err
	}
	return hitsFromRecords(recs), nil
}

func (b *Neo4jBackend) ExportPosts(ctx context.Context) ([]Hit, error) {
	recs, err := b.read(ctx, exportCypher, nil)
	if err != nil {
		return nil, err
	}
	return hitsFromRecords(recs), nil
}

func (b *Neo4jBackend) Stats(ctx context.Context) (Stats, error) {
	recs, err := b.read(ctx, statsCypher, nil)
	if err != nil {
		return Stats{}, err
	}
	if len(recs) == 0 {
		return Stats{}, nil
	}
	m := recs[0].AsMap()
	return Stats{
		Posts:    asInt(m["posts"]),
		Threads:  asInt(m["threads"]),
		Courses:  asInt(m["courses"]),
		Authors:  asInt(m["authors"]),
		Replies:  asInt(m["replies"]),
		Embedded: asInt(m["embedded"]),
	}, nil
}

// Clear deletes all forum nodes in batches. CALL ... IN TRANSACTIONS needs
// an auto-commit transaction, so it runs outside ExecuteWrite.
func (b *Neo4jBackend) Clear(ctx context.Context) error {
	session := b.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	res, err := session.Run(ctx, clearCypher, nil)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func hitsFromRecords(recs []*neo4j.Record) []Hit {
	hits := make([]Hit, 0, len(recs))
	for _, rec := range recs {
		hits = append(hits, hitFromMap(rec.AsMap()))
	}
	return hits
}

func hitFromMap(m map[string]any) Hit {
	h := Hit{
		PostID:       asString(m["post_id"]),
		Subject:      asString(m["subject"]),
		Content:      asString(m["content"]),
		CourseID:     asString(m["course_id"]),
		ThreadID:     asString(m["thread_id"]),
		Author:       asString(m["author"]),
		ResponseTo:   asString(m["response_to"]),
		Permalink:    asString(m["permalink"]),
		IsThreadRoot: asBool(m["is_thread_root"]),
	}
	if ms, ok := m["posted_at"].(int64); ok {
		h.PostedAt = time.UnixMilli(ms).UTC()
	}
	if s, ok := m["score"].(float64); ok {
		h.Score = s
	}
	return h
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}
