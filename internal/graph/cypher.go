package graph

import (
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier guards names interpolated into Cypher, which cannot be
// passed as parameters.
func validIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func clampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > MaxContextDepth {
		return MaxContextDepth
	}
	return depth
}

// constraintStatements are safe to run repeatedly.
var constraintStatements = []string{
	`CREATE CONSTRAINT post_id_unique IF NOT EXISTS FOR (p:Post) REQUIRE p.id IS UNIQUE`,
	`CREATE CONSTRAINT thread_id_unique IF NOT EXISTS FOR (t:Thread) REQUIRE t.id IS UNIQUE`,
	`CREATE CONSTRAINT course_id_unique IF NOT EXISTS FOR (c:Course) REQUIRE c.id IS UNIQUE`,
	`CREATE CONSTRAINT author_name_unique IF NOT EXISTS FOR (a:Author) REQUIRE a.name IS UNIQUE`,
	`CREATE INDEX post_thread_id IF NOT EXISTS FOR (p:Post) ON (p.thread_id)`,
	`CREATE INDEX post_course_id IF NOT EXISTS FOR (p:Post) ON (p.course_id)`,
	`CREATE INDEX post_posted_at IF NOT EXISTS FOR (p:Post) ON (p.posted_at)`,
}

const showVectorIndexCypher = `
SHOW INDEXES YIELD name, type, options
WHERE name = $name
RETURN type, options
`

func vectorIndexCypher(schema Schema) (string, error) {
	if err := validIdentifier(schema.IndexName); err != nil {
		return "", err
	}
	if schema.Dimensions <= 0 {
		return "", fmt.Errorf("vector dimensions must be positive, got %d", schema.Dimensions)
	}
	return fmt.Sprintf(`
CREATE VECTOR INDEX %s IF NOT EXISTS
FOR (p:Post) ON (p.embedding)
OPTIONS {indexConfig: {
  `+"`vector.dimensions`"+`: %d,
  `+"`vector.similarity_function`"+`: 'cosine'
}}`, schema.IndexName, schema.Dimensions), nil
}

const mergePostsCypher = `
UNWIND $posts AS p
MERGE (c:Course {id: p.course_id})
SET c.name = CASE WHEN p.course_name <> '' THEN p.course_name ELSE c.name END,
    c.semester = CASE WHEN p.semester <> '' THEN p.semester ELSE c.semester END,
    c.faculty = CASE WHEN p.faculty <> '' THEN p.faculty ELSE c.faculty END
MERGE (t:Thread {id: p.thread_id})
SET t.course_id = p.course_id,
    t.forum_name = p.forum_name,
    t.title = CASE WHEN p.thread_title <> '' THEN p.thread_title ELSE t.title END,
    t.url = CASE WHEN p.thread_url <> '' THEN p.thread_url ELSE t.url END
MERGE (a:Author {name: p.author})
MERGE (post:Post {id: p.id})
SET post.subject = p.subject,
    post.content = p.content,
    post.embedding = p.embedding,
    post.thread_id = p.thread_id,
    post.course_id = p.course_id,
    post.semester = p.semester,
    post.forum_name = p.forum_name,
    post.author = p.author,
    post.datetime = p.datetime,
    post.posted_at = p.posted_at,
    post.permalink = p.permalink,
    post.is_reply = p.is_reply,
    post.is_thread_root = p.is_thread_root,
    post.response_to = p.response_to,
    post.is_announcement = p.is_announcement,
    post.attachments = p.attachments,
    post.local_attachments = p.local_attachments,
    post.crawled_at = p.crawled_at
WITH p, c, t, a, post
OPTIONAL MATCH (post)-[oldThread:POSTED_IN]->(ot:Thread)
WHERE ot <> t
DELETE oldThread
WITH DISTINCT p, c, t, a, post
OPTIONAL MATCH (oa:Author)-[oldAuthor:AUTHORED]->(post)
WHERE oa <> a
DELETE oldAuthor
WITH DISTINCT p, c, t, a, post
MERGE (post)-[:BELONGS_TO]->(c)
MERGE (post)-[:POSTED_IN]->(t)
MERGE (a)-[:AUTHORED]->(post)
MERGE (t)-[:IN_COURSE]->(c)
`

// postParams flattens a post into the map consumed by mergePostsCypher.
func postParams(in PostInput) map[string]any {
	p := in.Post
	var postedAt any
	if !p.PostedAt.IsZero() {
		postedAt = p.PostedAt.UnixMilli()
	}
	var responseTo any
	if p.ResponseTo != nil {
		responseTo = *p.ResponseTo
	}
	emb := make([]float64, len(in.Embedding))
	for i, v := range in.Embedding {
		emb[i] = float64(v)
	}
	return map[string]any{
		"id":                p.PostID,
		"course_id":         p.Course.ID,
		"course_name":       p.Course.Name,
		"semester":          p.Course.Semester,
		"faculty":           p.Course.Faculty,
		"thread_id":         p.ThreadID,
		"thread_title":      in.ThreadTitle,
		"thread_url":        in.ThreadURL,
		"forum_name":        p.ForumName,
		"author":            p.Author,
		"subject":           p.Subject,
		"content":           p.Content,
		"embedding":         emb,
		"datetime":          p.Datetime,
		"posted_at":         postedAt,
		"permalink":         p.Permalink,
		"is_reply":          p.IsReply,
		"is_thread_root":    p.IsThreadRoot,
		"response_to":       responseTo,
		"is_announcement":   p.IsAnnouncement,
		"attachments":       stringsOrEmpty(p.Attachments),
		"local_attachments": stringsOrEmpty(p.LocalAttachments),
		"crawled_at":        p.CrawledAt.UTC().UnixMilli(),
	}
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const linkRepliesCypher = `
UNWIND $links AS l
OPTIONAL MATCH (reply:Post {id: l.reply_id})
OPTIONAL MATCH (orig:Post {id: l.target_id})
WITH l, reply, orig,
     CASE
       WHEN reply IS NULL THEN 'reply_missing'
       WHEN orig IS NULL THEN 'target_missing'
       WHEN orig.thread_id <> reply.thread_id THEN 'cross_thread'
       ELSE 'linked'
     END AS status
FOREACH (_ IN CASE WHEN status = 'linked' THEN [1] ELSE [] END |
  MERGE (reply)-[:REPLIES_TO]->(orig))
RETURN l.reply_id AS reply_id, status
`

const hitProjection = `p.id AS post_id, p.subject AS subject, p.content AS content,
       p.course_id AS course_id, p.thread_id AS thread_id, p.author AS author,
       p.posted_at AS posted_at, p.is_thread_root AS is_thread_root,
       p.response_to AS response_to, p.permalink AS permalink`

// searchCypher builds the vector query with every filter pushed into the
// WHERE clause. The caller supplies $index, $k, $embedding and $limit.
func searchCypher(f Filters) (string, map[string]any) {
	var where []string
	params := map[string]any{}

	if f.CourseID != "" {
		where = append(where, "p.course_id = $course_id")
		params["course_id"] = f.CourseID
	}
	if f.Semester != "" {
		where = append(where, "p.semester = $semester")
		params["semester"] = f.Semester
	}
	if f.Author != "" {
		where = append(where, "p.author = $author")
		params["author"] = f.Author
	}
	if f.OnlyRoots {
		where = append(where, "p.is_thread_root = true")
	}
	if f.OnlyReplies {
		where = append(where, "p.is_reply = true")
	}
	if f.After != nil {
		where = append(where, "p.posted_at >= $after")
		params["after"] = f.After.UnixMilli()
	}
	if f.Before != nil {
		where = append(where, "p.posted_at < $before")
		params["before"] = f.Before.UnixMilli()
	}

	var b strings.Builder
	b.WriteString("CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node AS p, score\n")
	if len(where) > 0 {
		b.WriteString("WHERE ")
		b.WriteString(strings.Join(where, "\n  AND "))
		b.WriteString("\n")
	}
	b.WriteString("RETURN " + hitProjection + ", score\n")
	b.WriteString("ORDER BY score DESC\nLIMIT $limit")
	return b.String(), params
}

const getPostCypher = `
MATCH (p:Post {id: $id})
RETURN ` + hitProjection

func relatedCypher(depth int) string {
	return fmt.Sprintf(`
MATCH (start:Post {id: $id})-[:REPLIES_TO*1..%d]-(p:Post)
WHERE p <> start
WITH DISTINCT p
RETURN %s
ORDER BY p.posted_at`, clampDepth(depth), hitProjection)
}

const threadPostsCypher = `
MATCH (start:Post {id: $id})-[:POSTED_IN]->(:Thread)<-[:POSTED_IN]-(p:Post)
WHERE p <> start
RETURN ` + hitProjection + `
ORDER BY p.posted_at`

const exportCypher = `
MATCH (p:Post)
RETURN ` + hitProjection + `
ORDER BY p.course_id, p.thread_id, p.posted_at`

const statsCypher = `
CALL { MATCH (p:Post) RETURN count(p) AS posts }
CALL { MATCH (t:Thread) RETURN count(t) AS threads }
CALL { MATCH (c:Course) RETURN count(c) AS courses }
CALL { MATCH (a:Author) RETURN count(a) AS authors }
CALL { MATCH (:Post)-[r:REPLIES_TO]->(:Post) RETURN count(r) AS replies }
CALL { MATCH (p:Post) WHERE p.embedding IS NOT NULL RETURN count(p) AS embedded }
RETURN posts, threads, courses, authors, replies, embedded
`

const clearCypher = `
MATCH (n) WHERE n:Post OR n:Thread OR n:Course OR n:Author
CALL { WITH n DETACH DELETE n } IN TRANSACTIONS OF 1000 ROWS
`
