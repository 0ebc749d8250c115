package search

import (
	"errors"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/de"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
)

// Index wraps a Bleve keyword index over forum posts
type Index struct {
	index bleve.Index
}

// IndexedPost is the document stored per post
type IndexedPost struct {
	ID           string
	Subject      string
	Content      string
	Author       string
	CourseID     string
	Semester     string
	ThreadID     string
	ForumName    string
	Permalink    string
	IsThreadRoot bool
	PostedAt     *time.Time // nil when the page showed no timestamp
}

var storedFields = []string{"Subject", "Content", "Author", "CourseID", "ThreadID", "Permalink", "IsThreadRoot", "PostedAt"}

// Open opens or creates a Bleve index
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{index: idx}, nil
}

// OpenMemory creates a throwaway in-memory index
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{index: idx}, nil
}

// buildIndexMapping analyses text in German; ids and names are exact-match
// keywords so they can be used as filters.
func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = "de"

	keyword := bleve.NewKeywordFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("Subject", textFieldMapping)
	docMapping.AddFieldMappingsAt("Content", textFieldMapping)
	docMapping.AddFieldMappingsAt("Author", keyword)
	docMapping.AddFieldMappingsAt("CourseID", keyword)
	docMapping.AddFieldMappingsAt("Semester", keyword)
	docMapping.AddFieldMappingsAt("ThreadID", keyword)
	docMapping.AddFieldMappingsAt("ForumName", keyword)
	docMapping.AddFieldMappingsAt("Permalink", keyword)
	docMapping.AddFieldMappingsAt("IsThreadRoot", bleve.NewBooleanFieldMapping())
	docMapping.AddFieldMappingsAt("PostedAt", bleve.NewDateTimeFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = "de"

	return indexMapping
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

func toIndexed(p corpus.Post) *IndexedPost {
	doc := &IndexedPost{
		ID:           p.PostID,
		Subject:      p.Subject,
		Content:      p.Content,
		Author:       p.Author,
		CourseID:     p.Course.ID,
		Semester:     p.Course.Semester,
		ThreadID:     p.ThreadID,
		ForumName:    p.ForumName,
		Permalink:    p.Permalink,
		IsThreadRoot: p.IsThreadRoot,
	}
	if !p.PostedAt.IsZero() {
		at := p.PostedAt.UTC()
		doc.PostedAt = &at
	}
	return doc
}

// IndexPosts adds or replaces posts in one batch
func (i *Index) IndexPosts(posts []corpus.Post) error {
	batch := i.index.NewBatch()
	for _, p := range posts {
		if err := batch.Index(p.PostID, toIndexed(p)); err != nil {
			return fmt.Errorf("batch index %s: %w", p.PostID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Delete removes a post from the index
func (i *Index) Delete(id string) error {
	return i.index.Delete(id)
}

// Count returns the number of posts in the index
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

func filterQueries(f graph.Filters) []query.Query {
	var qs []query.Query
	term := func(field, value string) {
		q := bleve.NewTermQuery(value)
		q.SetField(field)
		qs = append(qs, q)
	}
	if f.CourseID != "" {
		term("CourseID", f.CourseID)
	}
	if f.Semester != "" {
		term("Semester", f.Semester)
	}
	if f.Author != "" {
		term("Author", f.Author)
	}
	if f.OnlyRoots || f.OnlyReplies {
		q := bleve.NewBoolFieldQuery(f.OnlyRoots)
		q.SetField("IsThreadRoot")
		qs = append(qs, q)
	}
	if f.After != nil || f.Before != nil {
		var start, end time.Time
		if f.After != nil {
			start = *f.After
		}
		if f.Before != nil {
			end = *f.Before
		}
		incl, excl := true, false
		q := bleve.NewDateRangeInclusiveQuery(start, end, &incl, &excl)
		q.SetField("PostedAt")
		qs = append(qs, q)
	}
	return qs
}

// Search runs a keyword query over subject and content. Subject matches
// weigh three times as much as body matches.
func (i *Index) Search(text string, limit int, filters graph.Filters) ([]graph.Hit, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	subject := bleve.NewMatchQuery(text)
	subject.SetField("Subject")
	subject.SetBoost(3)
	content := bleve.NewMatchQuery(text)
	content.SetField("Content")

	var q query.Query = bleve.NewDisjunctionQuery(subject, content)
	if fq := filterQueries(filters); len(fq) > 0 {
		q = bleve.NewConjunctionQuery(append([]query.Query{q}, fq...)...)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = storedFields

	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]graph.Hit, 0, len(results.Hits))
	for _, h := range results.Hits {
		hit := graph.Hit{PostID: h.ID, Score: h.Score}
		hit.Subject, _ = h.Fields["Subject"].(string)
		hit.Content, _ = h.Fields["Content"].(string)
		hit.Author, _ = h.Fields["Author"].(string)
		hit.CourseID, _ = h.Fields["CourseID"].(string)
		hit.ThreadID, _ = h.Fields["ThreadID"].(string)
		hit.Permalink, _ = h.Fields["Permalink"].(string)
		hit.IsThreadRoot, _ = h.Fields["IsThreadRoot"].(bool)
		if s, ok := h.Fields["PostedAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				hit.PostedAt = t.UTC()
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
