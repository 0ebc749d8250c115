package corpus

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPost = errors.New("invalid post")

// Course is reference data attached to every post of a crawl.
type Course struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Semester string `json:"semester"`
	Faculty  string `json:"faculty,omitempty"`
}

// Link is a hyperlink found in a post body.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Post is one forum message with its reply pointer.
type Post struct {
	PostID           string    `json:"post_id"`
	ThreadID         string    `json:"thread_id"`
	Course           Course    `json:"course"`
	ForumName        string    `json:"forum_name"`
	Subject          string    `json:"subject"`
	Author           string    `json:"author"`
	Datetime         string    `json:"datetime"`
	PostedAt         time.Time `json:"posted_at"`
	Content          string    `json:"content"`
	Links            []Link    `json:"links,omitempty"`
	Permalink        string    `json:"permalink"`
	IsReply          bool      `json:"is_reply"`
	IsThreadRoot     bool      `json:"is_thread_root"`
	ResponseTo       *string   `json:"response_to"`
	IsAnnouncement   bool      `json:"is_announcement"`
	Attachments      []string  `json:"attachments,omitempty"`
	LocalAttachments []string  `json:"local_attachments,omitempty"`
	CrawledAt        time.Time `json:"crawl_datetime"`

	// Embedding is attached during ingestion and never written to the corpus.
	Embedding []float32 `json:"-"`
}

// HasAttachments mirrors the has_attachments flag of older corpus files.
func (p *Post) HasAttachments() bool {
	return len(p.Attachments) > 0
}

// EmbeddingText is the text handed to the embedding provider.
func (p *Post) EmbeddingText() string {
	if p.Content != "" {
		return p.Content
	}
	return p.Subject
}

// Validate checks the fields a post must carry before it can be ingested.
// Reply targets are checked separately by ValidateThread because they need
// the sibling posts.
func (p *Post) Validate() error {
	if p.PostID == "" {
		return fmt.Errorf("%w: missing post_id", ErrInvalidPost)
	}
	if p.ThreadID == "" {
		return fmt.Errorf("%w: post %s: missing thread_id", ErrInvalidPost, p.PostID)
	}
	if p.Course.ID == "" {
		return fmt.Errorf("%w: post %s: missing course id", ErrInvalidPost, p.PostID)
	}
	hasTarget := p.ResponseTo != nil && *p.ResponseTo != ""
	if p.IsThreadRoot == (p.IsReply && hasTarget) || p.IsReply != hasTarget {
		return fmt.Errorf("%w: post %s: is_thread_root=%t is_reply=%t response_to=%v",
			ErrInvalidPost, p.PostID, p.IsThreadRoot, p.IsReply, hasTarget)
	}
	if hasTarget && *p.ResponseTo == p.PostID {
		return fmt.Errorf("%w: post %s replies to itself", ErrInvalidPost, p.PostID)
	}
	return nil
}

// Thread is one element of a forum file.
type Thread struct {
	Title string `json:"thread_title"`
	URL   string `json:"thread_url"`
	Posts []Post `json:"posts"`
}

// SummaryEntry is one row of a crawl summary file.
type SummaryEntry struct {
	ForumName   string `json:"forum_name"`
	ThreadCount int    `json:"thread_count"`
	ReplyCount  int    `json:"reply_count"`
	SavedTo     string `json:"saved_to"`
	Skipped     bool   `json:"skipped"`
}
