// Package moodle reads forum pages of a Moodle course site.
package moodle

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
)

// ErrInvalidCourse is returned for course ids that cannot name a real course.
var ErrInvalidCourse = errors.New("invalid course id")

// Forum is one row of the course's forum index.
type Forum struct {
	Name        string `json:"forum_name"`
	URL         string `json:"forum_url"`
	ID          string `json:"forum_id"`
	ThreadCount int    `json:"thread_count"`
}

// ThreadSummary is a discussion as listed on a forum page.
type ThreadSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	ReplyCount int    `json:"reply_count"`
}

// Client reads forums through a Session.
type Client struct {
	session     Session
	baseURL     string
	waitTimeout time.Duration
	pageSize    int
	log         *logger.Logger
}

type Options struct {
	BaseURL     string
	WaitTimeout time.Duration
	PageSize    int
}

func NewClient(session Session, opts Options, log *logger.Logger) *Client {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 4 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		session:     session,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		waitTimeout: opts.WaitTimeout,
		pageSize:    opts.PageSize,
		log:         log.With("component", "moodle"),
	}
}

// ValidateCourseID rejects ids the site uses for its front page or that
// come from an unparsed URL.
func ValidateCourseID(courseID string) error {
	switch strings.TrimSpace(courseID) {
	case "", "unknown", "1":
		return fmt.Errorf("%w: %q", ErrInvalidCourse, courseID)
	}
	return nil
}

// CourseIDFromURL extracts the id parameter of a course URL.
func CourseIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "unknown"
	}
	if id := u.Query().Get("id"); id != "" {
		return id
	}
	return "unknown"
}

// IsAnnouncementForum reports whether a forum is the course news forum.
func IsAnnouncementForum(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "ankündigung") || strings.Contains(n, "announcement")
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
