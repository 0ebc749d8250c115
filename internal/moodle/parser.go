package moodle

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
)

// Anchor titles Moodle puts on the "show parent" link of a reply.
var replyAnchorTitles = []string{"ursprungsbeitrag", "original post", "parent"}

// ParseOptions carries the context a post inherits from its crawl.
type ParseOptions struct {
	Course    corpus.Course
	ForumName string
	CrawledAt time.Time
}

// ParseThread loads a discussion and returns its posts in page order. A
// thread whose posts never render yields an empty slice and no error.
func (c *Client) ParseThread(ctx context.Context, thread ThreadSummary, opts ParseOptions) ([]corpus.Post, error) {
	log := c.log.With("thread", thread.ID, "url", thread.URL)

	if err := c.session.Get(ctx, thread.URL); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("thread not loaded", "error", err)
		return nil, nil
	}
	if !c.session.WaitFor(ctx, "div.forumpost", c.waitTimeout) {
		log.Warn("no posts found in thread")
		return nil, nil
	}
	doc, err := c.session.Document()
	if err != nil {
		log.Warn("thread unreadable", "error", err)
		return nil, nil
	}

	return ParsePosts(doc, thread, opts, log), nil
}

// ParsePosts extracts every well-formed div.forumpost of a thread page.
// Malformed posts are skipped with a warning.
func ParsePosts(doc *goquery.Document, thread ThreadSummary, opts ParseOptions, log *logger.Logger) []corpus.Post {
	if log == nil {
		log = logger.Nop()
	}
	pageURL := thread.URL
	if doc.Url != nil {
		pageURL = doc.Url.String()
	}
	crawled := opts.CrawledAt
	if crawled.IsZero() {
		crawled = time.Now().UTC()
	}

	var posts []corpus.Post
	doc.Find("div.forumpost").Each(func(i int, node *goquery.Selection) {
		post, ok := parsePost(pageURL, thread, node)
		if !ok {
			log.Warn("skipping malformed post", "thread", thread.ID, "index", i)
			return
		}
		post.Course = opts.Course
		post.ForumName = opts.ForumName
		post.IsAnnouncement = IsAnnouncementForum(opts.ForumName)
		post.CrawledAt = crawled
		posts = append(posts, post)
	})
	return posts
}

// own narrows sel to elements whose nearest enclosing forumpost is post, so
// nested reply markup is not attributed to its parent.
func own(post, sel *goquery.Selection) *goquery.Selection {
	root := post.Get(0)
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Parent().Closest("div.forumpost").Get(0) == root
	})
}

func parsePost(pageURL string, thread ThreadSummary, node *goquery.Selection) (corpus.Post, bool) {
	id := strings.TrimSpace(node.AttrOr("data-post-id", ""))
	if id == "" {
		return corpus.Post{}, false
	}
	body := own(node, node.Find("div.post-content-container")).First()
	if body.Length() == 0 {
		return corpus.Post{}, false
	}

	header := own(node, node.Find("header")).First()
	subject := strings.TrimSpace(header.Find("h3").First().Text())
	if subject == "" {
		subject = "No subject"
	}
	author := strings.TrimSpace(header.Find("a").First().Text())
	if author == "" {
		author = "Unknown"
	}
	datetime := header.Find("time[datetime]").First().AttrOr("datetime", "")

	content, links := extractContent(pageURL, body)

	post := corpus.Post{
		PostID:      id,
		ThreadID:    thread.ID,
		Subject:     subject,
		Author:      author,
		Datetime:    datetime,
		PostedAt:    parseDatetime(datetime),
		Content:     content,
		Links:       links,
		Permalink:   thread.URL + "#p" + id,
		Attachments: attachmentURLs(pageURL, node),
	}

	if target, ok := replyTarget(node); ok && target != id {
		post.IsReply = true
		post.ResponseTo = &target
	} else {
		post.IsThreadRoot = true
	}
	return post, true
}

func parseDatetime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// replyTarget finds the parent link of a reply and returns the referenced
// post id (the URL fragment without its "p" prefix).
func replyTarget(node *goquery.Selection) (string, bool) {
	var target string
	own(node, node.Find("a[title]")).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		title := strings.ToLower(a.AttrOr("title", ""))
		matched := false
		for _, t := range replyAnchorTitles {
			if strings.Contains(title, t) {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
		href := a.AttrOr("href", "")
		i := strings.LastIndex(href, "#")
		if i < 0 || i == len(href)-1 {
			return true
		}
		target = strings.TrimPrefix(href[i+1:], "p")
		return target == ""
	})
	return target, target != ""
}

func attachmentURLs(pageURL string, node *goquery.Selection) []string {
	var urls []string
	seen := map[string]bool{}
	own(node, node.Find("img[src]")).Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if !strings.Contains(src, "pluginfile.php") || strings.Contains(src, "user/icon") {
			return
		}
		abs := resolve(pageURL, src)
		if seen[abs] {
			return
		}
		seen[abs] = true
		urls = append(urls, abs)
	})
	return urls
}
