package moodle

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const discussionLinks = "a[href*='discuss.php?d=']"

var intPattern = regexp.MustCompile(`\d+`)

func firstInt(s string) (int, bool) {
	m := intPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PageCount is the number of listing pages for threadCount threads, at least
// one.
func PageCount(threadCount, pageSize int) int {
	if pageSize <= 0 || threadCount <= 0 {
		return 1
	}
	return (threadCount + pageSize - 1) / pageSize
}

func pageURL(forumURL string, page int) string {
	u, err := url.Parse(forumURL)
	if err != nil {
		return forumURL
	}
	q := u.Query()
	q.Set("p", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// ThreadURL is the canonical discussion URL for a thread id.
func ThreadURL(baseURL, threadID string) string {
	return strings.TrimRight(baseURL, "/") + "/mod/forum/discuss.php?d=" + threadID
}

// Threads lists every discussion of a forum across all listing pages. Pages
// that fail are logged and skipped.
func (c *Client) Threads(ctx context.Context, forumURL string, threadCount int) ([]ThreadSummary, error) {
	pages := PageCount(threadCount, c.pageSize)
	seen := make(map[string]int)
	var threads []ThreadSummary

	for p := 0; p < pages; p++ {
		if err := ctx.Err(); err != nil {
			return threads, err
		}
		u := pageURL(forumURL, p)
		log := c.log.With("url", u, "page", p)

		if err := c.session.Get(ctx, u); err != nil {
			log.Warn("forum page not loaded", "error", err)
			continue
		}
		if !c.session.WaitFor(ctx, discussionLinks, c.waitTimeout) {
			log.Warn("no discussions on page")
			continue
		}
		doc, err := c.session.Document()
		if err != nil {
			log.Warn("forum page unreadable", "error", err)
			continue
		}

		doc.Find(discussionLinks).Each(func(_ int, a *goquery.Selection) {
			t, ok := c.threadFromLink(u, a)
			if !ok {
				return
			}
			if idx, dup := seen[t.ID]; dup {
				if threads[idx].ReplyCount == 0 {
					threads[idx].ReplyCount = t.ReplyCount
				}
				if threads[idx].Title == "" {
					threads[idx].Title = t.Title
				}
				return
			}
			seen[t.ID] = len(threads)
			threads = append(threads, t)
		})
	}

	return threads, nil
}

func (c *Client) threadFromLink(pageURL string, a *goquery.Selection) (ThreadSummary, bool) {
	href, _ := a.Attr("href")
	u, err := url.Parse(resolve(pageURL, href))
	if err != nil {
		return ThreadSummary{}, false
	}
	q := u.Query()
	id := q.Get("d")
	if id == "" || q.Get("parent") != "" {
		return ThreadSummary{}, false
	}

	title, _ := a.Attr("title")
	if strings.TrimSpace(title) == "" {
		title = a.Text()
	}

	base := c.baseURL
	if base == "" {
		base = u.Scheme + "://" + u.Host
	}
	return ThreadSummary{
		ID:         id,
		Title:      strings.TrimSpace(title),
		URL:        ThreadURL(base, id),
		ReplyCount: replyCount(a),
	}, true
}

// replyCount reads the reply column of the discussion row a link sits in.
func replyCount(a *goquery.Selection) int {
	row := a.Closest("tr")
	if row.Length() == 0 {
		row = a.Closest("[data-region='discussion-list-item']")
	}
	if row.Length() == 0 {
		return 0
	}
	if cell := row.Find("td.replies, [data-region='replies']").First(); cell.Length() > 0 {
		n, _ := firstInt(cell.Text())
		return n
	}
	n := 0
	row.Find("td").EachWithBreak(func(_ int, td *goquery.Selection) bool {
		text := strings.TrimSpace(td.Text())
		if v, err := strconv.Atoi(text); err == nil {
			n = v
			return false
		}
		return true
	})
	return n
}
