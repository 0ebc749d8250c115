package moodle

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ForumIndexURL is the course's forum overview page.
func (c *Client) ForumIndexURL(courseID string) string {
	return c.baseURL + "/mod/forum/index.php?id=" + url.QueryEscape(courseID)
}

// Forums lists the forums of a course. A course without a forum table
// yields no forums and no error.
func (c *Client) Forums(ctx context.Context, courseID string) ([]Forum, error) {
	if err := ValidateCourseID(courseID); err != nil {
		return nil, err
	}
	indexURL := c.ForumIndexURL(courseID)
	log := c.log.With("course_id", courseID, "url", indexURL)

	if err := c.session.Get(ctx, indexURL); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("forum index not loaded", "error", err)
		return nil, nil
	}
	if !c.session.WaitFor(ctx, "table.generaltable", c.waitTimeout) {
		log.Warn("forum table not found")
		return nil, nil
	}
	doc, err := c.session.Document()
	if err != nil {
		log.Warn("forum index unreadable", "error", err)
		return nil, nil
	}

	var forums []Forum
	doc.Find("table.generaltable").First().Find("tbody tr").Each(func(i int, row *goquery.Selection) {
		forum, ok := parseForumRow(indexURL, row)
		if !ok {
			log.Warn("skipping forum row", "row", i)
			return
		}
		forums = append(forums, forum)
	})

	log.Info("forums listed", "count", len(forums))
	return forums, nil
}

func parseForumRow(indexURL string, row *goquery.Selection) (Forum, bool) {
	cells := row.Find("td")
	if cells.Length() == 0 {
		return Forum{}, false
	}
	link := cells.Eq(0).Find("a[href]").First()
	href, ok := link.Attr("href")
	if !ok {
		return Forum{}, false
	}
	name := strings.TrimSpace(link.Text())
	if name == "" {
		return Forum{}, false
	}

	forumURL := resolve(indexURL, href)
	var forumID string
	if u, err := url.Parse(forumURL); err == nil {
		forumID = u.Query().Get("f")
	}

	count := 0
	if cells.Length() > 2 {
		count, _ = firstInt(cells.Eq(2).Text())
	}

	return Forum{Name: name, URL: forumURL, ID: forumID, ThreadCount: count}, true
}
