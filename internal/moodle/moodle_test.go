package moodle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
)

// pageSession serves canned HTML keyed by URL.
type pageSession struct {
	pages   map[string]string
	current string
	visits  []string
}

func (s *pageSession) Get(_ context.Context, u string) error {
	s.visits = append(s.visits, u)
	s.current = u
	if _, ok := s.pages[u]; !ok {
		return fmt.Errorf("404 %s", u)
	}
	return nil
}

func (s *pageSession) Document() (*goquery.Document, error) {
	body, ok := s.pages[s.current]
	if !ok {
		return nil, errNoPage
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	doc.Url, _ = url.Parse(s.current)
	return doc, nil
}

func (s *pageSession) CurrentURL() string             { return s.current }
func (s *pageSession) Cookies(string) []*http.Cookie { return nil }

func (s *pageSession) WaitFor(_ context.Context, selector string, _ time.Duration) bool {
	doc, err := s.Document()
	return err == nil && doc.Find(selector).Length() > 0
}

const base = "https://isis.example.org"

const forumIndexHTML = `<html><body>
<table class="generaltable"><tbody>
<tr><td><a href="view.php?f=11">Ankündigungen</a></td><td>News</td><td>3</td></tr>
<tr><td>broken row</td><td></td><td>x</td></tr>
<tr><td><a href="/mod/forum/view.php?f=12">Forum</a></td><td>Fragen</td><td>150</td></tr>
</tbody></table></body></html>`

func TestForums(t *testing.T) {
	s := &pageSession{pages: map[string]string{
		base + "/mod/forum/index.php?id=40280": forumIndexHTML,
	}}
	c := NewClient(s, Options{BaseURL: base}, nil)

	forums, err := c.Forums(context.Background(), "40280")
	if err != nil {
		t.Fatalf("Forums: %v", err)
	}
	if len(forums) != 2 {
		t.Fatalf("forums: want=2 got=%d (%+v)", len(forums), forums)
	}
	want := Forum{Name: "Forum", URL: base + "/mod/forum/view.php?f=12", ID: "12", ThreadCount: 150}
	if forums[1] != want {
		t.Fatalf("forum: want=%+v got=%+v", want, forums[1])
	}
	if forums[0].URL != base+"/mod/forum/view.php?f=11" {
		t.Fatalf("relative href not resolved: %s", forums[0].URL)
	}
}

func TestForumsWithoutTable(t *testing.T) {
	s := &pageSession{pages: map[string]string{
		base + "/mod/forum/index.php?id=40280": "<html><body><p>Keine Foren</p></body></html>",
	}}
	forums, err := NewClient(s, Options{BaseURL: base}, nil).Forums(context.Background(), "40280")
	if err != nil || len(forums) != 0 {
		t.Fatalf("want no forums and no error, got %v %v", forums, err)
	}
}

func TestForumsRejectsInvalidCourse(t *testing.T) {
	c := NewClient(&pageSession{}, Options{BaseURL: base}, nil)
	for _, id := range []string{"", "unknown", "1"} {
		if _, err := c.Forums(context.Background(), id); !errors.Is(err, ErrInvalidCourse) {
			t.Fatalf("course %q: want ErrInvalidCourse, got %v", id, err)
		}
	}
}

func TestPageCount(t *testing.T) {
	tests := []struct{ threads, size, want int }{
		{0, 100, 1},
		{1, 100, 1},
		{100, 100, 1},
		{101, 100, 2},
		{250, 100, 3},
	}
	for _, tt := range tests {
		if got := PageCount(tt.threads, tt.size); got != tt.want {
			t.Fatalf("PageCount(%d,%d): want=%d got=%d", tt.threads, tt.size, tt.want, got)
		}
	}
}

func listingPage(rows ...string) string {
	return "<html><body><table><tbody>" + strings.Join(rows, "") + "</tbody></table></body></html>"
}

func row(id, title string, replies int, extra string) string {
	return fmt.Sprintf(`<tr><td><a href="%s/mod/forum/discuss.php?d=%s">%s</a>%s</td><td class="replies">%d</td></tr>`,
		base, id, title, extra, replies)
}

func TestThreadsPaginatesAndDedupes(t *testing.T) {
	forumURL := base + "/mod/forum/view.php?f=12"
	s := &pageSession{pages: map[string]string{
		forumURL + "&p=0": listingPage(
			row("1", "Klausur", 4, ""),
			row("2", "Übung", 0, `<a href="`+base+`/mod/forum/discuss.php?d=2&parent=99">re</a>`),
		),
		forumURL + "&p=1": listingPage(
			row("2", "Übung", 0, ""),
			row("3", "Termine", 7, ""),
		),
		// page 2 is missing and must be skipped
	}}
	c := NewClient(s, Options{BaseURL: base, PageSize: 2}, nil)

	threads, err := c.Threads(context.Background(), forumURL, 5)
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(s.visits) != 3 {
		t.Fatalf("pages visited: want=3 got=%d", len(s.visits))
	}
	if len(threads) != 3 {
		t.Fatalf("threads: want=3 got=%d (%+v)", len(threads), threads)
	}
	if threads[0].ReplyCount != 4 || threads[2].ReplyCount != 7 {
		t.Fatalf("reply counts: %+v", threads)
	}
	if threads[1].URL != base+"/mod/forum/discuss.php?d=2" {
		t.Fatalf("canonical url: %s", threads[1].URL)
	}
	for _, th := range threads {
		if strings.Contains(th.URL, "parent") {
			t.Fatalf("reply link leaked into threads: %+v", th)
		}
	}
}

const threadHTML = `<html><body>
<div class="forumpost" data-post-id="100">
  <header><h3>Klausurtermin</h3><a href="/user/view.php?id=5">Prof. Muster</a>
  <time datetime="2024-10-17T10:00:00+02:00">Do., 17. Okt. 2024</time></header>
  <div class="post-content-container"><p>Die Klausur ist am Montag. Siehe <a href="https://example.org/plan">Plan</a>.</p>
  <img src="https://isis.example.org/pluginfile.php/1/mod_forum/post/100/plan.png">
  <img src="https://isis.example.org/pluginfile.php/1/user/icon/f2">
  </div>
</div>
<div class="forumpost" data-post-id="101">
  <header><h3>Re: Klausurtermin</h3><a href="/user/view.php?id=6">Student A</a>
  <time datetime="2024-10-17T11:00:00+02:00">Do.</time></header>
  <div class="post-content-container"><p>Welcher Raum?</p></div>
  <a title="Ursprungsbeitrag anzeigen" href="https://isis.example.org/mod/forum/discuss.php?d=7#p100">Ursprungsbeitrag</a>
</div>
<div class="forumpost" data-post-id="102">
  <header><h3></h3></header>
  <div class="post-content-container"><p>Hörsaal 1</p></div>
  <a title="Show parent (original post)" href="#p101">Parent</a>
</div>
<div class="forumpost"><div class="post-content-container">no id</div></div>
<div class="forumpost" data-post-id="103"><header><h3>no body</h3></header></div>
</body></html>`

func TestParseThread(t *testing.T) {
	thread := ThreadSummary{ID: "7", Title: "Klausurtermin", URL: base + "/mod/forum/discuss.php?d=7"}
	s := &pageSession{pages: map[string]string{thread.URL: threadHTML}}
	c := NewClient(s, Options{BaseURL: base}, nil)
	crawled := time.Date(2025, 8, 3, 0, 0, 0, 0, time.UTC)

	posts, err := c.ParseThread(context.Background(), thread, ParseOptions{
		Course:    corpus.Course{ID: "40280", Name: "Analysis I", Semester: "WiSe 2024/25"},
		ForumName: "Ankündigungen",
		CrawledAt: crawled,
	})
	if err != nil {
		t.Fatalf("ParseThread: %v", err)
	}
	if len(posts) != 3 {
		t.Fatalf("posts: want=3 got=%d", len(posts))
	}

	root := posts[0]
	if !root.IsThreadRoot || root.IsReply || root.ResponseTo != nil {
		t.Fatalf("root flags: %+v", root)
	}
	if root.Subject != "Klausurtermin" || root.Author != "Prof. Muster" {
		t.Fatalf("root header: subject=%q author=%q", root.Subject, root.Author)
	}
	if want := "Die Klausur ist am Montag. Siehe Plan (https://example.org/plan) ."; root.Content != want {
		t.Fatalf("content:\nwant=%q\ngot =%q", want, root.Content)
	}
	if len(root.Links) != 1 || root.Links[0].URL != "https://example.org/plan" {
		t.Fatalf("links: %+v", root.Links)
	}
	if len(root.Attachments) != 1 || !strings.HasSuffix(root.Attachments[0], "plan.png") {
		t.Fatalf("attachments: %+v", root.Attachments)
	}
	if root.PostedAt.IsZero() || root.Permalink != thread.URL+"#p100" {
		t.Fatalf("posted_at=%v permalink=%s", root.PostedAt, root.Permalink)
	}
	if !root.IsAnnouncement || root.Course.ID != "40280" || !root.CrawledAt.Equal(crawled) {
		t.Fatalf("inherited fields: %+v", root)
	}

	if r := posts[1]; !r.IsReply || r.ResponseTo == nil || *r.ResponseTo != "100" {
		t.Fatalf("reply 101: %+v", r)
	}
	if r := posts[2]; r.ResponseTo == nil || *r.ResponseTo != "101" || r.Subject != "No subject" || r.Author != "Unknown" {
		t.Fatalf("reply 102: %+v", r)
	}

	for _, p := range posts {
		if err := p.Validate(); err != nil {
			t.Fatalf("post %s: %v", p.PostID, err)
		}
	}
	if issues := corpus.ValidateThread(posts); len(issues) != 0 {
		t.Fatalf("reply issues: %v", issues)
	}
}

func TestSelfReferencingAnchorIsRoot(t *testing.T) {
	page := `<div class="forumpost" data-post-id="5"><header><h3>x</h3></header>
<div class="post-content-container">hi</div><a title="Ursprungsbeitrag" href="#p5">up</a></div>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	posts := ParsePosts(doc, ThreadSummary{ID: "1", URL: base + "/mod/forum/discuss.php?d=1"}, ParseOptions{}, nil)
	if len(posts) != 1 || !posts[0].IsThreadRoot || posts[0].ResponseTo != nil {
		t.Fatalf("want single root, got %+v", posts)
	}
}

func TestParseThreadWithoutPosts(t *testing.T) {
	thread := ThreadSummary{ID: "9", URL: base + "/mod/forum/discuss.php?d=9"}
	s := &pageSession{pages: map[string]string{thread.URL: "<html><body>empty</body></html>"}}
	posts, err := NewClient(s, Options{BaseURL: base}, nil).ParseThread(context.Background(), thread, ParseOptions{})
	if err != nil || len(posts) != 0 {
		t.Fatalf("want empty result, got %v %v", posts, err)
	}
}

func TestCollySessionSendsCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("MoodleSession")
		if err != nil || c.Value != "abc123" {
			http.Error(w, "login required", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, forumIndexHTML)
	}))
	defer srv.Close()

	s, err := NewCollySession(SessionConfig{BaseURL: srv.URL, CookieName: "MoodleSession", Cookie: "abc123", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewCollySession: %v", err)
	}
	c := NewClient(s, Options{BaseURL: srv.URL}, nil)
	forums, err := c.Forums(context.Background(), "40280")
	if err != nil {
		t.Fatalf("Forums: %v", err)
	}
	if len(forums) != 2 {
		t.Fatalf("forums: want=2 got=%d", len(forums))
	}
	if got := s.CurrentURL(); !strings.HasPrefix(got, srv.URL+"/mod/forum/index.php") {
		t.Fatalf("current url: %s", got)
	}
	if len(s.Cookies(srv.URL)) == 0 {
		t.Fatal("session cookie not exposed")
	}
}
