package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daemonphantom/BA-TUB-Bot/internal/attachments"
	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/ledger"
	"github.com/daemonphantom/BA-TUB-Bot/internal/moodle"
)

// fakeSite serves a course with one forum holding one thread.
type fakeSite struct {
	replies      atomic.Int32
	threadVisits atomic.Int32
	srv          *httptest.Server
}

func newFakeSite(t *testing.T, replies int) *fakeSite {
	t.Helper()
	s := &fakeSite{}
	s.replies.Store(int32(replies))

	mux := http.NewServeMux()
	mux.HandleFunc("/mod/forum/index.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<table class="generaltable"><tbody>
<tr><td><a href="/mod/forum/view.php?f=12">Forum</a></td><td>Fragen</td><td>1</td></tr>
</tbody></table>`)
	})
	mux.HandleFunc("/mod/forum/view.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<table><tbody><tr>
<td><a href="/mod/forum/discuss.php?d=7">Klausur</a></td><td class="replies">%d</td>
</tr></tbody></table>`, s.replies.Load())
	})
	mux.HandleFunc("/mod/forum/discuss.php", func(w http.ResponseWriter, r *http.Request) {
		s.threadVisits.Add(1)
		fmt.Fprint(w, `
<div class="forumpost" data-post-id="100"><header><h3>Klausur</h3><a href="#">Prof</a>
<time datetime="2024-10-17T10:00:00Z"></time></header>
<div class="post-content-container">Termin steht. <img src="/pluginfile.php/1/mod_forum/post/100/plan.png"></div></div>
<div class="forumpost" data-post-id="101"><header><h3>Re: Klausur</h3><a href="#">Anna</a>
<time datetime="2024-10-17T11:00:00Z"></time></header>
<div class="post-content-container">Danke</div>
<a title="Ursprungsbeitrag" href="/mod/forum/discuss.php?d=7#p100">Ursprungsbeitrag</a></div>`)
	})
	mux.HandleFunc("/pluginfile.php/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png"))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeSite) crawler(t *testing.T, dir string, store ledger.SnapshotStore) *Crawler {
	t.Helper()
	session, err := moodle.NewCollySession(moodle.SessionConfig{BaseURL: s.srv.URL, Cookie: "abc", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	client := moodle.NewClient(session, moodle.Options{BaseURL: s.srv.URL}, nil)
	fetcher := attachments.NewFetcher(session, attachments.Options{Attempts: 1}, nil)
	return New(client, fetcher, store, corpus.NewWriter(dir, "40280"), Options{
		Course: corpus.Course{ID: "40280", Name: "Analysis I", Semester: "WiSe 2024/25"},
	}, nil)
}

func countFiles(t *testing.T, dir, prefix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			n++
		}
	}
	return n
}

func TestUnchangedForumIsSkipped(t *testing.T) {
	ctx := context.Background()
	site := newFakeSite(t, 1)
	dir := t.TempDir()
	store := ledger.NewFileStore(dir, "40280", nil)

	first, err := site.crawler(t, dir, store).Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Posts != 2 || len(first.ForumFiles) != 1 {
		t.Fatalf("first run: %+v", first)
	}

	threads, err := corpus.LoadForumFile(first.ForumFiles[0])
	if err != nil {
		t.Fatalf("load forum file: %v", err)
	}
	root := threads[0].Posts[0]
	if len(root.LocalAttachments) != 1 || len(root.Attachments) != 1 {
		t.Fatalf("attachments: %+v / %+v", root.Attachments, root.LocalAttachments)
	}

	second, err := site.crawler(t, dir, store).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.ForumFiles) != 0 || second.Skipped != 1 {
		t.Fatalf("second run should skip: %+v", second)
	}
	if site.threadVisits.Load() != 1 {
		t.Fatalf("thread parsed again: visits=%d", site.threadVisits.Load())
	}
	if n := countFiles(t, dir, "40280_forum_01_"); n != 1 {
		t.Fatalf("forum files: want=1 got=%d", n)
	}
	if n := countFiles(t, dir, "40280_forum_summary__"); n != 2 {
		t.Fatalf("summary files: want=2 got=%d", n)
	}

	summary, err := corpus.LoadSummary(second.SummaryPath)
	if err != nil {
		t.Fatalf("load summary: %v", err)
	}
	if len(summary) != 1 || !summary[0].Skipped {
		t.Fatalf("summary: %+v", summary)
	}
}

func TestCorruptLedgerDoesNotBlockCrawl(t *testing.T) {
	ctx := context.Background()
	site := newFakeSite(t, 1)
	dir := t.TempDir()
	store := ledger.NewFileStore(dir, "40280", nil)

	// Sorts after every real snapshot, so it stays the newest file.
	broken := filepath.Join(dir, "40280_forum_snapshot__2099-01-01T00-00-00.000Z.json")
	if err := os.WriteFile(broken, []byte(`{"Forum": {"thread_co`), 0o644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		res, err := site.crawler(t, dir, store).Run(ctx)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if res.SummaryPath == "" {
			t.Fatalf("run %d: no summary written", i)
		}
	}
	if n := countFiles(t, dir, "40280_forum_summary__"); n != 2 {
		t.Fatalf("summary files: want=2 got=%d", n)
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (ledger.Snapshot, bool, error) {
	return ledger.Snapshot{}, false, nil
}

func (failingStore) Save(context.Context, string, ledger.Snapshot) error {
	return errors.New("disk full")
}

func TestSnapshotSaveFailureStillWritesSummary(t *testing.T) {
	site := newFakeSite(t, 1)
	dir := t.TempDir()

	res, err := site.crawler(t, dir, failingStore{}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.ForumFiles) != 1 || res.SummaryPath == "" {
		t.Fatalf("result: %+v", res)
	}
}

func TestReplyCountChangeTriggersReparse(t *testing.T) {
	ctx := context.Background()
	site := newFakeSite(t, 10)
	dir := t.TempDir()
	store := ledger.NewFileStore(dir, "40280", nil)

	if _, err := site.crawler(t, dir, store).Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	site.replies.Store(11)

	res, err := site.crawler(t, dir, store).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(res.ForumFiles) != 1 || site.threadVisits.Load() != 2 {
		t.Fatalf("forum not re-parsed: files=%d visits=%d", len(res.ForumFiles), site.threadVisits.Load())
	}

	snap, ok, err := store.Load(ctx, "Forum")
	if err != nil || !ok {
		t.Fatalf("snapshot: ok=%t err=%v", ok, err)
	}
	if snap.ReplyCount != 11 || snap.ThreadCount != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestForceIgnoresLedger(t *testing.T) {
	ctx := context.Background()
	site := newFakeSite(t, 0)
	dir := t.TempDir()
	store := ledger.NewFileStore(dir, "40280", nil)

	if _, err := site.crawler(t, dir, store).Run(ctx); err != nil {
		t.Fatal(err)
	}
	c := site.crawler(t, dir, store)
	c.force = true
	res, err := c.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 0 || len(res.ForumFiles) != 1 {
		t.Fatalf("forced run skipped forums: %+v", res)
	}
}

func TestInvalidCourseAborts(t *testing.T) {
	site := newFakeSite(t, 0)
	c := site.crawler(t, t.TempDir(), ledger.NewFileStore(t.TempDir(), "1", nil))
	c.course.ID = "1"
	if _, err := c.Run(context.Background()); !errors.Is(err, moodle.ErrInvalidCourse) {
		t.Fatalf("want ErrInvalidCourse, got %v", err)
	}
}
