// Package crawler runs one incremental crawl of a course's forums.
package crawler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/daemonphantom/BA-TUB-Bot/internal/attachments"
	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/ledger"
	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
	"github.com/daemonphantom/BA-TUB-Bot/internal/moodle"
	"github.com/daemonphantom/BA-TUB-Bot/internal/storage"
)

// RunLog records crawl runs. *storage.DB implements it.
type RunLog interface {
	StartRun(ctx context.Context, id, courseID string, startedAt time.Time) error
	FinishRun(ctx context.Context, run storage.Run) error
}

// Crawler walks forums -> threads -> posts over one session.
type Crawler struct {
	client  *moodle.Client
	fetcher *attachments.Fetcher
	ledger  ledger.SnapshotStore
	writer  *corpus.Writer
	runs    RunLog
	course  corpus.Course
	force   bool
	log     *logger.Logger
	now     func() time.Time
}

type Options struct {
	Course corpus.Course
	// Force re-crawls forums the ledger reports as unchanged.
	Force bool
	// Runs is optional.
	Runs RunLog
}

func New(client *moodle.Client, fetcher *attachments.Fetcher, store ledger.SnapshotStore, writer *corpus.Writer, opts Options, log *logger.Logger) *Crawler {
	if log == nil {
		log = logger.Nop()
	}
	return &Crawler{
		client:  client,
		fetcher: fetcher,
		ledger:  store,
		writer:  writer,
		runs:    opts.Runs,
		course:  opts.Course,
		force:   opts.Force,
		log:     log.With("component", "crawler", "course_id", opts.Course.ID),
		now:     time.Now,
	}
}

// Result describes one crawl run.
type Result struct {
	RunID       string
	Summary     []corpus.SummaryEntry
	SummaryPath string
	ForumFiles  []string
	Posts       int
	Skipped     int
}

// Run crawls every forum of the course. Units that fail to load are skipped;
// only an invalid course or a failure to persist output aborts the run.
func (c *Crawler) Run(ctx context.Context) (*Result, error) {
	if err := moodle.ValidateCourseID(c.course.ID); err != nil {
		return nil, err
	}

	res := &Result{RunID: uuid.NewString()}
	started := c.now().UTC()
	log := c.log.With("run_id", res.RunID)

	if c.runs != nil {
		if err := c.runs.StartRun(ctx, res.RunID, c.course.ID, started); err != nil {
			log.Warn("run log unavailable", "error", err)
		}
	}

	err := c.crawl(ctx, res, log)

	if c.runs != nil {
		run := storage.Run{
			ID:            res.RunID,
			ForumsTotal:   len(res.Summary),
			ForumsSkipped: res.Skipped,
			Posts:         res.Posts,
		}
		if err != nil {
			run.Error = err.Error()
		}
		if ferr := c.runs.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
			log.Warn("run not recorded", "error", ferr)
		}
	}
	if err != nil {
		return res, err
	}

	log.Info("crawl finished",
		"forums", len(res.Summary),
		"skipped", res.Skipped,
		"posts", res.Posts,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return res, nil
}

func (c *Crawler) crawl(ctx context.Context, res *Result, log *logger.Logger) error {
	forums, err := c.client.Forums(ctx, c.course.ID)
	if err != nil {
		return fmt.Errorf("list forums: %w", err)
	}

	snaps := make(map[string]ledger.Snapshot, len(forums))
	touched := false

	for i, forum := range forums {
		if err := ctx.Err(); err != nil {
			return err
		}
		flog := log.With("forum", forum.Name)

		threads, err := c.client.Threads(ctx, forum.URL, forum.ThreadCount)
		if err != nil {
			return fmt.Errorf("list threads of %s: %w", forum.Name, err)
		}
		replies := 0
		for _, t := range threads {
			replies += t.ReplyCount
		}

		prev, ok, err := c.ledger.Load(ctx, forum.Name)
		if err != nil {
			flog.Warn("snapshot not loaded", "error", err)
			ok = false
		}
		snaps[forum.Name] = ledger.Snapshot{ThreadCount: len(threads), ReplyCount: replies, CapturedAt: c.now().UTC()}

		entry := corpus.SummaryEntry{ForumName: forum.Name, ThreadCount: len(threads), ReplyCount: replies}
		if !c.force && ledger.Unchanged(prev, ok, len(threads), replies) {
			flog.Info("forum unchanged, skipping", "threads", len(threads), "replies", replies)
			entry.Skipped = true
			res.Skipped++
			res.Summary = append(res.Summary, entry)
			continue
		}
		touched = true

		data := c.crawlForum(ctx, forum, threads, flog)
		for _, t := range data {
			res.Posts += len(t.Posts)
		}

		path, err := c.writer.WriteForum(i+1, forum.Name, data)
		if err != nil {
			return fmt.Errorf("write forum %s: %w", forum.Name, err)
		}
		flog.Info("forum saved", "threads", len(data), "path", path)
		entry.SavedTo = path
		res.ForumFiles = append(res.ForumFiles, path)
		res.Summary = append(res.Summary, entry)
	}

	if touched {
		// The forum files are already on disk; a missing snapshot only
		// means the next run re-crawls these forums.
		if err := ledger.SaveAll(ctx, c.ledger, snaps); err != nil {
			log.Warn("snapshots not saved", "forums", len(snaps), "error", err)
		}
	}

	path, err := c.writer.WriteSummary(res.Summary)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	res.SummaryPath = path
	return nil
}

func (c *Crawler) crawlForum(ctx context.Context, forum moodle.Forum, threads []moodle.ThreadSummary, log *logger.Logger) []corpus.Thread {
	attachDir := filepath.Join(c.writer.Dir(), "attachments")
	opts := moodle.ParseOptions{Course: c.course, ForumName: forum.Name, CrawledAt: c.now().UTC()}

	out := make([]corpus.Thread, 0, len(threads))
	for _, t := range threads {
		if ctx.Err() != nil {
			break
		}
		log.Debug("parsing thread", "thread", t.ID, "title", t.Title)
		posts, err := c.client.ParseThread(ctx, t, opts)
		if err != nil {
			log.Warn("thread skipped", "thread", t.ID, "error", err)
			continue
		}

		for i := range posts {
			p := &posts[i]
			if len(p.Attachments) == 0 || c.fetcher == nil {
				continue
			}
			got := c.fetcher.Fetch(ctx, p.Attachments, attachDir, p.PostID)
			p.LocalAttachments = attachments.LocalPaths(got)
		}
		for _, issue := range corpus.ValidateThread(posts) {
			log.Warn("reply structure", "thread", t.ID, "post_id", issue.PostID, "response_to", issue.ResponseTo, "reason", issue.Reason)
		}

		out = append(out, corpus.Thread{Title: t.Title, URL: t.URL, Posts: posts})
	}
	return out
}
