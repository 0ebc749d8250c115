package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/attachments"
	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
	"github.com/daemonphantom/BA-TUB-Bot/internal/crawler"
	"github.com/daemonphantom/BA-TUB-Bot/internal/ledger"
	"github.com/daemonphantom/BA-TUB-Bot/internal/moodle"
	"github.com/daemonphantom/BA-TUB-Bot/internal/storage"
)

var forceCrawl bool

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl the course forums once",
	Long: `Crawl every forum of the configured course. Forums whose thread and
reply counts match the last snapshot are skipped unless --force is given.

Examples:
  forumgraph crawl --course-id 40280 --semester "WiSe 2024/25"
  forumgraph crawl --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runCrawl(ctx, forceCrawl)
		if err != nil {
			return err
		}
		printCrawlResult(res)
		return nil
	},
}

func init() {
	addCourseFlags(crawlCmd)
	crawlCmd.Flags().BoolVar(&forceCrawl, "force", false, "ignore the change ledger and re-parse every forum")
	rootCmd.AddCommand(crawlCmd)
}

func addCourseFlags(c *cobra.Command) {
	c.Flags().String("course-id", "", "course id (overrides crawl.course_id)")
	c.Flags().String("course-name", "", "course name (overrides crawl.course_name)")
	c.Flags().String("semester", "", "semester label (overrides crawl.semester)")
	c.Flags().String("faculty", "", "faculty (overrides crawl.faculty)")
	c.PreRun = func(c *cobra.Command, args []string) {
		for flag, dst := range map[string]*string{
			"course-id":   &cfg.Crawl.CourseID,
			"course-name": &cfg.Crawl.CourseName,
			"semester":    &cfg.Crawl.Semester,
			"faculty":     &cfg.Crawl.Faculty,
		} {
			if c.Flags().Changed(flag) {
				*dst, _ = c.Flags().GetString(flag)
			}
		}
	}
}

// runCrawl wires one crawl from the loaded config.
func runCrawl(ctx context.Context, force bool) (*crawler.Result, error) {
	courseID := cfg.Crawl.CourseID
	if err := moodle.ValidateCourseID(courseID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Crawl.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := storage.Open(cfg.LedgerDBPath())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	courseDir := cfg.CourseDir(courseID)
	var store ledger.SnapshotStore = ledger.NewFileStore(courseDir, courseID, appLog)
	if cfg.Crawl.Ledger == "sqlite" {
		store = db.Snapshots(courseID)
	}

	session, err := moodle.NewCollySession(moodle.SessionConfig{
		BaseURL:    cfg.Site.BaseURL,
		CookieName: cfg.Site.SessionCookieName,
		Cookie:     cfg.Site.SessionCookie,
		UserAgent:  cfg.Site.UserAgent,
		Timeout:    cfg.Crawl.WaitTimeout,
	})
	if err != nil {
		return nil, err
	}

	client := moodle.NewClient(session, moodle.Options{
		BaseURL:     cfg.Site.BaseURL,
		WaitTimeout: cfg.Crawl.WaitTimeout,
		PageSize:    cfg.Crawl.PageSize,
	}, appLog)
	fetcher := attachments.NewFetcher(session, attachments.Options{
		Attempts:    cfg.Attachments.Attempts,
		Pause:       cfg.Attachments.Pause,
		Timeout:     cfg.Attachments.Timeout,
		Concurrency: cfg.Attachments.Concurrency,
	}, appLog)

	c := crawler.New(client, fetcher, store, corpus.NewWriter(courseDir, courseID), crawler.Options{
		Course: corpus.Course{
			ID:       courseID,
			Name:     cfg.Crawl.CourseName,
			Semester: cfg.Crawl.Semester,
			Faculty:  cfg.Crawl.Faculty,
		},
		Force: force,
		Runs:  db,
	}, appLog)
	return c.Run(ctx)
}

func printCrawlResult(res *crawler.Result) {
	fmt.Println()
	fmt.Println("=== Crawl Complete ===")
	fmt.Printf("Run:           %s\n", res.RunID)
	fmt.Printf("Forums:        %d (%d unchanged)\n", len(res.Summary), res.Skipped)
	fmt.Printf("Posts:         %d\n", res.Posts)
	fmt.Printf("Summary:       %s\n", res.SummaryPath)
	for _, f := range res.ForumFiles {
		fmt.Printf("  %s\n", f)
	}
}
