package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var (
	watchBuild bool
	watchNow   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Crawl on a schedule",
	Long: `Run incremental crawls on the cron schedule in crawl.schedule
(default @hourly). A crawl that is still running when the next one is due is
skipped. With --build, forum files written by a crawl are ingested right away.

Examples:
  forumgraph watch
  forumgraph watch --build --now`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := appLog.With("component", "watch")
		job := func() {
			res, err := runCrawl(ctx, false)
			if err != nil {
				log.Error("scheduled crawl failed", "error", err)
				return
			}
			printCrawlResult(res)
			if !watchBuild || len(res.ForumFiles) == 0 {
				return
			}
			stats, err := runBuild(ctx, res.ForumFiles)
			if err != nil {
				log.Error("build after crawl failed", "error", err)
				return
			}
			printBuildStats(stats)
		}

		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		id, err := c.AddFunc(cfg.Crawl.Schedule, job)
		if err != nil {
			return err
		}
		if watchNow {
			c.Entry(id).WrappedJob.Run()
		}
		c.Start()
		log.Info("watching", "course_id", cfg.Crawl.CourseID, "schedule", cfg.Crawl.Schedule)

		<-ctx.Done()
		<-c.Stop().Done()
		log.Info("stopped")
		return nil
	},
}

func init() {
	addCourseFlags(watchCmd)
	watchCmd.Flags().BoolVar(&watchBuild, "build", false, "ingest new forum files after every crawl")
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "crawl once immediately before waiting for the schedule")
	rootCmd.AddCommand(watchCmd)
}
