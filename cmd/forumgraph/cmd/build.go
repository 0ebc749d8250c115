package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/ingest"
	"github.com/daemonphantom/BA-TUB-Bot/internal/search"
)

var buildCmd = &cobra.Command{
	Use:   "build [file|dir]...",
	Short: "Ingest crawled forum files into the graph",
	Long: `Embed the posts of crawled forum files and merge them into the Neo4j
graph and the keyword index. A directory contributes the newest file of each
forum. Without arguments the configured course directory is used.

Building is idempotent: posts are merged by id and edges are never duplicated.

Examples:
  forumgraph build
  forumgraph build data/course_40280/forums
  forumgraph build data/course_40280/forums/40280_forum_01_allgemeines__2024-10-17T09-00-00.000Z.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		paths := args
		if len(paths) == 0 {
			paths = []string{cfg.CourseDir(cfg.Crawl.CourseID)}
		}
		stats, err := runBuild(ctx, paths)
		if err != nil {
			return err
		}
		printBuildStats(stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(ctx context.Context, paths []string) (*ingest.Stats, error) {
	embedder, err := openEmbedder(ctx)
	if err != nil {
		return nil, err
	}

	client, backend, err := openGraph(ctx)
	if err != nil {
		return nil, err
	}
	defer closeGraph(client)

	ingestor := graph.NewIngestor(backend, schema(), appLog)
	if err := ingestor.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	idx, err := search.Open(cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	worker := ingest.NewWorker(embedder, ingestor, idx, cfg.Ingest.Concurrency, appLog)
	return worker.Build(ctx, paths)
}

func printBuildStats(stats *ingest.Stats) {
	fmt.Println()
	fmt.Println("=== Build Complete ===")
	fmt.Printf("Files:         %d\n", stats.Files)
	fmt.Printf("Posts:         %d\n", stats.Posts)
	fmt.Printf("Merged:        %d\n", stats.Merged)
	fmt.Printf("Reply links:   %d linked, %d pending, %d rejected\n", stats.Linked, len(stats.Pending), len(stats.Rejected))
	fmt.Printf("Indexed:       %d\n", stats.Indexed)
	fmt.Printf("Skipped:       %d invalid, %d failed, %d not embedded\n", len(stats.Invalid), len(stats.Failed), stats.EmbedErrors)
	if stats.ReplyIssues > 0 {
		fmt.Printf("Reply issues:  %d (see log)\n", stats.ReplyIssues)
	}
	fmt.Printf("Duration:      %v\n", stats.Duration)
}
