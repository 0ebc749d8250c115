package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/embeddings"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/search"
	"github.com/daemonphantom/BA-TUB-Bot/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, graph statistics and recent crawls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		fmt.Println("=== Configuration ===")
		fmt.Printf("Course:        %s %s\n", cfg.Crawl.CourseID, cfg.Crawl.Semester)
		fmt.Printf("Data dir:      %s\n", cfg.Crawl.DataDir)
		fmt.Printf("Ledger:        %s\n", cfg.Crawl.Ledger)
		fmt.Printf("Embeddings:    %s (%d dimensions)\n", cfg.Embeddings.Provider, cfg.Graph.Dimensions)
		fmt.Println()

		fmt.Println("=== Graph ===")
		if client, backend, err := openGraph(ctx); err != nil {
			fmt.Printf("Neo4j:         unavailable (%v)\n", err)
		} else {
			defer closeGraph(client)
			fmt.Printf("Neo4j:         connected (%s)\n", cfg.Neo4j.URI)
			stats, err := graph.NewRetriever(backend, schema(), cfg.Retrieval.Overfetch, appLog).Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Posts:         %d (%d with embedding)\n", stats.Posts, stats.Embedded)
			fmt.Printf("Threads:       %d\n", stats.Threads)
			fmt.Printf("Courses:       %d\n", stats.Courses)
			fmt.Printf("Authors:       %d\n", stats.Authors)
			fmt.Printf("Reply links:   %d\n", stats.Replies)
		}
		fmt.Println()

		fmt.Println("=== Embeddings ===")
		e, err := embeddings.NewEmbedder(cfg.Embeddings.Provider, cfg.Embeddings.URL, cfg.Embeddings.Model)
		if err != nil {
			return err
		}
		if err := e.Health(ctx); err != nil {
			fmt.Printf("Provider:      unavailable (%v)\n", err)
		} else if dim, err := embeddings.Probe(ctx, e); err != nil {
			fmt.Printf("Provider:      unavailable (%v)\n", err)
		} else {
			fmt.Printf("Provider:      ok, %d dimensions\n", dim)
		}
		fmt.Println()

		fmt.Println("=== Keyword Index ===")
		if _, err := os.Stat(cfg.IndexPath()); err != nil {
			fmt.Println("Posts:         not built")
		} else {
			idx, err := search.Open(cfg.IndexPath())
			if err != nil {
				return err
			}
			defer idx.Close()
			n, err := idx.Count()
			if err != nil {
				return err
			}
			fmt.Printf("Posts:         %d\n", n)
		}
		fmt.Println()

		fmt.Println("=== Recent Crawls ===")
		if _, err := os.Stat(cfg.LedgerDBPath()); err != nil {
			fmt.Println("none")
			return nil
		}
		db, err := storage.Open(cfg.LedgerDBPath())
		if err != nil {
			return err
		}
		defer db.Close()
		runs, err := db.LastRuns(ctx, cfg.Crawl.CourseID, 5)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("none")
		}
		for _, r := range runs {
			state := "running"
			if r.Error != "" {
				state = "failed: " + r.Error
			} else if r.FinishedAt != nil {
				state = fmt.Sprintf("%d forums, %d unchanged, %d posts", r.ForumsTotal, r.ForumsSkipped, r.Posts)
			}
			fmt.Printf("%s  %s  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04"), r.ID[:8], state)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
