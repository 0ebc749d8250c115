package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/search"
)

var (
	queryLimit   int
	queryKeyword bool
	queryHybrid  float64
	queryFilters struct {
		courseID, semester, author string
		onlyRoots, onlyReplies     bool
		before, after              string
	}
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search posts by meaning, keywords, or both",
	Long: `Search ingested posts. By default the query is embedded and matched
against the graph's vector index. --keyword searches the local keyword index
only; --hybrid W merges both rankings with W as the semantic share.

--after is inclusive, --before exclusive. Both accept RFC 3339 or YYYY-MM-DD.

Examples:
  forumgraph query "Wann ist die Klausur?"
  forumgraph query Klausur --keyword --course-id 40280
  forumgraph query "Abgabe Übungsblatt" --hybrid 0.3 --only-roots
  forumgraph query Raum --after 2024-10-01 --before 2024-11-01`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		text := strings.Join(args, " ")

		filters, err := queryFilterValues()
		if err != nil {
			return err
		}

		hybrid := cmd.Flags().Changed("hybrid")
		if hybrid && queryKeyword {
			return fmt.Errorf("--keyword and --hybrid are exclusive")
		}

		var keyword []graph.Hit
		if queryKeyword || hybrid {
			idx, err := search.Open(cfg.IndexPath())
			if err != nil {
				return err
			}
			defer idx.Close()

			n := queryLimit
			if hybrid {
				n = queryLimit * search.CandidateFactor
			}
			if keyword, err = idx.Search(text, n, filters); err != nil {
				return err
			}
			if queryKeyword {
				fmt.Println("Using keyword search...")
				printHits(keyword)
				return nil
			}
		}

		embedder, err := openEmbedder(ctx)
		if err != nil {
			return err
		}
		client, backend, err := openGraph(ctx)
		if err != nil {
			return err
		}
		defer closeGraph(client)

		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}

		retriever := graph.NewRetriever(backend, schema(), cfg.Retrieval.Overfetch, appLog)
		n := queryLimit
		if hybrid {
			n = queryLimit * search.CandidateFactor
		}
		semantic, err := retriever.Search(ctx, vec, n, filters)
		if err != nil {
			return err
		}

		if !hybrid {
			fmt.Println("Using semantic search...")
			printHits(semantic)
			return nil
		}

		fmt.Printf("Using hybrid search (%.0f%% keyword, %.0f%% semantic)...\n", (1-queryHybrid)*100, queryHybrid*100)
		merged, err := search.Hybrid(keyword, semantic, queryLimit, 1-queryHybrid)
		if err != nil {
			return err
		}
		printHits(merged)
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.IntVarP(&queryLimit, "limit", "n", 10, "maximum number of results")
	f.BoolVar(&queryKeyword, "keyword", false, "keyword search only (no graph needed)")
	f.Float64Var(&queryHybrid, "hybrid", 0.3, "hybrid search, value is the semantic weight (0.0-1.0)")
	f.StringVar(&queryFilters.courseID, "course-id", "", "only posts of this course")
	f.StringVar(&queryFilters.semester, "semester", "", "only posts of this semester")
	f.StringVar(&queryFilters.author, "author", "", "only posts by this author")
	f.BoolVar(&queryFilters.onlyRoots, "only-roots", false, "only thread starters")
	f.BoolVar(&queryFilters.onlyReplies, "only-replies", false, "only replies")
	f.StringVar(&queryFilters.before, "before", "", "posted before this time (exclusive)")
	f.StringVar(&queryFilters.after, "after", "", "posted at or after this time (inclusive)")
	rootCmd.AddCommand(queryCmd)
}

func queryFilterValues() (graph.Filters, error) {
	f := graph.Filters{
		CourseID:    queryFilters.courseID,
		Semester:    queryFilters.semester,
		Author:      queryFilters.author,
		OnlyRoots:   queryFilters.onlyRoots,
		OnlyReplies: queryFilters.onlyReplies,
	}
	var err error
	if f.Before, err = graph.ParseTime(queryFilters.before); err != nil {
		return f, err
	}
	if f.After, err = graph.ParseTime(queryFilters.after); err != nil {
		return f, err
	}
	return f, f.Validate()
}

func printHits(hits []graph.Hit) {
	if len(hits) == 0 {
		fmt.Println("No results found")
		return
	}

	fmt.Printf("\nFound %d results:\n\n", len(hits))
	for i, h := range hits {
		printHit(fmt.Sprintf("%d.", i+1), h)
		fmt.Printf("   Score: %.3f\n", h.Score)
		fmt.Println()
	}
}

func printHit(prefix string, h graph.Hit) {
	role := "reply"
	if h.IsThreadRoot {
		role = "root"
	}
	fmt.Printf("%s %s [%s, post %s]\n", prefix, h.Subject, role, h.PostID)
	if h.Author != "" {
		fmt.Printf("   Author: %s\n", h.Author)
	}
	if !h.PostedAt.IsZero() {
		fmt.Printf("   Posted: %s\n", h.PostedAt.Format("2006-01-02 15:04"))
	}
	if h.Permalink != "" {
		fmt.Printf("   URL: %s\n", h.Permalink)
	}
	if p := preview(h.Content, 200); p != "" {
		fmt.Printf("   Preview: %s\n", p)
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
