package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
)

var contextDepth int

var contextCmd = &cobra.Command{
	Use:   "context <post-id>",
	Short: "Show a post with its reply chain and thread",
	Long: `Show a post, the posts reachable over reply links within --depth hops
(in either direction), and the remaining posts of its thread.

Examples:
  forumgraph context 123456
  forumgraph context 123456 --depth 4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		client, backend, err := openGraph(ctx)
		if err != nil {
			return err
		}
		defer closeGraph(client)

		retriever := graph.NewRetriever(backend, schema(), cfg.Retrieval.Overfetch, appLog)
		out, err := retriever.ExpandContext(ctx, args[0], contextDepth)
		if err != nil {
			return err
		}

		printHit("Post:", out.Post)
		fmt.Println()
		fmt.Printf("=== Reply chain (%d) ===\n", len(out.Related))
		for _, h := range out.Related {
			printHit("-", h)
		}
		fmt.Println()
		fmt.Printf("=== Thread (%d) ===\n", len(out.Thread))
		for _, h := range out.Thread {
			printHit("-", h)
		}
		return nil
	},
}

func init() {
	contextCmd.Flags().IntVarP(&contextDepth, "depth", "d", 2, fmt.Sprintf("reply hops to follow (1-%d)", graph.MaxContextDepth))
	rootCmd.AddCommand(contextCmd)
}
