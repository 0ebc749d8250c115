package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
)

type exportFile struct {
	ExportedAt time.Time   `json:"exported_at"`
	Stats      graph.Stats `json:"statistics"`
	Posts      []graph.Hit `json:"posts"`
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write all posts and graph statistics to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		client, backend, err := openGraph(ctx)
		if err != nil {
			return err
		}
		defer closeGraph(client)

		retriever := graph.NewRetriever(backend, schema(), cfg.Retrieval.Overfetch, appLog)
		stats, err := retriever.Stats(ctx)
		if err != nil {
			return err
		}
		posts, err := retriever.Export(ctx)
		if err != nil {
			return err
		}
		if posts == nil {
			posts = []graph.Hit{}
		}

		data, err := json.MarshalIndent(exportFile{ExportedAt: time.Now().UTC(), Stats: stats, Posts: posts}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal export: %w", err)
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Printf("Exported %d posts to %s\n", len(posts), args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
