package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var clearConfirm bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every node of the graph and the keyword index",
	Long: `Detach-delete all nodes of the graph and remove the local keyword index.
Crawled forum files and the change ledger are kept, so the graph can be
rebuilt with "forumgraph build".

Warning: This operation cannot be undone. It requires --confirm.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearConfirm {
			return errors.New("refusing to clear the graph without --confirm")
		}
		ctx := cmd.Context()

		client, backend, err := openGraph(ctx)
		if err != nil {
			return err
		}
		defer closeGraph(client)

		if err := backend.Clear(ctx); err != nil {
			return err
		}
		if err := os.RemoveAll(cfg.IndexPath()); err != nil {
			return fmt.Errorf("remove keyword index: %w", err)
		}
		fmt.Println("Graph and keyword index cleared")
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearConfirm, "confirm", false, "really delete everything")
	rootCmd.AddCommand(clearCmd)
}
