package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/config"
	"github.com/daemonphantom/BA-TUB-Bot/internal/embeddings"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
	"github.com/daemonphantom/BA-TUB-Bot/internal/neo4jdb"
)

var (
	configFile string
	logMode    string

	cfg    *config.Config
	appLog *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forumgraph",
	Short: "Crawl ISIS course forums into a searchable knowledge graph",
	Long: `forumgraph crawls the discussion forums of a Moodle (ISIS) course,
stores them as append-only JSON files, and ingests the posts into a Neo4j
graph with an embedding index for semantic and context retrieval.

Settings come from config.yaml, .env and FORUMGRAPH_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if logMode != "" {
			cfg.Log.Mode = logMode
		}
		appLog, err = logger.New(cfg.Log.Mode)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appLog != nil {
			appLog.Sync()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config.yaml or $HOME/.forumgraph/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logMode, "log-mode", "", "log mode: dev or prod (overrides log.mode)")
}

func schema() graph.Schema {
	return graph.Schema{Dimensions: cfg.Graph.Dimensions, IndexName: cfg.Graph.IndexName}
}

// openGraph connects to Neo4j. A missing URI is a configuration error for
// every command that needs the graph.
func openGraph(ctx context.Context) (*neo4jdb.Client, *graph.Neo4jBackend, error) {
	client, err := neo4jdb.New(ctx, neo4jdb.Config{
		URI:         cfg.Neo4j.URI,
		User:        cfg.Neo4j.User,
		Password:    cfg.Neo4j.Password,
		Database:    cfg.Neo4j.Database,
		MaxPoolSize: cfg.Neo4j.MaxPoolSize,
		Timeout:     cfg.Neo4j.Timeout,
	}, appLog)
	if errors.Is(err, neo4jdb.ErrNotConfigured) {
		return nil, nil, fmt.Errorf("%w: set neo4j.uri or NEO4J_URI", err)
	}
	if err != nil {
		return nil, nil, err
	}
	return client, graph.NewNeo4jBackend(client, appLog), nil
}

// openEmbedder builds the configured provider and checks that its vectors
// fit the graph index.
func openEmbedder(ctx context.Context) (embeddings.Embedder, error) {
	e, err := embeddings.NewEmbedder(cfg.Embeddings.Provider, cfg.Embeddings.URL, cfg.Embeddings.Model)
	if err != nil {
		return nil, err
	}
	if err := e.Health(ctx); err != nil {
		return nil, fmt.Errorf("embedding provider %s: %w", cfg.Embeddings.Provider, err)
	}
	if err := embeddings.CheckDimension(ctx, e, cfg.Graph.Dimensions); err != nil {
		if errors.Is(err, embeddings.ErrDimensionMismatch) {
			return nil, fmt.Errorf("%w: %w", graph.ErrDimensionMismatch, err)
		}
		return nil, err
	}
	return e, nil
}

func closeGraph(client *neo4jdb.Client) {
	if err := client.Close(context.Background()); err != nil {
		appLog.Warn("close neo4j", "error", err)
	}
}
