package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/daemonphantom/BA-TUB-Bot/internal/embeddings"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/search"
	"github.com/daemonphantom/BA-TUB-Bot/internal/web"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search API over HTTP",
	Long: `Start the JSON API:

  GET /api/search?q=...&mode=semantic|keyword|hybrid&weight=0.3&limit=10
  GET /api/posts/:id/context?depth=2
  GET /api/stats
  GET /health

Search accepts the same filters as the query command (course_id, semester,
author, only_roots, only_replies, before, after). Semantic search is disabled
when Neo4j or the embedding provider is unavailable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := appLog.With("component", "serve")

		if cfg.Log.Mode == "prod" {
			gin.SetMode(gin.ReleaseMode)
		}

		idx, err := search.Open(cfg.IndexPath())
		if err != nil {
			return err
		}
		defer idx.Close()

		var retriever *graph.Retriever
		client, backend, err := openGraph(ctx)
		if err != nil {
			log.Warn("graph unavailable, semantic search disabled", "error", err)
		} else {
			defer closeGraph(client)
			retriever = graph.NewRetriever(backend, schema(), cfg.Retrieval.Overfetch, appLog)
		}

		var embedder embeddings.Embedder
		if e, err := openEmbedder(ctx); err != nil {
			log.Warn("embedding provider unavailable, semantic search disabled", "error", err)
		} else {
			embedder = e
		}

		addr := cfg.Serve.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           web.NewServer(idx, retriever, embedder, appLog).WithCORS(cfg.Serve.CORSOrigins).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("listening", "addr", "http://"+addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides serve.addr)")
	rootCmd.AddCommand(serveCmd)
}
