package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/daemonphantom/BA-TUB-Bot/internal/embeddings"
	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
	"github.com/daemonphantom/BA-TUB-Bot/internal/search"
)

// KeywordIndex is the part of *search.Index the server uses.
type KeywordIndex interface {
	Search(text string, limit int, filters graph.Filters) ([]graph.Hit, error)
	Count() (uint64, error)
}

type Server struct {
	idx       KeywordIndex
	retriever *graph.Retriever
	embedder  embeddings.Embedder
	origins   []string
	log       *logger.Logger
}

type SearchResponse struct {
	Results []graph.Hit `json:"results"`
	Query   string      `json:"query"`
	Mode    string      `json:"mode"`
	Count   int         `json:"count"`
}

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewServer wires the JSON API. idx and embedder may be nil, which disables
// keyword and semantic search respectively.
func NewServer(idx KeywordIndex, retriever *graph.Retriever, embedder embeddings.Embedder, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{idx: idx, retriever: retriever, embedder: embedder, log: log.With("component", "web")}
}

// WithCORS allows browser clients from the given origins.
func (s *Server) WithCORS(origins []string) *Server {
	s.origins = origins
	return s
}

func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())
	if len(s.origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.origins,
			AllowMethods: []string{"GET", "OPTIONS"},
			AllowHeaders: []string{"Content-Type"},
		}))
	}

	router.GET("/health", s.handleHealth)
	api := router.Group("/api")
	{
		api.GET("/search", s.handleSearch)
		api.GET("/posts/:id/context", s.handleContext)
		api.GET("/stats", s.handleStats)
	}
	return router
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, graph.ErrInvalidFilter):
		return http.StatusBadRequest, "invalid_filter"
	case errors.Is(err, graph.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, graph.ErrDimensionMismatch):
		return http.StatusInternalServerError, "dimension_mismatch"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func parseFilters(c *gin.Context) (graph.Filters, error) {
	f := graph.Filters{
		CourseID:    c.Query("course_id"),
		Semester:    c.Query("semester"),
		Author:      c.Query("author"),
		OnlyRoots:   c.Query("only_roots") == "true",
		OnlyReplies: c.Query("only_replies") == "true",
	}
	var err error
	if f.Before, err = graph.ParseTime(c.Query("before")); err != nil {
		return f, err
	}
	if f.After, err = graph.ParseTime(c.Query("after")); err != nil {
		return f, err
	}
	return f, f.Validate()
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		respondError(c, http.StatusBadRequest, "missing_query", errors.New("missing q parameter"))
		return
	}

	mode := c.DefaultQuery("mode", "semantic")

	limit := 10
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}

	semanticWeight := 0.3 // weight is the semantic share in hybrid mode
	if w, err := strconv.ParseFloat(c.Query("weight"), 64); err == nil && w >= 0 && w <= 1 {
		semanticWeight = w
	}

	filters, err := parseFilters(c)
	if err != nil {
		status, code := statusFor(err)
		respondError(c, status, code, err)
		return
	}

	var results []graph.Hit
	switch mode {
	case "keyword":
		results, err = s.keyword(query, limit, filters)
	case "semantic":
		results, err = s.semantic(c.Request.Context(), query, limit, filters)
	case "hybrid":
		var kw, sem []graph.Hit
		candidates := limit * search.CandidateFactor
		if kw, err = s.keyword(query, candidates, filters); err == nil {
			if sem, err = s.semantic(c.Request.Context(), query, candidates, filters); err == nil {
				results, err = search.Hybrid(kw, sem, limit, 1-semanticWeight)
			}
		}
	default:
		respondError(c, http.StatusBadRequest, "invalid_mode", errors.New("mode must be keyword, semantic or hybrid"))
		return
	}
	if err != nil {
		s.log.Warn("search failed", "mode", mode, "error", err)
		status, code := statusFor(err)
		respondError(c, status, code, err)
		return
	}
	if results == nil {
		results = []graph.Hit{}
	}

	c.JSON(http.StatusOK, SearchResponse{Results: results, Query: query, Mode: mode, Count: len(results)})
}

var errUnavailable = errors.New("not available")

func (s *Server) keyword(query string, limit int, filters graph.Filters) ([]graph.Hit, error) {
	if s.idx == nil {
		return nil, errors.Join(errUnavailable, errors.New("keyword index not loaded"))
	}
	return s.idx.Search(query, limit, filters)
}

func (s *Server) semantic(ctx context.Context, query string, limit int, filters graph.Filters) ([]graph.Hit, error) {
	if s.embedder == nil || s.retriever == nil {
		return nil, errors.Join(errUnavailable, errors.New("semantic search not configured"))
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.retriever.Search(ctx, vec, limit, filters)
}

func (s *Server) handleContext(c *gin.Context) {
	if s.retriever == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", errors.New("graph not configured"))
		return
	}
	depth := 2
	if d, err := strconv.Atoi(c.Query("depth")); err == nil {
		depth = d
	}
	out, err := s.retriever.ExpandContext(c.Request.Context(), c.Param("id"), depth)
	if err != nil {
		status, code := statusFor(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStats(c *gin.Context) {
	if s.retriever == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", errors.New("graph not configured"))
		return
	}
	stats, err := s.retriever.Stats(c.Request.Context())
	if err != nil {
		status, code := statusFor(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHealth(c *gin.Context) {
	var indexCount uint64
	if s.idx != nil {
		indexCount, _ = s.idx.Count()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"posts_in_index":       indexCount,
		"graph_available":      s.retriever != nil,
		"embeddings_available": s.embedder != nil,
	})
}
