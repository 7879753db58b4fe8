// Package server exposes the catalog over a small JSON API for the desktop UI.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go-lora-helper/internal/database"
	"go-lora-helper/internal/index"
	"go-lora-helper/internal/library"
	"go-lora-helper/internal/models"
	"go-lora-helper/internal/prompt"
	"go-lora-helper/internal/tree"

	"github.com/blevesearch/bleve/v2"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Server serves the catalog and its merged folder tree.
type Server struct {
	db     *database.DB
	idx    bleve.Index
	cfg    models.Config
	trees  *lru.Cache[string, *tree.FolderNode]
	router *gin.Engine
}

type filterRequest struct {
	Text      string   `json:"text"`
	Blacklist []string `json:"blacklist"`
	Whitelist []string `json:"whitelist"`
}

// New builds a Server. idx may be nil, in which case search is unavailable.
func New(db *database.DB, idx bleve.Index, cfg models.Config) (*Server, error) {
	if db == nil {
		return nil, fmt.Errorf("server requires a catalog database")
	}
	size := cfg.Serve.CacheSize
	if size < 1 {
		size = 1
	}
	cache, err := lru.New[string, *tree.FolderNode](size)
	if err != nil {
		return nil, fmt.Errorf("creating tree cache: %w", err)
	}

	s := &Server{db: db, idx: idx, cfg: cfg, trees: cache}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api")
	{
		api.GET("/tree", s.getTree)
		api.GET("/models", s.getModels)
		api.GET("/search", s.getSearch)
		api.GET("/stats", s.getStats)
		api.POST("/prompt/filter", s.postPromptFilter)
		api.POST("/cache/purge", s.postCachePurge)
	}
	return r
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run listens on addr, falling back to the configured address.
func (s *Server) Run(addr string) error {
	if strings.TrimSpace(addr) == "" {
		addr = s.cfg.Serve.Addr
	}
	log.Infof("Serving catalog API on http://%s", addr)
	return s.router.Run(addr)
}

// PurgeCache drops every cached tree.
func (s *Server) PurgeCache() {
	s.trees.Purge()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(log.Fields{
			"status": c.Writer.Status(),
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Debug("request")
	}
}

func (s *Server) getTree(c *gin.Context) {
	var q library.TreeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := q.CacheKey()
	if node, ok := s.trees.Get(key); ok {
		c.JSON(http.StatusOK, gin.H{"tree": node, "cached": true})
		return
	}

	entries, err := s.db.ListEntries(database.EntryFilter{})
	if err != nil {
		log.WithError(err).Error("Listing catalog entries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read catalog"})
		return
	}
	node := library.Subtree(entries, q)
	if node == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no models match the query"})
		return
	}
	s.trees.Add(key, node)
	c.JSON(http.StatusOK, gin.H{"tree": node, "cached": false})
}

func (s *Server) getModels(c *gin.Context) {
	filter := database.EntryFilter{
		SourcePath: c.Query("source"),
		BaseModel:  c.Query("baseModel"),
	}
	entries, err := s.db.ListEntries(filter)
	if err != nil {
		log.WithError(err).Error("Listing catalog entries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read catalog"})
		return
	}
	if entries == nil {
		entries = []models.ModelEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "models": entries})
}

func (s *Server) getSearch(c *gin.Context) {
	if s.idx == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search index not available"})
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	hits, err := index.Search(s.idx, q, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if hits == nil {
		hits = []index.Hit{}
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "hits": hits})
}

func (s *Server) getStats(c *gin.Context) {
	counts, err := s.db.CountByBaseModel()
	if err != nil {
		log.WithError(err).Error("Counting catalog entries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read catalog"})
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       total,
		"byBaseModel": counts,
		"cachedTrees": s.trees.Len(),
	})
}

// postPromptFilter applies the request lists, or the configured ones when the
// request carries none.
func (s *Server) postPromptFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	blacklist, whitelist := req.Blacklist, req.Whitelist
	if len(blacklist) == 0 && len(whitelist) == 0 {
		blacklist, whitelist = s.cfg.Prompt.Blacklist, s.cfg.Prompt.Whitelist
	}

	f := prompt.NewFilter(blacklist, whitelist)
	c.JSON(http.StatusOK, gin.H{"text": f.Apply(req.Text)})
}

func (s *Server) postCachePurge(c *gin.Context) {
	purged := s.trees.Len()
	s.PurgeCache()
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}
