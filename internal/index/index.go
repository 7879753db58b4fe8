// Package index keeps a bleve full-text index over catalog entries.
package index

import (
	"errors"
	"fmt"
	"strings"

	"go-lora-helper/internal/models"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	log "github.com/sirupsen/logrus"
)

// Document is the indexed form of a catalog entry. Documents are keyed by
// the entry path.
type Document struct {
	Name         string   `json:"name"`
	ModelName    string   `json:"modelName"`
	BaseModel    string   `json:"baseModel"`
	Folder       string   `json:"folder"`
	TrainedWords []string `json:"trainedWords"`
	Creator      string   `json:"creator"`
}

// Hit is one search result.
type Hit struct {
	Path      string  `json:"path"`
	Score     float64 `json:"score"`
	Name      string  `json:"name"`
	ModelName string  `json:"modelName,omitempty"`
	BaseModel string  `json:"baseModel,omitempty"`
}

func buildMapping() mapping.IndexMapping {
	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("baseModel", keyword)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// OpenOrCreateIndex opens the index at path, creating it when missing.
// An empty path gives an in-memory index.
func OpenOrCreateIndex(path string) (bleve.Index, error) {
	if path == "" {
		return bleve.NewMemOnly(buildMapping())
	}
	idx, err := bleve.Open(path)
	if err == nil {
		log.Debugf("Opened search index at %s", path)
		return idx, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, fmt.Errorf("opening search index %s: %w", path, err)
	}
	idx, err = bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("creating search index %s: %w", path, err)
	}
	log.Infof("Created search index at %s", path)
	return idx, nil
}

// DocumentFor converts a catalog entry into its indexed form.
func DocumentFor(entry models.ModelEntry) Document {
	return Document{
		Name:         entry.DisplayName(),
		ModelName:    entry.ModelName,
		BaseModel:    entry.BaseModel,
		Folder:       entry.Folder,
		TrainedWords: entry.TrainedWords,
		Creator:      entry.CreatorName,
	}
}

// IndexEntry adds or replaces the document for entry.
func IndexEntry(idx bleve.Index, entry models.ModelEntry) error {
	if err := idx.Index(entry.Path, DocumentFor(entry)); err != nil {
		return fmt.Errorf("indexing %s: %w", entry.Path, err)
	}
	return nil
}

// IndexEntries indexes entries in a single batch.
func IndexEntries(idx bleve.Index, entries []models.ModelEntry) error {
	batch := idx.NewBatch()
	for _, entry := range entries {
		if err := batch.Index(entry.Path, DocumentFor(entry)); err != nil {
			return fmt.Errorf("indexing %s: %w", entry.Path, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("writing index batch: %w", err)
	}
	return nil
}

// DeleteEntry removes the document for path.
func DeleteEntry(idx bleve.Index, path string) error {
	if err := idx.Delete(path); err != nil {
		return fmt.Errorf("removing %s from index: %w", path, err)
	}
	return nil
}

// Search runs a query-string search and returns up to limit hits.
func Search(idx bleve.Index, query string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		limit = 20
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	req.Fields = []string{"name", "modelName", "baseModel"}

	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{
			Path:      h.ID,
			Score:     h.Score,
			Name:      fieldString(h.Fields, "name"),
			ModelName: fieldString(h.Fields, "modelName"),
			BaseModel: fieldString(h.Fields, "baseModel"),
		})
	}
	return hits, nil
}

func fieldString(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
