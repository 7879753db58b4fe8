// Package library turns catalog entries into folder trees.
package library

import (
	"path/filepath"
	"strings"

	"go-lora-helper/internal/models"
	"go-lora-helper/internal/tree"
)

// TreeQuery narrows the entries that make up a tree. Empty fields match all.
type TreeQuery struct {
	SourcePath string `form:"source" json:"source"`
	BaseModel  string `form:"baseModel" json:"baseModel"`
	Path       string `form:"path" json:"path"`
}

// CacheKey identifies the query for result caching.
func (q TreeQuery) CacheKey() string {
	return strings.Join([]string{
		filepath.Clean(strings.TrimSpace(q.SourcePath)),
		strings.ToLower(strings.TrimSpace(q.BaseModel)),
		strings.ToLower(strings.TrimSpace(q.Path)),
	}, "\x00")
}

// SegmentsForEntry returns the tree segments for one catalog entry.
func SegmentsForEntry(entry models.ModelEntry) []string {
	return tree.BuildSegments(entry.SourcePath, entry.Folder, entry.BaseModel)
}

// BuildTree merges the segments of every entry. It returns nil for no entries.
func BuildTree(entries []models.ModelEntry) *tree.FolderNode {
	lists := make([][]string, 0, len(entries))
	for _, entry := range entries {
		lists = append(lists, SegmentsForEntry(entry))
	}
	return tree.MergeTree(lists)
}

// FilterEntries keeps entries matching the query's source path and base model.
// UNKNOWN and the unknown category label select entries without a base model.
func FilterEntries(entries []models.ModelEntry, q TreeQuery) []models.ModelEntry {
	source := strings.TrimSpace(q.SourcePath)
	if source != "" {
		source = filepath.Clean(source)
	}
	wanted := strings.TrimSpace(q.BaseModel)
	if wanted != "" {
		wanted = categoryOf(models.ModelEntry{BaseModel: wanted})
	}

	var out []models.ModelEntry
	for _, entry := range entries {
		if source != "" && filepath.Clean(entry.SourcePath) != source {
			continue
		}
		if wanted != "" && !strings.EqualFold(categoryOf(entry), wanted) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func categoryOf(entry models.ModelEntry) string {
	if label, ok := tree.NormalizeCategory(entry.BaseModel); ok {
		return label
	}
	return tree.UnknownCategoryLabel
}

// Subtree builds the tree for q and returns the node at q.Path, or the root
// when no path is given. It returns nil when nothing matches.
func Subtree(entries []models.ModelEntry, q TreeQuery) *tree.FolderNode {
	root := BuildTree(FilterEntries(entries, q))
	if root == nil || strings.TrimSpace(q.Path) == "" {
		return root
	}
	return root.Find(strings.TrimSpace(q.Path))
}
