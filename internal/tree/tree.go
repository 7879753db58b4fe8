package tree

import (
	"sort"
	"strings"
)

const (
	// RootLabel names the single root of every merged tree.
	RootLabel = "Base Loras"
	// UnknownCategoryLabel replaces a missing or sentinel category.
	UnknownCategoryLabel = "Unknown Category"
	// UnknownSentinel is the category value metadata readers emit when nothing is known.
	UnknownSentinel = "UNKNOWN"
	// KeySeparator joins segments into a cumulative path key.
	KeySeparator = "/"
)

// FolderNode is one path segment within a merged tree.
type FolderNode struct {
	Name       string        `json:"name"`
	FullPath   string        `json:"fullPath"`
	ModelCount int           `json:"modelCount"`
	IsExpanded bool          `json:"isExpanded"`
	Children   []*FolderNode `json:"children"`
}

// NormalizeCategory trims a category label and reports whether it is usable.
// Blank labels and the UNKNOWN sentinel (any case) are absent.
func NormalizeCategory(category string) (string, bool) {
	trimmed := strings.TrimSpace(category)
	if trimmed == "" || strings.EqualFold(trimmed, UnknownSentinel) {
		return "", false
	}
	return trimmed, true
}

// BuildSegments returns the segment list for one item: the root label, the
// category (or the fallback label), then the folder path relative to sourcePath.
func BuildSegments(sourcePath, folderPath, category string) []string {
	label, hasCategory := NormalizeCategory(category)

	segments := []string{RootLabel, UnknownCategoryLabel}
	if hasCategory {
		segments[1] = label
	}

	if strings.TrimSpace(folderPath) == "" {
		return segments
	}

	relative := relativeSegments(sourcePath, folderPath)
	// Only a single leading duplicate of the category is stripped.
	if hasCategory && len(relative) > 0 && strings.EqualFold(relative[0], label) {
		relative = relative[1:]
	}

	return append(segments, relative...)
}

// relativeSegments drops the case-insensitive common prefix of source and folder
// and returns what is left of folder.
func relativeSegments(sourcePath, folderPath string) []string {
	source := SplitPath(sourcePath)
	folder := SplitPath(folderPath)

	common := 0
	for common < len(source) && common < len(folder) && strings.EqualFold(source[common], folder[common]) {
		common++
	}
	return folder[common:]
}

// SplitPath splits on both forward and back slashes and drops empty segments.
func SplitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}

// MergeTree merges segment lists into a tree rooted at RootLabel.
// It returns nil when no usable list is supplied.
func MergeTree(lists [][]string) *FolderNode {
	return MergeTreeRooted(RootLabel, lists)
}

// MergeTreeRooted is MergeTree with an explicit root label. The returned node is
// the one keyed by rootLabel, or nil if no list started with it.
func MergeTreeRooted(rootLabel string, lists [][]string) *FolderNode {
	nodes := make(map[string]*FolderNode)
	merged := 0

	for _, segments := range lists {
		if len(segments) == 0 {
			continue
		}
		merged++

		var parentKey, key string
		for depth, segment := range segments {
			if depth == 0 {
				key = segment
			} else {
				key = key + KeySeparator + segment
			}

			lookup := strings.ToLower(key)
			node, ok := nodes[lookup]
			if !ok {
				node = &FolderNode{
					Name:       segment,
					FullPath:   key,
					IsExpanded: depth <= 1,
				}
				nodes[lookup] = node
				if depth > 0 {
					if parent, found := nodes[strings.ToLower(parentKey)]; found {
						parent.Children = append(parent.Children, node)
					}
				}
			}
			node.ModelCount++
			parentKey = key
		}
	}

	if merged == 0 {
		return nil
	}

	root, ok := nodes[strings.ToLower(rootLabel)]
	if !ok {
		return nil
	}
	SortChildren(root)
	return root
}

// SortChildren orders every child list below node by name, case-insensitively.
func SortChildren(node *FolderNode) {
	if node == nil {
		return
	}
	sort.SliceStable(node.Children, func(i, j int) bool {
		return strings.ToLower(node.Children[i].Name) < strings.ToLower(node.Children[j].Name)
	})
	for _, child := range node.Children {
		SortChildren(child)
	}
}

// Find returns the descendant (or node itself) whose FullPath matches, ignoring case.
func (n *FolderNode) Find(fullPath string) *FolderNode {
	var found *FolderNode
	n.Walk(func(node *FolderNode, _ int) bool {
		if strings.EqualFold(node.FullPath, fullPath) {
			found = node
			return false
		}
		return true
	})
	return found
}

// Walk visits the subtree in pre-order. Returning false from fn stops the walk.
func (n *FolderNode) Walk(fn func(node *FolderNode, depth int) bool) {
	if n == nil {
		return
	}
	walk(n, 0, fn)
}

func walk(n *FolderNode, depth int, fn func(*FolderNode, int) bool) bool {
	if !fn(n, depth) {
		return false
	}
	for _, child := range n.Children {
		if !walk(child, depth+1, fn) {
			return false
		}
	}
	return true
}
