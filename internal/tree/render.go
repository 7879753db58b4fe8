package tree

import (
	"bufio"
	"fmt"
	"io"
)

// RenderOptions controls the text rendering of a tree.
type RenderOptions struct {
	ShowCounts bool
	// MaxDepth limits how deep the rendering goes; 0 means unlimited.
	MaxDepth int
}

// Render writes root and its descendants to w using box-drawing connectors.
func Render(w io.Writer, root *FolderNode, opts RenderOptions) error {
	if root == nil {
		return nil
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, label(root, opts))
	renderChildren(bw, root, "", 1, opts)
	return bw.Flush()
}

func renderChildren(w io.Writer, node *FolderNode, prefix string, depth int, opts RenderOptions) {
	if opts.MaxDepth > 0 && depth > opts.MaxDepth {
		return
	}
	for i, child := range node.Children {
		last := i == len(node.Children)-1
		connector, indent := "├── ", "│   "
		if last {
			connector, indent = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s\n", prefix, connector, label(child, opts))
		renderChildren(w, child, prefix+indent, depth+1, opts)
	}
}

func label(node *FolderNode, opts RenderOptions) string {
	if !opts.ShowCounts {
		return node.Name
	}
	return fmt.Sprintf("%s (%d)", node.Name, node.ModelCount)
}
