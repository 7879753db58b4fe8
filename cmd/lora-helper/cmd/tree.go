package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"go-lora-helper/internal/config"
	"go-lora-helper/internal/database"
	"go-lora-helper/internal/library"
	"go-lora-helper/internal/models"
	"go-lora-helper/internal/tree"

	"github.com/spf13/cobra"
)

var (
	treeFormatFlag    string
	treeMaxDepthFlag  int
	treeNoCountsFlag  bool
	treeBaseModelFlag string
	treePathFlag      string

	treeShowCounts bool
)

var treeCmd = &cobra.Command{
	Use:   "tree [SOURCE]",
	Short: "Print the catalog as a merged folder tree",
	Long: `Builds the folder tree of catalogued models. Every model contributes the path
"Base Loras / <base model> / <sub folders>"; models sharing a prefix share the nodes
and each node counts the models beneath it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTree,
}

func init() {
	rootCmd.AddCommand(treeCmd)

	treeCmd.Flags().StringVar(&treeFormatFlag, "format", config.DefaultTreeFormat, "Output format (text, json)")
	treeCmd.Flags().IntVar(&treeMaxDepthFlag, "max-depth", config.DefaultTreeMaxDepth, "Limit text output depth (0 = unlimited)")
	treeCmd.Flags().BoolVar(&treeNoCountsFlag, "no-counts", false, "Hide model counts in text output")
	treeCmd.Flags().StringVar(&treeBaseModelFlag, "base-model", "", "Only include models of this base model (UNKNOWN for uncategorised)")
	treeCmd.Flags().StringVar(&treePathFlag, "path", "", "Print only the subtree at this node path, e.g. \"Base Loras/Pony\"")
}

func treeCliFlags(cmd *cobra.Command) *config.CliTreeFlags {
	f := cmd.Flags()
	treeShowCounts = !treeNoCountsFlag
	return &config.CliTreeFlags{
		Format:     changedString(f.Changed("format"), &treeFormatFlag),
		MaxDepth:   changedInt(f.Changed("max-depth"), &treeMaxDepthFlag),
		ShowCounts: changedBool(f.Changed("no-counts"), &treeShowCounts),
	}
}

func runTree(cmd *cobra.Command, args []string) error {
	q := library.TreeQuery{
		BaseModel: treeBaseModelFlag,
		Path:      treePathFlag,
	}
	if source := sourceArg(args); source != "" {
		abs, err := filepath.Abs(source)
		if err != nil {
			return fmt.Errorf("resolving source path %s: %w", source, err)
		}
		q.SourcePath = abs
	}

	db, err := openCatalog(globalConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	return printTree(cmd.OutOrStdout(), db, globalConfig.Tree, q)
}

// printTree writes the tree selected by q in the configured format.
func printTree(w io.Writer, db *database.DB, cfg models.TreeConfig, q library.TreeQuery) error {
	entries, err := db.ListEntries(database.EntryFilter{})
	if err != nil {
		return err
	}

	root := library.Subtree(entries, q)
	if root == nil {
		if q.Path != "" {
			return fmt.Errorf("no folder %q in the tree", q.Path)
		}
		fmt.Fprintln(w, "No models in the catalog. Run 'lora-helper scan' first.")
		return nil
	}

	if cfg.Format == "json" {
		data, err := json.MarshalIndent(root, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding tree: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	return tree.Render(w, root, tree.RenderOptions{ShowCounts: cfg.ShowCounts, MaxDepth: cfg.MaxDepth})
}
