package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"go-lora-helper/internal/config"
	"go-lora-helper/internal/database"
	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/index"
	"go-lora-helper/internal/models"
	"go-lora-helper/internal/sorter"

	"github.com/blevesearch/bleve/v2"
	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sortTargetFlag    string
	sortPatternFlag   string
	sortMoveFlag      bool
	sortDryRunFlag    bool
	sortOverwriteFlag bool
	sortBaseModelFlag string
)

var sortCmd = &cobra.Command{
	Use:   "sort [SOURCE]",
	Short: "Copy or move catalogued models into a pattern based layout",
	Long: `Places every catalogued model (and its sidecar files) under the target folder
using a path pattern. Supported tags: {baseModel}, {category}, {modelName},
{modelType}, {creatorName}, {versionName}, {fileName}, {versionId}, {modelId}.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSort,
}

func init() {
	rootCmd.AddCommand(sortCmd)

	sortCmd.Flags().StringVar(&sortTargetFlag, "target", "", "Target directory (overrides config)")
	sortCmd.Flags().StringVar(&sortPatternFlag, "pattern", config.DefaultSortPathPattern, "Path pattern below the target (overrides config)")
	sortCmd.Flags().BoolVar(&sortMoveFlag, "move", false, "Move files instead of copying them")
	sortCmd.Flags().BoolVar(&sortDryRunFlag, "dry-run", false, "Only print what would happen")
	sortCmd.Flags().BoolVar(&sortOverwriteFlag, "overwrite", false, "Replace files that already exist at the target")
	sortCmd.Flags().StringVar(&sortBaseModelFlag, "base-model", "", "Only sort models of this base model")
}

func sortCliFlags(cmd *cobra.Command) *config.CliSortFlags {
	f := cmd.Flags()
	return &config.CliSortFlags{
		TargetPath:  changedString(f.Changed("target"), &sortTargetFlag),
		PathPattern: changedString(f.Changed("pattern"), &sortPatternFlag),
		Move:        changedBool(f.Changed("move"), &sortMoveFlag),
		DryRun:      changedBool(f.Changed("dry-run"), &sortDryRunFlag),
		Overwrite:   changedBool(f.Changed("overwrite"), &sortOverwriteFlag),
	}
}

func runSort(cmd *cobra.Command, args []string) error {
	filter := database.EntryFilter{BaseModel: sortBaseModelFlag}
	if source := sourceArg(args); source != "" {
		abs, err := filepath.Abs(source)
		if err != nil {
			return fmt.Errorf("resolving source path %s: %w", source, err)
		}
		filter.SourcePath = abs
	}

	db, err := openCatalog(globalConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	idx, err := openSearchIndex(globalConfig)
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	writer := uilive.New()
	writer.Start()
	result, err := sortLibrary(ctx, db, idx, globalConfig.Sort, filter, writer)
	writer.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, op := range result.Ops {
		if op.Err != nil && !op.Sidecar {
			fmt.Fprintf(out, "  failed: %s: %v\n", op.Source, op.Err)
		}
	}
	fmt.Fprintf(out, "Copied %d, moved %d, skipped %d, failed %d (%s)\n",
		result.Copied, result.Moved, result.Skipped, result.Failed, helpers.BytesToSize(result.Bytes))
	return nil
}

// sortLibrary plans and executes a sort of the entries matching filter. Moved
// models are re-recorded at their new location.
func sortLibrary(ctx context.Context, db *database.DB, idx bleve.Index, cfg models.SortConfig, filter database.EntryFilter, progressOut io.Writer) (sorter.Result, error) {
	entries, err := db.ListEntries(filter)
	if err != nil {
		return sorter.Result{}, err
	}
	if len(entries) == 0 {
		log.Info("No catalogued models match, nothing to sort")
		return sorter.Result{}, nil
	}

	s := sorter.New(cfg)
	ops, err := s.Plan(entries)
	if err != nil {
		return sorter.Result{}, err
	}
	log.Infof("Planned %d file operations for %d models", len(ops), len(entries))

	result, err := s.Execute(ctx, ops, func(done, total int, op sorter.Operation) {
		if progressOut != nil {
			fmt.Fprintf(progressOut, "Sorting %d/%d: %s\n", done, total, filepath.Base(op.Source))
		}
	})
	if err != nil {
		return result, err
	}

	if cfg.Move && !cfg.DryRun {
		rehomeMoved(db, idx, cfg.TargetPath, entries, result.Ops)
	}
	return result, nil
}

// rehomeMoved updates catalog and index entries for models that were moved.
func rehomeMoved(db *database.DB, idx bleve.Index, targetPath string, entries []models.ModelEntry, ops []sorter.Operation) {
	byPath := make(map[string]models.ModelEntry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}
	target, err := filepath.Abs(targetPath)
	if err != nil {
		target = targetPath
	}

	for _, op := range ops {
		if op.Sidecar || op.Err != nil {
			continue
		}
		entry, ok := byPath[op.EntryPath]
		if !ok {
			continue
		}

		moved := entry
		moved.Path = op.Destination
		moved.FileName = filepath.Base(op.Destination)
		moved.Folder = filepath.Dir(op.Destination)
		moved.SourcePath = target

		if err := db.PutEntry(moved); err != nil {
			log.WithError(err).Errorf("Failed to record moved model %s", moved.Path)
			continue
		}
		if err := db.DeleteEntry(entry.Path); err != nil {
			log.WithError(err).Warnf("Failed to remove old catalog entry %s", entry.Path)
		}
		if err := index.DeleteEntry(idx, entry.Path); err != nil {
			log.WithError(err).Warnf("Failed to remove old index entry %s", entry.Path)
		}
		if err := index.IndexEntry(idx, moved); err != nil {
			log.WithError(err).Warnf("Failed to index moved model %s", moved.Path)
		}
	}
}
