package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"go-lora-helper/internal/database"
	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/index"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dbViewBaseModelFlag   string
	dbVerifyCheckHashFlag bool
)

// dbCmd represents the base command for catalog operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the model catalog",
	Long:  `Perform operations like viewing, verifying, or removing entries in the model catalog.`,
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List catalogued models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(db *database.DB) error {
			return printCatalog(cmd.OutOrStdout(), db, database.EntryFilter{BaseModel: dbViewBaseModelFlag})
		})
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show model counts per base model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(db *database.DB) error {
			return printStats(cmd.OutOrStdout(), db)
		})
	},
}

var dbRemoveCmd = &cobra.Command{
	Use:   "remove PATH...",
	Short: "Remove entries from the catalog (files on disk are left alone)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDbRemove,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check catalogued files still exist and optionally match their hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(db *database.DB) error {
			stats, err := verifyCatalog(cmd.OutOrStdout(), db, dbVerifyCheckHashFlag)
			if err != nil {
				return err
			}
			log.Infof("Verified %d entries: %d ok, %d missing, %d hash mismatches",
				stats.Total, stats.OK, stats.Missing, stats.Mismatched)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd)
	dbCmd.AddCommand(dbStatsCmd)
	dbCmd.AddCommand(dbRemoveCmd)
	dbCmd.AddCommand(dbVerifyCmd)

	dbViewCmd.Flags().StringVar(&dbViewBaseModelFlag, "base-model", "", "Only list models of this base model")
	dbVerifyCmd.Flags().BoolVar(&dbVerifyCheckHashFlag, "check-hash", false, "Recompute BLAKE3 hashes and compare them with the catalog")
}

func withCatalog(fn func(db *database.DB) error) error {
	db, err := openCatalog(globalConfig)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func printCatalog(w io.Writer, db *database.DB, filter database.EntryFilter) error {
	entries, err := db.ListEntries(filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Model Name\tBase Model\tSize\tMetadata\tPath")
	fmt.Fprintln(tw, "----------\t----------\t----\t--------\t----")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.DisplayName(), e.BaseModel, helpers.BytesToSize(uint64(e.SizeBytes)), e.MetadataSource, e.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	log.Infof("Displayed %d entries.", len(entries))
	return nil
}

func printStats(w io.Writer, db *database.DB) error {
	counts, err := db.CountByBaseModel()
	if err != nil {
		return err
	}
	labels := make([]string, 0, len(counts))
	total := 0
	for label, n := range counts {
		labels = append(labels, label)
		total += n
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return strings.ToLower(labels[i]) < strings.ToLower(labels[j])
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Base Model\tModels")
	for _, label := range labels {
		fmt.Fprintf(tw, "%s\t%d\n", label, counts[label])
	}
	fmt.Fprintf(tw, "Total\t%d\n", total)
	return tw.Flush()
}

func runDbRemove(cmd *cobra.Command, args []string) error {
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

	removed := 0
	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", arg, err)
		}
		if !db.Has(path) {
			log.Warnf("%s is not in the catalog", path)
			continue
		}
		if err := db.DeleteEntry(path); err != nil {
			return err
		}
		if err := index.DeleteEntry(idx, path); err != nil {
			log.WithError(err).Warnf("Failed to remove %s from the search index", path)
		}
		removed++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d catalog entries\n", removed)
	return nil
}

// VerificationStats holds statistics from a verify run
type VerificationStats struct {
	Total      int
	OK         int
	Missing    int
	Mismatched int
}

// verifyCatalog reports entries whose file is gone or, with checkHash, whose
// content no longer matches the recorded digest.
func verifyCatalog(w io.Writer, db *database.DB, checkHash bool) (VerificationStats, error) {
	var stats VerificationStats
	entries, err := db.ListEntries(database.EntryFilter{})
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		stats.Total++
		if _, err := os.Stat(e.Path); err != nil {
			stats.Missing++
			fmt.Fprintf(w, "missing:  %s\n", e.Path)
			continue
		}
		if checkHash && e.Blake3 != "" {
			digest, err := helpers.HashFile(e.Path)
			if err != nil {
				log.WithError(err).Warnf("Failed to hash %s", e.Path)
			} else if !strings.EqualFold(digest, e.Blake3) {
				stats.Mismatched++
				fmt.Fprintf(w, "changed:  %s\n", e.Path)
				continue
			}
		}
		stats.OK++
	}
	return stats, nil
}
