package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"go-lora-helper/internal/api"
	"go-lora-helper/internal/config"
	"go-lora-helper/internal/database"
	"go-lora-helper/internal/downloader"
	"go-lora-helper/internal/hashcache"
	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/index"
	"go-lora-helper/internal/models"
	"go-lora-helper/internal/scanner"

	"github.com/blevesearch/bleve/v2"
	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	scanExtensionsFlag    []string
	scanConcurrencyFlag   int
	scanFetchMetadataFlag bool
	scanSaveMetadataFlag  bool
	scanPruneFlag         bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [SOURCE]",
	Short: "Scan a LoRA library into the catalog",
	Long: `Walks the library folder, hashes every model file (BLAKE3, cached between runs),
reads .civitai.info and a1111 .json sidecars, and records the results in the catalog
and search index. Entries for files that no longer exist are pruned.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringSliceVar(&scanExtensionsFlag, "ext", nil, "Model file extensions to include (overrides config)")
	scanCmd.Flags().IntVarP(&scanConcurrencyFlag, "concurrency", "c", 0, "Number of hashing workers (overrides config)")
	scanCmd.Flags().BoolVar(&scanFetchMetadataFlag, "fetch-metadata", false, "Look up files without a .civitai.info on Civitai by hash")
	scanCmd.Flags().BoolVar(&scanSaveMetadataFlag, "save-metadata", false, "Write fetched metadata as .civitai.info next to the model")
	scanCmd.Flags().BoolVar(&scanPruneFlag, "prune", true, "Remove catalog entries for files no longer on disk")
}

func scanCliFlags(cmd *cobra.Command) *config.CliScanFlags {
	f := cmd.Flags()
	return &config.CliScanFlags{
		Extensions:    changedStrings(f.Changed("ext"), &scanExtensionsFlag),
		Concurrency:   changedInt(f.Changed("concurrency"), &scanConcurrencyFlag),
		FetchMetadata: changedBool(f.Changed("fetch-metadata"), &scanFetchMetadataFlag),
		SaveMetadata:  changedBool(f.Changed("save-metadata"), &scanSaveMetadataFlag),
		Prune:         changedBool(f.Changed("prune"), &scanPruneFlag),
	}
}

// civitaiBaseURL is the API root used for metadata lookups.
var civitaiBaseURL = api.CivitaiApiBaseUrl

// scanSummary reports what a scan changed.
type scanSummary struct {
	Found   int
	Fetched int
	Written int
	Pruned  int
}

func runScan(cmd *cobra.Command, args []string) error {
	source := sourceArg(args)
	if source == "" {
		return fmt.Errorf("no source path given; pass it as an argument, with --source or set SourcePath in the config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	writer := uilive.New()
	writer.Start()
	summary, err := scanLibrary(ctx, globalConfig, source, globalHttpTransport, writer)
	writer.Stop()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d model files (%d fetched from Civitai, %d sidecars written, %d pruned)\n",
		summary.Found, summary.Fetched, summary.Written, summary.Pruned)
	return nil
}

// scanLibrary runs a full scan of source and stores the results. Progress is
// written to progressOut, which may be nil.
func scanLibrary(ctx context.Context, cfg models.Config, source string, transport http.RoundTripper, progressOut io.Writer) (scanSummary, error) {
	var summary scanSummary

	if !helpers.CheckAndMakeDir(cfg.DataPath) {
		return summary, fmt.Errorf("could not create data path %s", cfg.DataPath)
	}

	db, err := openCatalog(cfg)
	if err != nil {
		return summary, err
	}
	defer db.Close()

	cache, err := hashcache.Open(cfg.HashCachePath)
	if err != nil {
		return summary, err
	}
	defer cache.Close()

	idx, err := openSearchIndex(cfg)
	if err != nil {
		return summary, err
	}
	defer idx.Close()

	s := &scanner.Scanner{
		Extensions:  cfg.Scan.Extensions,
		Concurrency: cfg.Scan.Concurrency,
		Hasher:      hashcache.CachedHasher{Cache: cache, Hash: helpers.HashFile},
	}

	log.Infof("Scanning %s", source)
	entries, err := s.Scan(ctx, source, func(done, total int, path string) {
		if progressOut != nil {
			fmt.Fprintf(progressOut, "Hashing %d/%d: %s\n", done, total, filepath.Base(path))
		}
	})
	if err != nil {
		return summary, err
	}
	summary.Found = len(entries)

	if cfg.Scan.FetchMetadata {
		fetched, written := fetchMissingMetadata(ctx, cfg, transport, entries, progressOut)
		summary.Fetched, summary.Written = fetched, written
	}

	keep := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if err := db.PutEntry(entry); err != nil {
			return summary, err
		}
		keep[entry.Path] = struct{}{}
	}
	if err := index.IndexEntries(idx, entries); err != nil {
		return summary, err
	}

	if cfg.Scan.Prune {
		root, err := filepath.Abs(source)
		if err != nil {
			return summary, fmt.Errorf("resolving source path %s: %w", source, err)
		}
		summary.Pruned, err = pruneCatalog(db, idx, root, keep)
		if err != nil {
			return summary, err
		}
	}

	log.WithField("hashCacheSize", cache.Len()).Debug("Scan complete")
	return summary, nil
}

// pruneCatalog drops catalog and index entries under root that are not in keep.
func pruneCatalog(db *database.DB, idx bleve.Index, root string, keep map[string]struct{}) (int, error) {
	existing, err := db.ListEntries(database.EntryFilter{SourcePath: root})
	if err != nil {
		return 0, err
	}
	for _, entry := range existing {
		if _, ok := keep[entry.Path]; ok {
			continue
		}
		if err := index.DeleteEntry(idx, entry.Path); err != nil {
			log.WithError(err).Warnf("Failed to remove %s from the search index", entry.Path)
		}
	}
	return db.PruneMissing(root, keep)
}

// fetchMissingMetadata looks up entries without a .civitai.info sidecar by hash.
// Entries are updated in place.
func fetchMissingMetadata(ctx context.Context, cfg models.Config, transport http.RoundTripper, entries []models.ModelEntry, progressOut io.Writer) (fetched, written int) {
	client := api.NewClient(cfg.APIKey, nil, cfg)
	client.HttpClient.Transport = transport
	client.BaseURL = civitaiBaseURL
	previews := downloader.NewDownloader(nil, cfg.APIKey)

	for i := range entries {
		entry := &entries[i]
		if entry.MetadataSource == models.MetadataSourceCivitaiInfo || entry.Blake3 == "" {
			continue
		}
		if ctx.Err() != nil {
			return fetched, written
		}
		if progressOut != nil {
			fmt.Fprintf(progressOut, "Looking up %d/%d: %s\n", i+1, len(entries), entry.FileName)
		}

		version, err := client.GetModelVersionByHash(ctx, entry.Blake3)
		if err != nil {
			switch {
			case errors.Is(err, api.ErrNotFound):
				log.Debugf("No Civitai match for %s", entry.FileName)
				continue
			case errors.Is(err, api.ErrUnauthorized):
				log.WithError(err).Error("Civitai rejected the API key, skipping remaining lookups")
				return fetched, written
			default:
				log.WithError(err).Warnf("Civitai lookup failed for %s", entry.FileName)
				continue
			}
		}

		if !versionHasHash(version, entry.Blake3) {
			primary, _ := version.PrimaryFile()
			log.Warnf("Civitai version %d (primary file %q) does not list the hash of %s", version.ID, primary.Name, entry.FileName)
		}
		entry.ApplyVersion(version, models.MetadataSourceCivitaiAPI)
		fetched++

		if cfg.Scan.SaveMetadata {
			target, err := scanner.WriteCivitaiInfo(entry.Path, version)
			if err != nil {
				log.WithError(err).Warnf("Failed to save metadata for %s", entry.FileName)
				continue
			}
			log.Debugf("Wrote %s", target)
			written++

			if _, _, err := previews.DownloadPreview(ctx, entry.Path, version); err != nil && !errors.Is(err, downloader.ErrNoPreview) {
				log.WithError(err).Warnf("Failed to save preview for %s", entry.FileName)
			}
		}
	}
	return fetched, written
}

func versionHasHash(version models.ModelVersion, blake3Hex string) bool {
	for _, f := range version.Files {
		if helpers.HashesMatch(blake3Hex, f.Hashes) {
			return true
		}
	}
	return false
}
