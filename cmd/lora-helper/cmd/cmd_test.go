package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"go-lora-helper/internal/database"
	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/index"
	"go-lora-helper/internal/library"
	"go-lora-helper/internal/models"
	"go-lora-helper/internal/prompt"
	"go-lora-helper/internal/tree"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// testConfig points every store into a fresh temp directory.
func testConfig(t *testing.T) models.Config {
	t.Helper()
	data := filepath.Join(t.TempDir(), "data")
	return models.Config{
		DataPath:       data,
		DatabasePath:   filepath.Join(data, "catalog.db"),
		HashCachePath:  filepath.Join(data, "hashcache"),
		BleveIndexPath: filepath.Join(data, "catalog.bleve"),
		Scan: models.ScanConfig{
			Extensions:  []string{".safetensors", ".pt"},
			Concurrency: 2,
			Prune:       true,
		},
		Tree:       models.TreeConfig{Format: "text", ShowCounts: true},
		MaxRetries: 1,
	}
}

// testLibrary lays out a small library:
//
//	Pony/characters/hero.safetensors  (.civitai.info, Pony)
//	Pony/characters/villain.safetensors  (a1111 .json, sdxl)
//	styles/ink.pt  (no metadata)
func testLibrary(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Pony", "characters", "hero.safetensors"), "hero-weights")
	writeFile(t, filepath.Join(src, "Pony", "characters", "hero.civitai.info"),
		`{"id": 11, "modelId": 3, "baseModel": "Pony", "name": "v1", "model": {"name": "Caped Hero", "type": "LORA"}, "trainedWords": ["red cape", "nsfw"]}`)
	writeFile(t, filepath.Join(src, "Pony", "characters", "villain.safetensors"), "villain-weights")
	writeFile(t, filepath.Join(src, "Pony", "characters", "villain.json"), `{"sd version": "SDXL", "activation text": "dark cloak, evil grin"}`)
	writeFile(t, filepath.Join(src, "styles", "ink.pt"), "ink")
	writeFile(t, filepath.Join(src, "styles", "notes.txt"), "not a model")
	return src
}

func scanTestLibrary(t *testing.T, cfg models.Config, src string) scanSummary {
	t.Helper()
	summary, err := scanLibrary(context.Background(), cfg, src, http.DefaultTransport, nil)
	require.NoError(t, err)
	return summary
}

func TestScanLibrary(t *testing.T) {
	cfg := testConfig(t)
	src := testLibrary(t)

	summary := scanTestLibrary(t, cfg, src)
	assert.Equal(t, 3, summary.Found)
	assert.Equal(t, 0, summary.Pruned)

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()

	hero, err := db.GetEntry(filepath.Join(src, "Pony", "characters", "hero.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "Pony", hero.BaseModel)
	assert.Equal(t, "Caped Hero", hero.ModelName)
	assert.Equal(t, models.MetadataSourceCivitaiInfo, hero.MetadataSource)
	assert.NotEmpty(t, hero.Blake3)

	villain, err := db.GetEntry(filepath.Join(src, "Pony", "characters", "villain.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "SDXL 1.0", villain.BaseModel)
	assert.Equal(t, []string{"dark cloak", "evil grin"}, villain.TrainedWords)

	ink, err := db.GetEntry(filepath.Join(src, "styles", "ink.pt"))
	require.NoError(t, err)
	assert.Equal(t, models.UnknownBaseModel, ink.BaseModel)
}

func TestScanLibraryPrunesAndReindexes(t *testing.T) {
	cfg := testConfig(t)
	src := testLibrary(t)
	scanTestLibrary(t, cfg, src)

	ink := filepath.Join(src, "styles", "ink.pt")
	require.NoError(t, os.Remove(ink))

	summary := scanTestLibrary(t, cfg, src)
	assert.Equal(t, 2, summary.Found)
	assert.Equal(t, 1, summary.Pruned)

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()
	assert.False(t, db.Has(ink))

	idx, err := index.OpenOrCreateIndex(cfg.BleveIndexPath)
	require.NoError(t, err)
	defer idx.Close()
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	hits, err := index.Search(idx, "ink", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestScanLibraryMissingSource(t *testing.T) {
	cfg := testConfig(t)
	_, err := scanLibrary(context.Background(), cfg, filepath.Join(t.TempDir(), "nope"), http.DefaultTransport, nil)
	assert.Error(t, err)
}

func TestFetchMissingMetadata(t *testing.T) {
	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/images/ink.png" {
			w.Write([]byte("\x89PNG\r\n\x1a\n0000"))
			return
		}
		calls.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/model-versions/by-hash/") {
			http.NotFound(w, r)
			return
		}
		hash := strings.TrimPrefix(r.URL.Path, "/model-versions/by-hash/")
		if hash != "KNOWNHASH" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.ModelVersion{
			ID:        21,
			ModelId:   8,
			BaseModel: "Illustrious",
			Name:      "v2",
			Model:     models.BaseModelInfo{Name: "Ink Wash", Type: "LORA"},
			Files:     []models.File{{Name: "ink.pt", Hashes: models.Hashes{BLAKE3: "KNOWNHASH"}}},
			Images:    []models.ModelImage{{URL: srv.URL + "/images/ink.png", Type: "image"}},
		})
	}))
	defer srv.Close()

	orig := civitaiBaseURL
	civitaiBaseURL = srv.URL
	t.Cleanup(func() { civitaiBaseURL = orig })

	dir := t.TempDir()
	ink := filepath.Join(dir, "ink.pt")
	writeFile(t, ink, "ink")

	entries := []models.ModelEntry{
		{Path: ink, FileName: "ink.pt", Blake3: "KNOWNHASH", BaseModel: models.UnknownBaseModel, MetadataSource: models.MetadataSourceNone},
		{Path: filepath.Join(dir, "other.pt"), FileName: "other.pt", Blake3: "OTHERHASH", MetadataSource: models.MetadataSourceNone},
		{Path: filepath.Join(dir, "hero.pt"), FileName: "hero.pt", Blake3: "HEROHASH", MetadataSource: models.MetadataSourceCivitaiInfo},
		{Path: filepath.Join(dir, "nohash.pt"), FileName: "nohash.pt"},
	}

	cfg := testConfig(t)
	cfg.Scan.SaveMetadata = true
	fetched, written := fetchMissingMetadata(context.Background(), cfg, http.DefaultTransport, entries, nil)
	assert.Equal(t, 1, fetched)
	assert.Equal(t, 1, written)
	assert.Equal(t, int32(2), calls.Load(), "entries with sidecars or no hash are not looked up")

	assert.Equal(t, "Illustrious", entries[0].BaseModel)
	assert.Equal(t, "Ink Wash", entries[0].ModelName)
	assert.Equal(t, models.MetadataSourceCivitaiAPI, entries[0].MetadataSource)
	assert.FileExists(t, filepath.Join(dir, "ink.civitai.info"))
	assert.FileExists(t, filepath.Join(dir, "ink.preview.png"))
	assert.Equal(t, models.MetadataSourceNone, entries[1].MetadataSource)
}

func TestPrintTree(t *testing.T) {
	cfg := testConfig(t)
	src := testLibrary(t)
	scanTestLibrary(t, cfg, src)

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	require.NoError(t, printTree(&buf, db, cfg.Tree, library.TreeQuery{}))
	expected := strings.Join([]string{
		"Base Loras (3)",
		"├── Pony (1)",
		"│   └── characters (1)",
		"├── SDXL 1.0 (1)",
		"│   └── Pony (1)",
		"│       └── characters (1)",
		"└── Unknown Category (1)",
		"    └── styles (1)",
		"",
	}, "\n")
	assert.Equal(t, expected, buf.String())

	buf.Reset()
	require.NoError(t, printTree(&buf, db, models.TreeConfig{Format: "json"}, library.TreeQuery{Path: "Base Loras/Pony"}))
	var node tree.FolderNode
	require.NoError(t, json.Unmarshal(buf.Bytes(), &node))
	assert.Equal(t, "Pony", node.Name)
	assert.Equal(t, "Base Loras/Pony", node.FullPath)

	buf.Reset()
	assert.Error(t, printTree(&buf, db, cfg.Tree, library.TreeQuery{Path: "Base Loras/Flux"}))
}

func TestPrintTreeEmptyCatalog(t *testing.T) {
	cfg := testConfig(t)
	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	require.NoError(t, printTree(&buf, db, cfg.Tree, library.TreeQuery{}))
	assert.Contains(t, buf.String(), "No models in the catalog")
}

func TestSortLibraryMove(t *testing.T) {
	cfg := testConfig(t)
	src := testLibrary(t)
	scanTestLibrary(t, cfg, src)

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()
	idx, err := index.OpenOrCreateIndex(cfg.BleveIndexPath)
	require.NoError(t, err)
	defer idx.Close()

	target := t.TempDir()
	sortCfg := models.SortConfig{TargetPath: target, PathPattern: "{category}", Move: true}
	result, err := sortLibrary(context.Background(), db, idx, sortCfg, database.EntryFilter{BaseModel: "Pony"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Moved, "model and its .civitai.info")
	assert.Equal(t, 0, result.Failed)

	moved := filepath.Join(target, "pony", "hero.safetensors")
	assert.FileExists(t, moved)
	assert.FileExists(t, filepath.Join(target, "pony", "hero.civitai.info"))

	assert.False(t, db.Has(filepath.Join(src, "Pony", "characters", "hero.safetensors")))
	entry, err := db.GetEntry(moved)
	require.NoError(t, err)
	assert.Equal(t, "Caped Hero", entry.ModelName)
	assert.Equal(t, filepath.Join(target, "pony"), entry.Folder)

	hits, err := index.Search(idx, "cape", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, moved, hits[0].Path)
}

func TestSortLibraryNoMatches(t *testing.T) {
	cfg := testConfig(t)
	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()
	idx, err := index.OpenOrCreateIndex("")
	require.NoError(t, err)
	defer idx.Close()

	result, err := sortLibrary(context.Background(), db, idx, models.SortConfig{TargetPath: t.TempDir(), PathPattern: "{category}"}, database.EntryFilter{}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Ops)
}

func TestVerifyCatalog(t *testing.T) {
	cfg := testConfig(t)
	src := testLibrary(t)
	scanTestLibrary(t, cfg, src)

	require.NoError(t, os.Remove(filepath.Join(src, "styles", "ink.pt")))
	writeFile(t, filepath.Join(src, "Pony", "characters", "villain.safetensors"), "retrained")

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	stats, err := verifyCatalog(&buf, db, false)
	require.NoError(t, err)
	assert.Equal(t, VerificationStats{Total: 3, OK: 2, Missing: 1}, stats)

	buf.Reset()
	stats, err = verifyCatalog(&buf, db, true)
	require.NoError(t, err)
	assert.Equal(t, VerificationStats{Total: 3, OK: 1, Missing: 1, Mismatched: 1}, stats)
	assert.Contains(t, buf.String(), "changed:  "+filepath.Join(src, "Pony", "characters", "villain.safetensors"))
}

func TestPrintStatsAndCatalog(t *testing.T) {
	cfg := testConfig(t)
	scanTestLibrary(t, cfg, testLibrary(t))

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	require.NoError(t, printStats(&buf, db))
	assert.Contains(t, buf.String(), "Pony")
	assert.Contains(t, buf.String(), "Total")

	buf.Reset()
	require.NoError(t, printCatalog(&buf, db, database.EntryFilter{BaseModel: "pony"}))
	assert.Contains(t, buf.String(), "Caped Hero")
	assert.NotContains(t, buf.String(), "villain")
	assert.Contains(t, buf.String(), helpers.BytesToSize(uint64(len("hero-weights"))))
}

func TestFilterCatalogWords(t *testing.T) {
	cfg := testConfig(t)
	scanTestLibrary(t, cfg, testLibrary(t))

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	require.NoError(t, filterCatalogWords(&buf, db, prompt.NewFilter([]string{"nsfw", "evil"}, nil)))
	assert.Equal(t, "Caped Hero: red cape\nvillain: dark cloak, grin\n", buf.String())
}

func TestCliFlagsFor(t *testing.T) {
	c := &cobra.Command{Use: "sort"}
	root := &cobra.Command{Use: "lora-helper"}
	root.AddCommand(c)
	c.Flags().StringVar(&sortTargetFlag, "target", "", "")
	c.Flags().BoolVar(&sortMoveFlag, "move", false, "")
	c.Flags().StringVar(&sortPatternFlag, "pattern", "", "")
	c.Flags().BoolVar(&sortDryRunFlag, "dry-run", false, "")
	c.Flags().BoolVar(&sortOverwriteFlag, "overwrite", false, "")
	c.Flags().StringVar(&sourcePathFlag, "source", "", "")
	require.NoError(t, c.Flags().Parse([]string{"--target", "/out", "--move"}))

	flags := cliFlagsFor(c)
	require.NotNil(t, flags.Sort)
	require.NotNil(t, flags.Sort.TargetPath)
	assert.Equal(t, "/out", *flags.Sort.TargetPath)
	require.NotNil(t, flags.Sort.Move)
	assert.True(t, *flags.Sort.Move)
	assert.Nil(t, flags.Sort.PathPattern, "unset flags stay nil")
	assert.Nil(t, flags.SourcePath)
	assert.Nil(t, flags.Scan)
}

func TestSourceArg(t *testing.T) {
	orig := globalConfig
	t.Cleanup(func() { globalConfig = orig })

	globalConfig = models.Config{SourcePath: "/from/config"}
	assert.Equal(t, "/arg", sourceArg([]string{"/arg"}))
	assert.Equal(t, "/from/config", sourceArg(nil))
	assert.Equal(t, "/from/config", sourceArg([]string{"  "}))
}
