package config

import (
	"os"
	"path/filepath"
	"testing"

	"go-lora-helper/internal/models"

	"github.com/BurntSushi/toml"
)

// missingConfig points Initialize at a file that does not exist so tests never
// pick up a config from the working or home directory.
func missingConfig(t *testing.T) *string {
	path := filepath.Join(t.TempDir(), "absent.toml")
	return &path
}

func writeConfig(t *testing.T, content string) *string {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return &path
}

// TestConfigInitialization tests basic configuration initialization
func TestConfigInitialization(t *testing.T) {
	cfg, transport, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t)})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.DataPath != DefaultDataPath {
		t.Errorf("Expected data path %q, got %q", DefaultDataPath, cfg.DataPath)
	}
	if cfg.Scan.Concurrency != DefaultScanConcurrency {
		t.Errorf("Expected scan concurrency %d, got %d", DefaultScanConcurrency, cfg.Scan.Concurrency)
	}
	if cfg.Sort.PathPattern != DefaultSortPathPattern {
		t.Errorf("Expected sort pattern %q, got %q", DefaultSortPathPattern, cfg.Sort.PathPattern)
	}
	if !cfg.Tree.ShowCounts {
		t.Error("Expected tree counts to be shown by default")
	}
	if cfg.Serve.Addr != DefaultServeAddr {
		t.Errorf("Expected serve addr %q, got %q", DefaultServeAddr, cfg.Serve.Addr)
	}
	if len(cfg.Scan.Extensions) != len(DefaultScanExtensions) {
		t.Errorf("Expected default extensions, got %v", cfg.Scan.Extensions)
	}
	if transport == nil {
		t.Error("HTTP transport should be created")
	}
}

// TestDerivedPaths tests that store locations default under DataPath
func TestDerivedPaths(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "state")
	cfg, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), DataPath: &dataPath})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.DatabasePath != filepath.Join(dataPath, DefaultDatabaseFile) {
		t.Errorf("Unexpected database path %s", cfg.DatabasePath)
	}
	if cfg.HashCachePath != filepath.Join(dataPath, DefaultHashCacheDir) {
		t.Errorf("Unexpected hash cache path %s", cfg.HashCachePath)
	}
	if cfg.BleveIndexPath != filepath.Join(dataPath, DefaultBleveIndexDir) {
		t.Errorf("Unexpected index path %s", cfg.BleveIndexPath)
	}
}

// TestFileAndFlagPrecedence tests Flags > Config File > Defaults
func TestFileAndFlagPrecedence(t *testing.T) {
	configPath := writeConfig(t, `
SourcePath = "/library/loras"
DatabasePath = "/custom/catalog.db"

[Scan]
Concurrency = 9
Extensions = ["SAFETENSORS", "pt"]

[Sort]
PathPattern = "{baseModel}/{creatorName}"

[Prompt]
Blacklist = ["nsfw", "watermark"]
`)

	move := true
	concurrency := 2
	cfg, _, err := Initialize(CliFlags{
		ConfigFilePath: configPath,
		Scan:           &CliScanFlags{Concurrency: &concurrency},
		Sort:           &CliSortFlags{Move: &move},
	})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.SourcePath != "/library/loras" {
		t.Errorf("Expected source path from file, got %q", cfg.SourcePath)
	}
	if cfg.DatabasePath != "/custom/catalog.db" {
		t.Errorf("Explicit database path should not be derived, got %q", cfg.DatabasePath)
	}
	if cfg.Scan.Concurrency != 2 {
		t.Errorf("Expected flag to override file concurrency, got %d", cfg.Scan.Concurrency)
	}
	if len(cfg.Scan.Extensions) != 2 || cfg.Scan.Extensions[0] != ".safetensors" || cfg.Scan.Extensions[1] != ".pt" {
		t.Errorf("Expected normalized extensions, got %v", cfg.Scan.Extensions)
	}
	if cfg.Sort.PathPattern != "{baseModel}/{creatorName}" {
		t.Errorf("Expected pattern from file, got %q", cfg.Sort.PathPattern)
	}
	if !cfg.Sort.Move {
		t.Error("Expected move flag to be applied")
	}
	if len(cfg.Prompt.Blacklist) != 2 {
		t.Errorf("Expected blacklist from file, got %v", cfg.Prompt.Blacklist)
	}
}

// TestEnvironmentOverridesFile tests that LORAHELPER_ variables beat the config file
func TestEnvironmentOverridesFile(t *testing.T) {
	configPath := writeConfig(t, `
LogLevel = "warn"

[Serve]
Addr = "0.0.0.0:9000"
`)
	t.Setenv("LORAHELPER_LOGLEVEL", "debug")
	t.Setenv("LORAHELPER_SERVE_ADDR", "127.0.0.1:9999")

	cfg, _, err := Initialize(CliFlags{ConfigFilePath: configPath})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected env log level, got %q", cfg.LogLevel)
	}
	if cfg.Serve.Addr != "127.0.0.1:9999" {
		t.Errorf("Expected env serve addr, got %q", cfg.Serve.Addr)
	}

	level := "error"
	cfg, _, err = Initialize(CliFlags{ConfigFilePath: configPath, LogLevel: &level})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("Expected flag to beat env, got %q", cfg.LogLevel)
	}
}

// TestConfigValidation tests rejection of invalid values
func TestConfigValidation(t *testing.T) {
	badFormat := "yaml"
	if _, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), Tree: &CliTreeFlags{Format: &badFormat}}); err == nil {
		t.Error("Expected error for unknown tree format")
	}

	badPattern := "{category}/{imageId}"
	if _, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), Sort: &CliSortFlags{PathPattern: &badPattern}}); err == nil {
		t.Error("Expected error for unknown path pattern tag")
	}

	zero := 0
	cfg, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), Scan: &CliScanFlags{Concurrency: &zero}})
	if err != nil {
		t.Fatalf("Zero concurrency should be corrected, not rejected: %v", err)
	}
	if cfg.Scan.Concurrency != 1 {
		t.Errorf("Expected concurrency clamped to 1, got %d", cfg.Scan.Concurrency)
	}
}

// TestNilFlagPointers tests that nil flag pointers are handled gracefully
func TestNilFlagPointers(t *testing.T) {
	flags := CliFlags{
		ConfigFilePath: missingConfig(t),
		Scan:           &CliScanFlags{},
		Sort:           &CliSortFlags{},
		Tree:           &CliTreeFlags{},
		Prompt:         &CliPromptFlags{},
		Serve:          &CliServeFlags{},
	}

	cfg, _, err := Initialize(flags)
	if err != nil {
		t.Fatalf("Initialize should handle nil flag pointers: %v", err)
	}
	if cfg.Scan.Concurrency != DefaultScanConcurrency {
		t.Error("Should keep default concurrency when flag pointers are nil")
	}
}

func TestLoggingTransportEnabled(t *testing.T) {
	enabled := true
	dataPath := t.TempDir()
	_, transport, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t), LogApiRequests: &enabled, DataPath: &dataPath})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataPath, "api.log")); err != nil {
		t.Errorf("Expected api.log to be created: %v", err)
	}
	if transport == nil {
		t.Error("Expected a transport")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := WriteDefault(path, Defaults(), false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path, Defaults(), false); err == nil {
		t.Error("Expected error when the file already exists")
	}
	if err := WriteDefault(path, Defaults(), true); err != nil {
		t.Errorf("Overwrite should succeed: %v", err)
	}

	var decoded models.Config
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		t.Fatalf("Written config is not valid TOML: %v", err)
	}
	if decoded.Sort.PathPattern != DefaultSortPathPattern {
		t.Errorf("Round-tripped pattern = %q", decoded.Sort.PathPattern)
	}

	// The written file must be readable by Initialize too.
	cfg, _, err := Initialize(CliFlags{ConfigFilePath: &path})
	if err != nil {
		t.Fatalf("Initialize could not read the written config: %v", err)
	}
	if cfg.Serve.CacheSize != DefaultServeCacheSize {
		t.Errorf("Expected cache size %d, got %d", DefaultServeCacheSize, cfg.Serve.CacheSize)
	}
}
