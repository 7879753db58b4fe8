package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go-lora-helper/internal/api"
	"go-lora-helper/internal/models"
	"go-lora-helper/internal/paths"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultDataPath            = "data"
	DefaultDatabaseFile        = "catalog.db"    // Relative to DataPath if not set
	DefaultHashCacheDir        = "hashcache"     // Relative to DataPath if not set
	DefaultBleveIndexDir       = "catalog.bleve" // Relative to DataPath if not set
	DefaultLogApiRequests      = false
	DefaultAPIClientTimeoutSec = 60
	DefaultMaxRetries          = 3
	DefaultInitialRetryDelayMs = 1000
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfigName          = "config"
	EnvPrefix                  = "LORAHELPER"

	DefaultScanConcurrency   = 4
	DefaultScanFetchMetadata = false
	DefaultScanSaveMetadata  = false
	DefaultScanPrune         = true

	DefaultSortPathPattern = "{category}/{modelName}"
	DefaultSortMove        = false
	DefaultSortDryRun      = false
	DefaultSortOverwrite   = false

	DefaultTreeFormat     = "text"
	DefaultTreeMaxDepth   = 0
	DefaultTreeShowCounts = true

	DefaultServeAddr      = "127.0.0.1:7860"
	DefaultServeCacheSize = 64
)

// DefaultScanExtensions are the model file extensions picked up by a scan.
var DefaultScanExtensions = []string{".safetensors", ".ckpt", ".pt", ".bin", ".pth"}

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("apikey", "")
	v.SetDefault("sourcepath", "")
	v.SetDefault("datapath", DefaultDataPath)
	v.SetDefault("databasepath", "")
	v.SetDefault("hashcachepath", "")
	v.SetDefault("bleveindexpath", "")
	v.SetDefault("logapirequests", DefaultLogApiRequests)
	v.SetDefault("apiclienttimeoutsec", DefaultAPIClientTimeoutSec)
	v.SetDefault("maxretries", DefaultMaxRetries)
	v.SetDefault("initialretrydelayms", DefaultInitialRetryDelayMs)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)

	v.SetDefault("scan.extensions", DefaultScanExtensions)
	v.SetDefault("scan.concurrency", DefaultScanConcurrency)
	v.SetDefault("scan.fetchmetadata", DefaultScanFetchMetadata)
	v.SetDefault("scan.savemetadata", DefaultScanSaveMetadata)
	v.SetDefault("scan.prune", DefaultScanPrune)

	v.SetDefault("sort.targetpath", "")
	v.SetDefault("sort.pathpattern", DefaultSortPathPattern)
	v.SetDefault("sort.move", DefaultSortMove)
	v.SetDefault("sort.dryrun", DefaultSortDryRun)
	v.SetDefault("sort.overwrite", DefaultSortOverwrite)

	v.SetDefault("tree.format", DefaultTreeFormat)
	v.SetDefault("tree.maxdepth", DefaultTreeMaxDepth)
	v.SetDefault("tree.showcounts", DefaultTreeShowCounts)

	v.SetDefault("prompt.blacklist", []string{})
	v.SetDefault("prompt.whitelist", []string{})

	v.SetDefault("serve.addr", DefaultServeAddr)
	v.SetDefault("serve.cachesize", DefaultServeCacheSize)
}

// Defaults returns the configuration used when no file, env or flag sets a value.
func Defaults() models.Config {
	cfg := models.Config{
		DataPath:            DefaultDataPath,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		APIClientTimeoutSec: DefaultAPIClientTimeoutSec,
		MaxRetries:          DefaultMaxRetries,
		InitialRetryDelayMs: DefaultInitialRetryDelayMs,
		LogApiRequests:      DefaultLogApiRequests,
		Scan: models.ScanConfig{
			Extensions:    append([]string(nil), DefaultScanExtensions...),
			Concurrency:   DefaultScanConcurrency,
			FetchMetadata: DefaultScanFetchMetadata,
			SaveMetadata:  DefaultScanSaveMetadata,
			Prune:         DefaultScanPrune,
		},
		Sort: models.SortConfig{
			PathPattern: DefaultSortPathPattern,
		},
		Tree: models.TreeConfig{
			Format:     DefaultTreeFormat,
			MaxDepth:   DefaultTreeMaxDepth,
			ShowCounts: DefaultTreeShowCounts,
		},
		Prompt: models.PromptConfig{
			Blacklist: []string{},
			Whitelist: []string{},
		},
		Serve: models.ServeConfig{
			Addr:      DefaultServeAddr,
			CacheSize: DefaultServeCacheSize,
		},
	}
	deriveDataPaths(&cfg)
	return cfg
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	ConfigFilePath      *string
	LogLevel            *string // --log-level
	LogFormat           *string // --log-format
	LogApiRequests      *bool   // --log-api
	SourcePath          *string // --source
	DataPath            *string // --data-path
	APIKey              *string // --api-key
	APIClientTimeoutSec *int    // --api-timeout
	MaxRetries          *int    // --max-retries
	InitialRetryDelayMs *int    // --retry-delay

	Scan   *CliScanFlags
	Sort   *CliSortFlags
	Tree   *CliTreeFlags
	Prompt *CliPromptFlags
	Serve  *CliServeFlags
}

type CliScanFlags struct {
	Extensions    *[]string // --ext
	Concurrency   *int      // -c
	FetchMetadata *bool     // --fetch-metadata
	SaveMetadata  *bool     // --save-metadata
	Prune         *bool     // --prune
}

type CliSortFlags struct {
	TargetPath  *string // --target
	PathPattern *string // --pattern
	Move        *bool   // --move
	DryRun      *bool   // --dry-run
	Overwrite   *bool   // --overwrite
}

type CliTreeFlags struct {
	Format     *string // --format
	MaxDepth   *int    // --max-depth
	ShowCounts *bool   // inverse of --no-counts
}

type CliPromptFlags struct {
	Blacklist *[]string // --blacklist
	Whitelist *[]string // --whitelist
}

type CliServeFlags struct {
	Addr      *string // --addr
	CacheSize *int    // --cache-size
}

// Initialize loads configuration based on defaults, config file, environment and flags.
// Precedence: Flags > Environment > Config File > Defaults.
func Initialize(flags CliFlags) (models.Config, http.RoundTripper, error) {
	// A missing .env is the normal case.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Failed to load .env file")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v)

	if flags.ConfigFilePath != nil && *flags.ConfigFilePath != "" {
		v.SetConfigFile(*flags.ConfigFilePath)
		log.Debugf("Using config file path from CLI flag: %s", *flags.ConfigFilePath)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "lora-helper"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			log.Debug("No config file found. Using defaults, environment and CLI flags only.")
		} else {
			return models.Config{}, nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Infof("Using config file: %s", v.ConfigFileUsed())
	}

	var finalCfg models.Config
	if err := v.Unmarshal(&finalCfg); err != nil {
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}

	applyFlags(&finalCfg, flags)
	deriveDataPaths(&finalCfg)

	if err := validate(&finalCfg); err != nil {
		return models.Config{}, nil, err
	}

	var finalTransport http.RoundTripper = http.DefaultTransport
	if finalCfg.LogApiRequests {
		logFilePath := filepath.Join(finalCfg.DataPath, "api.log")
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			finalTransport = loggingTransport
		}
	}

	log.Debug("Configuration initialized successfully.")
	return finalCfg, finalTransport, nil
}

func applyFlags(cfg *models.Config, flags CliFlags) {
	if flags.APIKey != nil {
		cfg.APIKey = *flags.APIKey
	}
	if flags.SourcePath != nil {
		cfg.SourcePath = *flags.SourcePath
	}
	if flags.DataPath != nil {
		cfg.DataPath = *flags.DataPath
	}
	if flags.LogApiRequests != nil {
		cfg.LogApiRequests = *flags.LogApiRequests
	}
	if flags.APIClientTimeoutSec != nil {
		cfg.APIClientTimeoutSec = *flags.APIClientTimeoutSec
	}
	if flags.MaxRetries != nil {
		cfg.MaxRetries = *flags.MaxRetries
	}
	if flags.InitialRetryDelayMs != nil {
		cfg.InitialRetryDelayMs = *flags.InitialRetryDelayMs
	}
	if flags.LogLevel != nil {
		cfg.LogLevel = *flags.LogLevel
	}
	if flags.LogFormat != nil {
		cfg.LogFormat = *flags.LogFormat
	}

	if s := flags.Scan; s != nil {
		if s.Extensions != nil && len(*s.Extensions) > 0 {
			cfg.Scan.Extensions = *s.Extensions
		}
		if s.Concurrency != nil {
			cfg.Scan.Concurrency = *s.Concurrency
		}
		if s.FetchMetadata != nil {
			cfg.Scan.FetchMetadata = *s.FetchMetadata
		}
		if s.SaveMetadata != nil {
			cfg.Scan.SaveMetadata = *s.SaveMetadata
		}
		if s.Prune != nil {
			cfg.Scan.Prune = *s.Prune
		}
		log.Debugf("CLI overrides applied to Scan: %+v", cfg.Scan)
	}

	if s := flags.Sort; s != nil {
		if s.TargetPath != nil {
			cfg.Sort.TargetPath = *s.TargetPath
		}
		if s.PathPattern != nil {
			cfg.Sort.PathPattern = *s.PathPattern
		}
		if s.Move != nil {
			cfg.Sort.Move = *s.Move
		}
		if s.DryRun != nil {
			cfg.Sort.DryRun = *s.DryRun
		}
		if s.Overwrite != nil {
			cfg.Sort.Overwrite = *s.Overwrite
		}
		log.Debugf("CLI overrides applied to Sort: %+v", cfg.Sort)
	}

	if t := flags.Tree; t != nil {
		if t.Format != nil {
			cfg.Tree.Format = *t.Format
		}
		if t.MaxDepth != nil {
			cfg.Tree.MaxDepth = *t.MaxDepth
		}
		if t.ShowCounts != nil {
			cfg.Tree.ShowCounts = *t.ShowCounts
		}
	}

	if p := flags.Prompt; p != nil {
		if p.Blacklist != nil {
			cfg.Prompt.Blacklist = *p.Blacklist
		}
		if p.Whitelist != nil {
			cfg.Prompt.Whitelist = *p.Whitelist
		}
	}

	if s := flags.Serve; s != nil {
		if s.Addr != nil {
			cfg.Serve.Addr = *s.Addr
		}
		if s.CacheSize != nil {
			cfg.Serve.CacheSize = *s.CacheSize
		}
	}
}

// deriveDataPaths fills store locations left empty with defaults under DataPath.
func deriveDataPaths(cfg *models.Config) {
	if cfg.DataPath == "" {
		cfg.DataPath = DefaultDataPath
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataPath, DefaultDatabaseFile)
	}
	if cfg.HashCachePath == "" {
		cfg.HashCachePath = filepath.Join(cfg.DataPath, DefaultHashCacheDir)
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = filepath.Join(cfg.DataPath, DefaultBleveIndexDir)
	}
}

func validate(cfg *models.Config) error {
	switch strings.ToLower(cfg.Tree.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid tree format %q (expected text or json)", cfg.Tree.Format)
	}
	if cfg.Scan.Concurrency < 1 {
		log.Warnf("Scan concurrency %d is invalid, using 1", cfg.Scan.Concurrency)
		cfg.Scan.Concurrency = 1
	}
	if cfg.Serve.CacheSize < 1 {
		cfg.Serve.CacheSize = DefaultServeCacheSize
	}
	exts := make([]string, 0, len(cfg.Scan.Extensions))
	for _, ext := range cfg.Scan.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	cfg.Scan.Extensions = exts
	if unknown := paths.ValidatePattern(cfg.Sort.PathPattern); len(unknown) > 0 {
		return fmt.Errorf("sort path pattern %q contains unknown tags: %s", cfg.Sort.PathPattern, strings.Join(unknown, ", "))
	}
	return nil
}

// WriteDefault writes cfg as TOML to path. Existing files are left alone
// unless overwrite is set.
func WriteDefault(path string, cfg models.Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}
