package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"go-lora-helper/internal/api"
	"go-lora-helper/internal/config"
	"go-lora-helper/internal/database"
	"go-lora-helper/internal/index"
	"go-lora-helper/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Persistent flag values
var (
	cfgFile        string
	logLevel       string
	logFormat      string
	logApiFlag     bool
	sourcePathFlag string
	dataPathFlag   string
	apiKeyFlag     string
	apiTimeoutFlag int
	maxRetriesFlag int
	retryDelayFlag int
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lora-helper",
	Short: "Catalog, browse and sort a local LoRA library",
	Long: `LoRA Helper scans model folders, records them in a catalog, and shows
the library as a merged folder tree grouped by base model.`,
	PersistentPreRunE: loadGlobalConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { api.CloseAllLoggingTransports() },
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml or ~/.config/lora-helper/config.toml)")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Logging format (text, json)")
	pf.BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log in the data path (overrides config)")
	pf.StringVar(&sourcePathFlag, "source", "", "LoRA library root folder (overrides config)")
	pf.StringVar(&dataPathFlag, "data-path", "", "Directory for the catalog, hash cache and search index (overrides config)")
	pf.StringVar(&apiKeyFlag, "api-key", "", "Civitai API key (overrides config)")
	pf.IntVar(&apiTimeoutFlag, "api-timeout", config.DefaultAPIClientTimeoutSec, "Timeout for API HTTP client in seconds (overrides config)")
	pf.IntVar(&maxRetriesFlag, "max-retries", config.DefaultMaxRetries, "Attempts per API request (overrides config)")
	pf.IntVar(&retryDelayFlag, "retry-delay", config.DefaultInitialRetryDelayMs, "Initial delay between API retries in ms (overrides config)")
}

// initLogging configures logrus from the --log-level and --log-format flags.
func initLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
}

// loadGlobalConfig builds CliFlags from the flags the user actually set and
// runs config.Initialize.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging(logLevel, logFormat)

	flags := cliFlagsFor(cmd)
	cfg, transport, err := config.Initialize(flags)
	if err != nil {
		return err
	}

	// Config file values for logging apply unless the flags were given.
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		logLevel = cfg.LogLevel
	}
	if !cmd.Flags().Changed("log-format") && cfg.LogFormat != "" {
		logFormat = cfg.LogFormat
	}
	initLogging(logLevel, logFormat)

	globalConfig = cfg
	globalHttpTransport = transport
	return nil
}

func cliFlagsFor(cmd *cobra.Command) config.CliFlags {
	f := cmd.Flags()
	flags := config.CliFlags{
		ConfigFilePath:      changedString(f.Changed("config"), &cfgFile),
		LogLevel:            changedString(f.Changed("log-level"), &logLevel),
		LogFormat:           changedString(f.Changed("log-format"), &logFormat),
		LogApiRequests:      changedBool(f.Changed("log-api"), &logApiFlag),
		SourcePath:          changedString(f.Changed("source"), &sourcePathFlag),
		DataPath:            changedString(f.Changed("data-path"), &dataPathFlag),
		APIKey:              changedString(f.Changed("api-key"), &apiKeyFlag),
		APIClientTimeoutSec: changedInt(f.Changed("api-timeout"), &apiTimeoutFlag),
		MaxRetries:          changedInt(f.Changed("max-retries"), &maxRetriesFlag),
		InitialRetryDelayMs: changedInt(f.Changed("retry-delay"), &retryDelayFlag),
	}

	// Only the top level commands own section flags.
	if cmd.Parent() == nil || cmd.Parent().Parent() != nil {
		return flags
	}
	switch cmd.Name() {
	case "scan":
		flags.Scan = scanCliFlags(cmd)
	case "sort":
		flags.Sort = sortCliFlags(cmd)
	case "tree":
		flags.Tree = treeCliFlags(cmd)
	case "prompt":
		flags.Prompt = promptCliFlags(cmd)
	case "serve":
		flags.Serve = serveCliFlags(cmd)
	}
	return flags
}

func changedString(changed bool, v *string) *string {
	if !changed {
		return nil
	}
	return v
}

func changedBool(changed bool, v *bool) *bool {
	if !changed {
		return nil
	}
	return v
}

func changedInt(changed bool, v *int) *int {
	if !changed {
		return nil
	}
	return v
}

func changedStrings(changed bool, v *[]string) *[]string {
	if !changed {
		return nil
	}
	return v
}

// sourceArg lets commands take the library root as an optional argument.
func sourceArg(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0]
	}
	return globalConfig.SourcePath
}

func openCatalog(cfg models.Config) (*database.DB, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database path is not set in the configuration")
	}
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog at %s: %w", cfg.DatabasePath, err)
	}
	return db, nil
}

func openSearchIndex(cfg models.Config) (bleve.Index, error) {
	if cfg.BleveIndexPath == "" {
		return nil, fmt.Errorf("search index path is not set in the configuration")
	}
	idx, err := index.OpenOrCreateIndex(cfg.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open search index at %s: %w", cfg.BleveIndexPath, err)
	}
	return idx, nil
}
