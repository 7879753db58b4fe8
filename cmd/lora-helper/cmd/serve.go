package cmd

import (
	"go-lora-helper/internal/config"
	"go-lora-helper/internal/server"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveAddrFlag      string
	serveCacheSizeFlag int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the catalog and folder tree over HTTP",
	Long: `Starts a JSON API for the desktop UI:
  GET  /api/tree?source=&baseModel=&path=
  GET  /api/models?source=&baseModel=
  GET  /api/search?q=&limit=
  GET  /api/stats
  POST /api/prompt/filter
  POST /api/cache/purge`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddrFlag, "addr", config.DefaultServeAddr, "Listen address (overrides config)")
	serveCmd.Flags().IntVar(&serveCacheSizeFlag, "cache-size", config.DefaultServeCacheSize, "Number of trees kept in the cache (overrides config)")
}

func serveCliFlags(cmd *cobra.Command) *config.CliServeFlags {
	f := cmd.Flags()
	return &config.CliServeFlags{
		Addr:      changedString(f.Changed("addr"), &serveAddrFlag),
		CacheSize: changedInt(f.Changed("cache-size"), &serveCacheSizeFlag),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if !log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
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

	srv, err := server.New(db, idx, globalConfig)
	if err != nil {
		return err
	}
	return srv.Run(globalConfig.Serve.Addr)
}
