// Command ragbridge hosts a local retrieval runtime in headless Chromium and
// bridges it to a conversational agent. Runtime assets are served from a
// local content-addressed cache that is filled once by `ragbridge provision`.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragbridge/internal/config"
	"ragbridge/internal/logging"
	"ragbridge/internal/metrics"
)

var (
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragbridge",
	Short: "Local RAG runtime bridge",
	Long: `ragbridge loads a web-based retrieval runtime in headless Chromium, serves
every asset it requests from a local cache, and relays retrieved documents
and chat prompts between the runtime and a conversational agent.

Run "ragbridge provision" once to download the runtime's assets.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, err = logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		metrics.Register(prometheus.DefaultRegisterer)
		runLogger := logger.With(zap.String("run", uuid.NewString()))
		logging.Named(runLogger, logging.CategoryBoot).Debug("config loaded",
			zap.String("path", configPath), zap.String("cache_dir", cfg.Cache.Dir))
		cmd.SetContext(logging.ContextWithLogger(cmd.Context(), runLogger))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ragbridge.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Provisioning and startup timeout")

	provisionCmd.Flags().Int("concurrency", 0, "Parallel downloads (default from config)")

	cacheListCmd.Flags().Bool("verify", false, "Re-hash cached blobs against their recorded digests")
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheImportCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default from config)")

	chatCmd.Flags().String("database", "", "Document database file (default from config)")
	chatCmd.Flags().Int("top-k", 5, "Documents to retrieve per message")
	chatCmd.Flags().String("context-prompt", "Answer the question using these documents:", "Prompt placed before the retrieved documents")
	chatCmd.Flags().Duration("linger", 15*time.Second, "Time to wait for replies after input ends")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
