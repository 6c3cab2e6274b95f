package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragbridge/internal/cache"
	"ragbridge/internal/logging"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Download every registered asset missing from the cache",
	Long: `Fetches the runtime's registered remote sources (script bundles and the
embedder model) into the content-addressed cache. Already cached assets are
skipped, so the command can be re-run to retry failures.`,
	Args: cobra.NoArgs,
	RunE: runProvision,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and populate the asset cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered assets and their cache state",
	Long: `Lists every registered asset. With --verify, cached blobs are re-hashed and
reported as corrupt when they no longer match the digest recorded for them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, _ := cmd.Flags().GetBool("verify")
		return listCache(cmd.OutOrStdout(), verify)
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import [key] [file]",
	Short: "Store a local file under a cache key",
	Long: `Copies FILE into the cache under KEY, for assets built locally or fetched
out of band. Example:
  ragbridge cache import mememo.js ./dist/index.umd.js`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return importCache(cmd.OutOrStdout(), args[0], args[1])
	},
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Cache.Concurrency
	}

	logger.Info("provisioning cache", zap.String("dir", store.Dir()), zap.Int("concurrency", concurrency))
	report, err := store.Provision(withCategory(ctx, logging.CategoryCache), concurrency)
	if report != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "fetched %d, already cached %d, failed %d\n",
			len(report.Fetched), len(report.Skipped), len(report.Failed))
		for key, ferr := range report.Failed {
			fmt.Fprintf(out, "  %s: %v\n", key, ferr)
		}
	}
	if err != nil {
		return fmt.Errorf("provisioning interrupted: %w", err)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d assets could not be fetched", len(report.Failed))
	}
	return nil
}

func listCache(out io.Writer, verify bool) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sources, err := store.Sources()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATE\tSIZE\tDIGEST\tORIGIN")
	for _, src := range sources {
		state := "missing"
		if _, ok := store.GetFile(src.Key); ok {
			state = "cached"
			if verify {
				state = verifyState(store, src.Key)
			}
		} else if src.Materialized() {
			state = "blob lost"
		}
		digest := src.Digest
		if len(digest) > 19 {
			digest = digest[:19]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", src.Key, state, src.Size, digest, src.Origin)
	}
	return w.Flush()
}

func verifyState(store *cache.Store, key string) string {
	ok, err := store.Verify(key)
	switch {
	case err != nil:
		logger.Warn("cache verification failed", zap.String("key", key), zap.Error(err))
		return "unverified"
	case !ok:
		return "corrupt"
	default:
		return "verified"
	}
}

func importCache(out io.Writer, key, path string) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	src, err := store.Put(key, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s -> %s (%d bytes)\n", src.Key, src.Digest, src.Size)
	return nil
}
