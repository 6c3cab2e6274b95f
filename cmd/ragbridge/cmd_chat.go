package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragbridge/internal/bridge"
	"ragbridge/internal/browser"
	"ragbridge/internal/conversation"
	"ragbridge/internal/database"
	"ragbridge/internal/logging"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with retrieval over a document database",
	Long: `Starts the retrieval runtime, loads the document database and reads one
message per line from stdin. Each message retrieves the top-k documents,
which are printed and, prefixed with the context prompt, sent to the agent.

Example:
  echo "how do I provision the cache?" | ragbridge chat --database docs.json`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath, _ := cmd.Flags().GetString("database")
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	topK, _ := cmd.Flags().GetInt("top-k")
	contextPrompt, _ := cmd.Flags().GetString("context-prompt")
	linger, _ := cmd.Flags().GetDuration("linger")
	out := cmd.OutOrStdout()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	interceptor, err := newInterceptor(cfg, store, logger)
	if err != nil {
		return err
	}

	// Host-visible events are raised on this loop.
	loop := bridge.NewMainLoop(64, logger)
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go func() { _ = loop.Run(loopCtx) }()

	ag, closeAgent, err := newAgent(ctx, cfg, out, logger)
	if err != nil {
		return err
	}
	defer closeAgent()

	loader, err := database.NewLoader(cfg.Database.Validate, logging.Named(logger, logging.CategoryDatabase))
	if err != nil {
		return err
	}
	b := bridge.New(loop,
		bridge.WithLogger(logging.Named(logger, logging.CategoryBridge)),
		bridge.WithLoader(loader.Load),
		bridge.WithAgent(ag),
	)
	// Runs before closeAgent, so late documents never reach a closed agent.
	defer b.DetachAgent()
	b.OnFetchedDocuments(func(docs []bridge.Document) {
		printDocuments(out, docs)
	})

	// The page imports the database as soon as it loads.
	if err := b.SetDatabaseFile(dbPath); err != nil {
		return err
	}

	// Both serve modes stream cached assets from the loopback server.
	srv, err := startServer(cfg.Server.Addr, cfg.Server.MaxConnections,
		newRouter(interceptor, cfg.Server.MetricsPath), logging.Named(logger, logging.CategoryServer))
	if err != nil {
		return err
	}
	defer shutdownServer(srv)

	bc := browserConfig(cfg)
	bc.LoopbackAddr = srv.Addr

	rt, err := browser.New(bc, interceptor, b, logging.Named(logger, logging.CategoryBrowser))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("browser shutdown failed", zap.Error(err))
		}
	}()

	if err := startRuntime(withCategory(ctx, logging.CategoryBrowser), rt); err != nil {
		return err
	}
	b.AttachRuntime(rt)
	logger.Info("runtime ready",
		zap.String("control_url", rt.ControlURL()),
		zap.String("session", rt.SessionID()),
		zap.String("mode", bc.GetServeMode()))

	if cfg.Database.Watch && dbPath != "" {
		w, err := database.NewWatcher(dbPath, b.SetDatabaseFile, cfg.GetDebounce(), logging.Named(logger, logging.CategoryDatabase))
		if err != nil {
			return err
		}
		if err := w.Start(withCategory(ctx, logging.CategoryDatabase)); err != nil {
			return err
		}
		defer func() {
			w.Stop()
			st := w.Stats()
			logger.Info("database watcher stopped",
				zap.Int("events", st.Events), zap.Int("reloads", st.Reloads), zap.Int("errors", st.Errors))
		}()
	}

	orch := conversation.New(rt, logging.Named(logger, logging.CategoryConversation))
	if err := readMessages(ctx, cmd.InOrStdin(), func(msg string) {
		orch.ConverseWithContext(msg, topK, contextPrompt)
	}); err != nil {
		return err
	}

	// Replies arrive asynchronously; give them time before tearing down.
	select {
	case <-ctx.Done():
	case <-time.After(linger):
	}
	return nil
}

func startRuntime(ctx context.Context, rt *browser.Runtime) error {
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		// rod binds the browser to the context passed to Start, so it gets
		// the session context rather than the startup deadline.
		if err := rt.Start(ctx); err != nil {
			errc <- err
			return
		}
		errc <- rt.Open(ctx)
	}()

	select {
	case err := <-errc:
		return err
	case <-startCtx.Done():
		return fmt.Errorf("starting runtime: %w", startCtx.Err())
	}
}

// readMessages calls fn for every non-blank line of r until r ends or ctx is
// done.
func readMessages(ctx context.Context, r io.Reader, fn func(string)) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if msg := strings.TrimSpace(line); msg != "" {
				fn(msg)
			}
		}
	}
}

func printDocuments(out io.Writer, docs []bridge.Document) {
	fmt.Fprintf(out, "retrieved %d documents\n", len(docs))
	for i, d := range docs {
		fmt.Fprintf(out, "  %d. %s (distance %.4f)\n", i+1, d.Title, d.Distance)
	}
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("loopback server shutdown failed", zap.Error(err))
	}
}
