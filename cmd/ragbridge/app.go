package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"ragbridge/internal/agent"
	"ragbridge/internal/assets"
	"ragbridge/internal/bridge"
	"ragbridge/internal/browser"
	"ragbridge/internal/cache"
	"ragbridge/internal/config"
	"ragbridge/internal/intercept"
	"ragbridge/internal/logging"
	"ragbridge/internal/metrics"
)

// openStore opens the cache and registers every known remote source.
func openStore(c *config.Config, l *zap.Logger) (*cache.Store, error) {
	store, err := cache.Open(c.Cache.Dir, c.IndexPath(),
		cache.WithLogger(logging.Named(l, logging.CategoryCache)),
		cache.WithFetchTimeout(c.GetFetchTimeout()),
	)
	if err != nil {
		return nil, err
	}
	if err := store.RegisterAll(cache.DefaultSources()); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.RegisterAll(c.Cache.Sources); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newInterceptor(c *config.Config, store assets.Cache, l *zap.Logger) (*intercept.Interceptor, error) {
	bundle := assets.NewEmbeddedBundle()
	if c.Bridge.BundleDir != "" {
		bundle = assets.NewDirBundle(c.Bridge.BundleDir)
	}
	resolver := assets.NewResolver(store, bundle, c.Bridge.BundlePrefix)
	return intercept.New(c.Bridge.LocalAuthority, resolver, logging.Named(l, logging.CategoryIntercept))
}

// newRouter serves the local authority plus metrics.
func newRouter(i *intercept.Interceptor, metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	if metricsPath != "" {
		r.Handle(metricsPath, promhttp.Handler())
	}
	i.Routes(r)
	return r
}

// startServer listens on addr and serves h in the background, capped at
// maxConns concurrent connections. The returned server's Addr is the bound
// address.
func startServer(addr string, maxConns int, h http.Handler, l *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	srv := &http.Server{Addr: ln.Addr().String(), Handler: h}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("loopback server failed", zap.Error(err))
		}
	}()
	l.Info("serving local authority", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

// newAgent builds the configured agent. The returned closer is never nil.
func newAgent(ctx context.Context, c *config.Config, out io.Writer, l *zap.Logger) (bridge.Agent, func() error, error) {
	nop := func() error { return nil }
	l = logging.Named(l, logging.CategoryAgent)

	switch c.Agent.Provider {
	case "none", "":
		return nil, nop, nil
	case "echo":
		return agent.NewEcho(out), nop, nil
	case "genai":
		gen, err := agent.NewGenAIGenerator(ctx, c.Agent.APIKey, c.Agent.Model, c.Agent.SystemInstruction)
		if err != nil {
			return nil, nop, err
		}
		a, err := agent.New(gen, c.GetAgentTimeout(), func(r agent.Reply) {
			fmt.Fprintf(out, "\n%s\n", r.Text)
		}, l)
		if err != nil {
			return nil, nop, err
		}
		return a, a.Close, nil
	default:
		return nil, nop, fmt.Errorf("unknown agent provider %q", c.Agent.Provider)
	}
}

// withCategory attaches the run logger, named for category, to ctx.
func withCategory(ctx context.Context, category logging.Category) context.Context {
	return logging.ContextWithLogger(ctx, logging.Named(logging.FromContextOr(ctx, logger), category))
}

// browserConfig always carries the loopback address: loopback mode maps the
// local authority onto it, hijack mode streams cached assets from it.
func browserConfig(c *config.Config) browser.Config {
	bc := browser.DefaultConfig()
	bc.DebuggerURL = c.Browser.DebuggerURL
	bc.Launch = c.Browser.Launch
	bc.Headless = c.Browser.Headless
	bc.NavigationTimeoutMs = int(c.GetNavigationTimeout().Milliseconds())
	bc.ServeMode = c.Browser.ServeMode
	bc.EntryPage = c.Bridge.EntryPage
	bc.BindingName = c.Bridge.BindingName
	bc.LoopbackAddr = c.Server.Addr
	return bc
}
