package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragbridge/internal/assets"
	"ragbridge/internal/intercept"
	"ragbridge/internal/logging"
)

// Runtime owns the Chromium instance and the single page hosting the
// embedded web runtime.
type Runtime struct {
	cfg         Config
	interceptor *intercept.Interceptor
	dispatcher  Dispatcher
	logger      *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	launcher   *launcher.Launcher
	page       *rod.Page
	router     *rod.HijackRouter
	stopExpose func() error
	controlURL string
	sessionID  string
	ctx        context.Context
	cancel     context.CancelFunc

	evals sync.WaitGroup
}

// New creates a runtime. Call Start, then Open.
func New(cfg Config, interceptor *intercept.Interceptor, dispatcher Dispatcher, logger *zap.Logger) (*Runtime, error) {
	if interceptor == nil {
		return nil, errors.New("browser: nil interceptor")
	}
	if dispatcher == nil {
		return nil, errors.New("browser: nil dispatcher")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		cfg:         cfg,
		interceptor: interceptor,
		dispatcher:  dispatcher,
		logger:      logger,
	}, nil
}

// Start connects to an existing Chrome or launches a new one. The context's
// logger, when present, replaces the runtime logger from here on.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger = logging.FromContextOr(ctx, r.logger)
	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return nil
		}
		r.logger.Warn("stale browser connection detected, reconnecting")
		_ = r.browser.Close()
		r.browser = nil
		r.controlURL = ""
	}

	controlURL := r.cfg.DebuggerURL
	if controlURL == "" {
		l := r.newLauncher()
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		r.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	r.browser = b
	r.controlURL = controlURL
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (r *Runtime) newLauncher() *launcher.Launcher {
	l := launcher.New().Headless(r.cfg.Headless)
	if len(r.cfg.Launch) > 0 {
		l = l.Bin(r.cfg.Launch[0])
		for _, rawFlag := range r.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	if r.cfg.GetServeMode() == ModeLoopback {
		l = l.Set(flags.Flag("host-resolver-rules"), r.hostResolverRule())
	}
	return l
}

// hostResolverRule maps the local authority's host onto the loopback server.
func (r *Runtime) hostResolverRule() string {
	authority := r.interceptor.Authority()
	host := authority.Hostname()
	if port := authority.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}
	return "MAP " + host + " " + r.cfg.LoopbackAddr
}

// ControlURL returns the WebSocket debugger URL.
func (r *Runtime) ControlURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controlURL
}

// SessionID identifies the open page in logs; empty before Open.
func (r *Runtime) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// Open creates the runtime page, wires interception and the bridge binding,
// and navigates to the entry page.
func (r *Runtime) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return errors.New("browser not connected")
	}
	if r.page != nil {
		return nil
	}

	page, err := r.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	sessionID := uuid.NewString()
	logger := r.logger.With(zap.String("session", sessionID))

	if r.cfg.GetServeMode() == ModeHijack {
		router := page.HijackRequests()
		hj := newHijacker(r.interceptor, r.cfg.LoopbackAddr, logger)
		if err := router.Add(hijackPattern(r.interceptor), "", hj.handle); err != nil {
			_ = page.Close()
			return fmt.Errorf("hijack local authority: %w", err)
		}
		go router.Run()
		r.router = router
	}

	binding := r.cfg.GetBindingName()
	stop, err := page.Expose(binding, bindingHandler(r.dispatcher, logger))
	if err != nil {
		r.closePageLocked(page)
		return fmt.Errorf("expose bridge binding: %w", err)
	}
	r.stopExpose = stop

	if _, err := page.EvalOnNewDocument(ShimScript(binding, shimOps(r.dispatcher))); err != nil {
		r.closePageLocked(page)
		return fmt.Errorf("install bridge shim: %w", err)
	}

	r.streamConsole(page, logger)

	entry := r.interceptor.URLFor(assets.Identifier(r.cfg.EntryPage))
	if err := page.Context(ctx).Timeout(r.cfg.NavigationTimeout()).Navigate(entry); err != nil {
		r.closePageLocked(page)
		return fmt.Errorf("navigate to %s: %w", entry, err)
	}

	r.page = page
	r.sessionID = sessionID
	logger.Info("runtime page opened", zap.String("url", entry), zap.String("mode", r.cfg.GetServeMode()))
	return nil
}

func shimOps(d Dispatcher) []string {
	if lister, ok := d.(interface{ Operations() []string }); ok {
		return lister.Operations()
	}
	return nil
}

func (r *Runtime) closePageLocked(page *rod.Page) {
	if r.router != nil {
		_ = r.router.Stop()
		r.router = nil
	}
	if r.stopExpose != nil {
		_ = r.stopExpose()
		r.stopExpose = nil
	}
	_ = page.Close()
}

// streamConsole forwards the page's console output to the log.
func (r *Runtime) streamConsole(page *rod.Page, logger *zap.Logger) {
	wait := page.Context(r.ctx).EachEvent(func(ev *proto.RuntimeConsoleAPICalled) {
		msg := stringifyConsoleArgs(ev.Args)
		switch ev.Type {
		case proto.RuntimeConsoleAPICalledTypeError, proto.RuntimeConsoleAPICalledTypeAssert:
			logger.Error("runtime console", zap.String("type", string(ev.Type)), zap.String("message", msg))
		case proto.RuntimeConsoleAPICalledTypeWarning:
			logger.Warn("runtime console", zap.String("message", msg))
		default:
			logger.Debug("runtime console", zap.String("type", string(ev.Type)), zap.String("message", msg))
		}
	}, func(ev *proto.RuntimeExceptionThrown) {
		if ev.ExceptionDetails != nil {
			logger.Error("runtime exception", zap.String("text", ev.ExceptionDetails.Text),
				zap.String("url", ev.ExceptionDetails.URL))
		}
	})
	go wait()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// Evaluate runs script in the page without waiting for it. Promise results
// are not awaited and errors are only logged.
func (r *Runtime) Evaluate(script string) {
	r.mu.RLock()
	page, ctx, logger := r.page, r.ctx, r.logger
	r.mu.RUnlock()

	if page == nil {
		logger.Warn("runtime page not open, dropping script evaluation")
		return
	}

	r.evals.Add(1)
	go func() {
		defer r.evals.Done()
		_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS:           "() => " + script,
			ByValue:      true,
			AwaitPromise: false,
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("script evaluation failed", zap.Error(err))
		}
	}()
}

// Shutdown closes the page and, when it launched it, the browser.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.page != nil {
		r.closePageLocked(r.page)
		r.page = nil
	}

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.launcher != nil {
		r.launcher.Cleanup()
		r.launcher = nil
	}
	r.controlURL = ""
	logger := r.logger
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.evals.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		logger.Warn("script evaluations still running at shutdown")
	}
	return err
}
