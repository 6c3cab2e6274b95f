// Package browser hosts the embedded web runtime in Chromium through go-rod.
// It routes the runtime's local-authority requests to the interceptor, exposes
// the bridge operations to page script, and evaluates host calls in the page.
package browser

import (
	"fmt"
	"time"
)

// Serve modes for the local authority.
const (
	// ModeHijack pauses local requests over the DevTools Fetch domain.
	// Bundled files are fulfilled in place; with a LoopbackAddr, cached
	// assets continue to the loopback server and stream from there.
	ModeHijack = "hijack"
	// ModeLoopback maps the local authority's host onto a loopback HTTP
	// server, which streams bodies instead of buffering them.
	ModeLoopback = "loopback"
)

// Config holds browser configuration.
type Config struct {
	DebuggerURL         string   `json:"debugger_url"`
	Launch              []string `json:"launch"`
	Headless            bool     `json:"headless"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms"`
	ServeMode           string   `json:"serve_mode"`
	LoopbackAddr        string   `json:"loopback_addr"`
	EntryPage           string   `json:"entry_page"`
	BindingName         string   `json:"binding_name"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		NavigationTimeoutMs: 30000,
		ServeMode:           ModeHijack,
		EntryPage:           "TeachableLLM.html",
		BindingName:         "__ragbridge",
	}
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// GetBindingName returns the page binding name.
func (c Config) GetBindingName() string {
	if c.BindingName == "" {
		return "__ragbridge"
	}
	return c.BindingName
}

// GetServeMode returns the serve mode, defaulting to hijack.
func (c Config) GetServeMode() string {
	if c.ServeMode == "" {
		return ModeHijack
	}
	return c.ServeMode
}

// Validate checks mode-specific requirements.
func (c Config) Validate() error {
	switch c.GetServeMode() {
	case ModeHijack:
	case ModeLoopback:
		if c.LoopbackAddr == "" {
			return fmt.Errorf("serve mode %q needs a loopback address", ModeLoopback)
		}
	default:
		return fmt.Errorf("unknown serve mode %q", c.ServeMode)
	}
	return nil
}
