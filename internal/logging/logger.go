// Package logging builds the zap loggers used across ragbridge.
// Subsystems log through a named child logger per Category so output can be
// filtered by component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config, shutdown
	CategoryCache        Category = "cache"        // Local cache registry and provisioning
	CategoryIntercept    Category = "intercept"    // Local-authority request interception
	CategoryBridge       Category = "bridge"       // Inbound/outbound bridge operations
	CategoryConversation Category = "conversation" // Retrieval requests
	CategoryDatabase     Category = "database"     // Database file reads and watching
	CategoryBrowser      Category = "browser"      // Embedded runtime host, console output
	CategoryAgent        Category = "agent"        // Conversational agent calls
	CategoryServer       Category = "server"       // Loopback asset server
)

// Options controls logger construction.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// New builds a zap logger. JSON output uses the production config, console
// output the development config.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// Named returns the category child of l. A nil l yields a no-op logger.
func Named(l *zap.Logger, category Category) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.Named(string(category))
}
