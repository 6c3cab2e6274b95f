package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ragbridge/internal/agent"
	"ragbridge/internal/bridge"
	"ragbridge/internal/browser"
	"ragbridge/internal/config"
	"ragbridge/internal/logging"
)

func setupTestConfig(t *testing.T) {
	t.Helper()
	cfg = config.DefaultConfig()
	cfg.Cache.Dir = t.TempDir()
	logger = zap.NewNop()
}

func TestRouter_ServesBundleCacheAndMetrics(t *testing.T) {
	setupTestConfig(t)

	store, err := openStore(cfg, logger)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Put("embedder/Xenova/nomic-embed-text-v1/config.json", strings.NewReader(`{"model_type":"nomic_bert"}`))
	require.NoError(t, err)

	interceptor, err := newInterceptor(cfg, store, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(newRouter(interceptor, "/metrics"))
	defer srv.Close()

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, body := get("/embedder/Xenova/nomic-embed-text-v1/config.json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=UTF-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"model_type":"nomic_bert"}`, body)

	resp, body = get("/TeachableLLM.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "TeachableLLM.js")

	resp, _ = get("/transformers.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "registered but not provisioned")

	resp, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCacheImportAndList(t *testing.T) {
	setupTestConfig(t)

	src := filepath.Join(t.TempDir(), "index.umd.js")
	require.NoError(t, os.WriteFile(src, []byte("// mememo"), 0644))

	var out bytes.Buffer
	require.NoError(t, importCache(&out, "mememo.js", src))
	assert.Contains(t, out.String(), "mememo.js -> sha256:")

	out.Reset()
	require.NoError(t, listCache(&out, false))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 10, "header plus the default sources")

	var mememo, transformers string
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "mememo.js "):
			mememo = l
		case strings.HasPrefix(l, "transformers.js "):
			transformers = l
		}
	}
	assert.Contains(t, mememo, "cached")
	assert.Contains(t, transformers, "missing")
}

func TestCacheListVerify(t *testing.T) {
	setupTestConfig(t)

	dir := t.TempDir()
	for key, content := range map[string]string{"mememo.js": "// mememo", "transformers.js": "// transformers"} {
		path := filepath.Join(dir, key)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		require.NoError(t, importCache(io.Discard, key, path))
	}

	store, err := openStore(cfg, logger)
	require.NoError(t, err)
	blob, ok := store.GetFile("transformers.js")
	require.True(t, ok)
	require.NoError(t, store.Close())
	require.NoError(t, os.WriteFile(blob, []byte("tampered"), 0644))

	var out bytes.Buffer
	require.NoError(t, listCache(&out, true))

	states := make(map[string]string)
	for _, l := range strings.Split(strings.TrimSpace(out.String()), "\n")[1:] {
		fields := strings.Fields(l)
		states[fields[0]] = fields[1]
	}
	assert.Equal(t, "verified", states["mememo.js"])
	assert.Equal(t, "corrupt", states["transformers.js"])
	assert.Equal(t, "missing", states["embedder/Xenova/nomic-embed-text-v1/config.json"])
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragbridge.yaml")
	t.Setenv("GEMINI_API_KEY", "secret")

	var out bytes.Buffer
	require.NoError(t, initConfig(&out, path, false))
	assert.Contains(t, out.String(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Bridge, loaded.Bridge)

	assert.Error(t, initConfig(io.Discard, path, false), "existing file is kept")
	assert.NoError(t, initConfig(io.Discard, path, true))
}

func TestWithCategory(t *testing.T) {
	setupTestConfig(t)

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := logging.ContextWithLogger(context.Background(), zap.New(core).With(zap.String("run", "r1")))

	logging.FromContextOr(withCategory(ctx, logging.CategoryCache), nil).Info("hello")
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "cache", entries[0].LoggerName)
	assert.Equal(t, "r1", entries[0].ContextMap()["run"])

	// Without a run logger the command logger is used.
	assert.NotNil(t, logging.FromContextOr(withCategory(context.Background(), logging.CategoryCache), nil))
}

func TestNewAgent(t *testing.T) {
	setupTestConfig(t)
	ctx := context.Background()

	cfg.Agent.Provider = "none"
	a, closer, err := newAgent(ctx, cfg, io.Discard, logger)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, closer())

	var out bytes.Buffer
	cfg.Agent.Provider = "echo"
	a, _, err = newAgent(ctx, cfg, &out, logger)
	require.NoError(t, err)
	require.IsType(t, &agent.Echo{}, a)

	b := bridge.New(nil, bridge.WithAgent(a))
	b.HandleDocuments("docs", "ctx")
	assert.Equal(t, "ctx\n\ndocs\n", out.String())

	cfg.Agent.Provider = "genai"
	cfg.Agent.APIKey = ""
	_, _, err = newAgent(ctx, cfg, io.Discard, logger)
	assert.Error(t, err)

	cfg.Agent.Provider = "carrier-pigeon"
	_, _, err = newAgent(ctx, cfg, io.Discard, logger)
	assert.Error(t, err)
}

func TestBrowserConfig(t *testing.T) {
	setupTestConfig(t)

	bc := browserConfig(cfg)
	assert.Equal(t, browser.ModeHijack, bc.ServeMode)
	assert.Equal(t, "TeachableLLM.html", bc.EntryPage)
	assert.Equal(t, "127.0.0.1:8089", bc.LoopbackAddr, "hijack mode streams cached assets from it")
	assert.Equal(t, 30000, bc.NavigationTimeoutMs)

	cfg.Browser.ServeMode = browser.ModeLoopback
	bc = browserConfig(cfg)
	assert.Equal(t, "127.0.0.1:8089", bc.LoopbackAddr)
	assert.NoError(t, bc.Validate())
}

func TestReadMessages(t *testing.T) {
	var got []string
	err := readMessages(context.Background(), strings.NewReader("first\n\n  second  \n"), func(msg string) {
		got = append(got, msg)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestPrintDocuments(t *testing.T) {
	var out bytes.Buffer
	printDocuments(&out, []bridge.Document{{Title: "Provisioning", Distance: 0.25}})
	assert.Equal(t, "retrieved 1 documents\n  1. Provisioning (distance 0.2500)\n", out.String())
}
