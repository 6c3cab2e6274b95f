package intercept

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ragbridge/internal/assets"
)

type mapCache map[string]string

func (m mapCache) GetFile(key string) (string, bool) {
	p, ok := m[key]
	return p, ok
}

// spyResolver records every call and fails the test if one is unexpected.
type spyResolver struct {
	calls []assets.Identifier
	fn    func(id assets.Identifier) (io.ReadCloser, assets.Source, error)
}

func (s *spyResolver) Resolve(id assets.Identifier) (io.ReadCloser, assets.Source, error) {
	s.calls = append(s.calls, id)
	if s.fn == nil {
		return nil, assets.SourceCache, assets.ErrNotFound
	}
	return s.fn(id)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newFixture(t *testing.T) (*Interceptor, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "blob-config")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"a":1}`), 0644))

	bundle := assets.NewFSBundle(fstest.MapFS{
		"TeachableLLM.html": &fstest.MapFile{Data: []byte("<html></html>")},
	})
	resolver := assets.NewResolver(mapCache{"config.json": cfgPath}, bundle, "TeachableLLM")

	i, err := New("http://localhost/", resolver, zap.NewNop())
	require.NoError(t, err)
	return i, cfgPath
}

func TestIntercept_ServesCachedJSON(t *testing.T) {
	i, _ := newFixture(t)

	resp, ok := i.Intercept(mustURL(t, "http://localhost/config.json"))
	require.True(t, ok)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "application/json", resp.ContentType.MIMEType)
	assert.Equal(t, assets.CharsetUTF8, resp.ContentType.Charset)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, assets.SourceCache, resp.Source)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestIntercept_ServesBundledPageWithEmptyCache(t *testing.T) {
	bundle := assets.NewFSBundle(fstest.MapFS{
		"TeachableLLM.html": &fstest.MapFile{Data: []byte("<html></html>")},
	})
	resolver := assets.NewResolver(mapCache{}, bundle, "TeachableLLM")
	i, err := New("http://localhost/", resolver, nil)
	require.NoError(t, err)

	resp, ok := i.Intercept(mustURL(t, "http://localhost/TeachableLLM.html"))
	require.True(t, ok)
	defer resp.Body.Close()

	assert.Equal(t, "text/html", resp.ContentType.MIMEType)
	assert.Equal(t, assets.SourceBundle, resp.Source)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))
}

func TestIntercept_PassesForeignURLsWithoutResolving(t *testing.T) {
	spy := &spyResolver{}
	i, err := New("http://localhost/", spy, nil)
	require.NoError(t, err)

	for _, raw := range []string{
		"https://example.com/x.js",
		"https://localhost/config.json",
		"http://localhost:8080/config.json",
		"http://127.0.0.1/config.json",
	} {
		t.Run(raw, func(t *testing.T) {
			_, ok := i.Intercept(mustURL(t, raw))
			assert.False(t, ok)
		})
	}
	assert.Empty(t, spy.calls)
}

func TestIntercept_MissPassesAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	spy := &spyResolver{}
	i, err := New("http://localhost/", spy, zap.New(core))
	require.NoError(t, err)

	_, ok := i.Intercept(mustURL(t, "http://localhost/embedder/missing.onnx"))
	assert.False(t, ok)
	assert.Equal(t, []assets.Identifier{"embedder/missing.onnx"}, spy.calls)
	assert.Equal(t, 1, logs.FilterMessage("resource not available locally").Len())
}

func TestIntercept_ResolverErrorAndPanicPass(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	failing := &spyResolver{fn: func(assets.Identifier) (io.ReadCloser, assets.Source, error) {
		return nil, assets.SourceCache, errors.New("permission denied")
	}}
	i, err := New("http://localhost/", failing, zap.New(core))
	require.NoError(t, err)
	_, ok := i.Intercept(mustURL(t, "http://localhost/a.js"))
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("error handling web resource request").Len())

	panicking := &spyResolver{fn: func(assets.Identifier) (io.ReadCloser, assets.Source, error) {
		panic("boom")
	}}
	i, err = New("http://localhost/", panicking, zap.New(core))
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, ok = i.Intercept(mustURL(t, "http://localhost/a.js"))
	})
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("panic while handling web resource request").Len())
}

func TestURLFor(t *testing.T) {
	i, _ := newFixture(t)
	assert.Equal(t, "http://localhost/TeachableLLM.html", i.URLFor("TeachableLLM.html"))
	assert.True(t, i.Eligible(mustURL(t, i.URLFor("embedder/config.json"))))
}

func TestNew_RejectsBadAuthority(t *testing.T) {
	_, err := New("localhost", &spyResolver{}, nil)
	assert.Error(t, err)
	_, err = New("http://localhost/", nil, nil)
	assert.Error(t, err)
}

func TestHandler_StreamsAndMisses(t *testing.T) {
	i, _ := newFixture(t)
	srv := httptest.NewServer(i.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config.json")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=UTF-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, `{"a":1}`, string(body))

	resp, err = http.Get(srv.URL + "/nope.bin")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Head(srv.URL + "/TeachableLLM.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
}

func TestHandler_AuthorityWithPathPrefix(t *testing.T) {
	bundle := assets.NewFSBundle(fstest.MapFS{
		"TeachableLLM.html": &fstest.MapFile{Data: []byte("<html></html>")},
	})
	i, err := New("http://localhost/app/", assets.NewResolver(nil, bundle, "TeachableLLM"), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(i.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/app/TeachableLLM.html")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html></html>", string(body))

	resp, err = http.Get(srv.URL + "/TeachableLLM.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "outside the authority path")
}
