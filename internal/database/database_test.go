package database

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ragbridge/internal/logging"
)

const validCorpus = `{"index":{"graphLayers":[]},"keys":["Go\nA language"],"embeddings":[[0.1,0.2,0.3]]}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoader_NoValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.txt")
	writeFile(t, path, "any host-defined text")

	l, err := NewLoader(false, nil)
	require.NoError(t, err)

	blob, err := l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "any host-defined text", blob)

	_, err = l.Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_Validation(t *testing.T) {
	l, err := NewLoader(true, nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		content string
		valid   bool
	}{
		{"valid", validCorpus, true},
		{"no index", `{"keys":[],"embeddings":[]}`, true},
		{"not json", `PROMPT: hello`, false},
		{"missing embeddings", `{"keys":["a"]}`, false},
		{"numeric keys", `{"keys":[1],"embeddings":[[1]]}`, false},
		{"string vector", `{"keys":["a"],"embeddings":[["x"]]}`, false},
		{"length mismatch", `{"keys":["a","b"],"embeddings":[[1]]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db.json")
			writeFile(t, path, tt.content)

			blob, err := l.Load(path)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, tt.content, blob)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidDatabase)
			assert.Empty(t, blob)
		})
	}
}

func TestNewWatcher_RejectsBadInput(t *testing.T) {
	_, err := NewWatcher("", func(string) error { return nil }, 0, nil)
	assert.Error(t, err)
	_, err = NewWatcher("db.json", nil, 0, nil)
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	writeFile(t, path, "v1")

	var mu sync.Mutex
	var loaded []string
	reloaded := make(chan struct{}, 4)
	reload := func(p string) error {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		mu.Lock()
		loaded = append(loaded, string(data))
		mu.Unlock()
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	}

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := logging.ContextWithLogger(context.Background(), zap.New(core))

	w, err := NewWatcher(path, reload, 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	writeFile(t, filepath.Join(dir, "other.json"), "x")

	writeFile(t, path, "v2-partial")
	writeFile(t, path, "v2")

	last := func() string {
		mu.Lock()
		defer mu.Unlock()
		if len(loaded) == 0 {
			return ""
		}
		return loaded[len(loaded)-1]
	}
	deadline := time.After(5 * time.Second)
	for last() != "v2" {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("database was not reloaded")
		}
	}

	stats := w.Stats()
	assert.GreaterOrEqual(t, stats.Reloads, 1)
	assert.GreaterOrEqual(t, stats.Events, 1)

	w.Stop()
	assert.Equal(t, 1, logs.FilterMessage("watching database file").Len())
	assert.GreaterOrEqual(t, logs.FilterMessage("database reloaded").Len(), 1)
}
