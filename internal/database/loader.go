// Package database reads the host's document database file into the blob the
// bridge exposes to the runtime, and reloads it when the file changes.
package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// ErrInvalidDatabase reports a file that does not have the corpus layout.
var ErrInvalidDatabase = errors.New("invalid database file")

// corpusSchema is the layout handleImport() expects: a serialized HNSW graph
// plus parallel keys and embeddings.
const corpusSchema = `{
  "type": "object",
  "required": ["keys", "embeddings"],
  "properties": {
    "index": {"type": "object"},
    "keys": {"type": "array", "items": {"type": "string"}},
    "embeddings": {
      "type": "array",
      "items": {"type": "array", "items": {"type": "number"}}
    }
  }
}`

// Loader reads database files, optionally checking their layout first.
type Loader struct {
	schema *gojsonschema.Schema
	logger *zap.Logger
}

// NewLoader creates a loader. With validate set, Load rejects files that are
// not a corpus document.
func NewLoader(validate bool, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{logger: logger}
	if validate {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(corpusSchema))
		if err != nil {
			return nil, fmt.Errorf("compile database schema: %w", err)
		}
		l.schema = schema
	}
	return l, nil
}

// Load returns the contents of path as a blob.
func (l *Loader) Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if l.schema != nil {
		if err := l.validate(data); err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
	}
	l.logger.Debug("database file read", zap.String("path", path), zap.Int("bytes", len(data)))
	return string(data), nil
}

func (l *Loader) validate(data []byte) error {
	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidDatabase, strings.Join(msgs, "; "))
	}

	var corpus struct {
		Keys       []json.RawMessage `json:"keys"`
		Embeddings []json.RawMessage `json:"embeddings"`
	}
	if err := json.Unmarshal(data, &corpus); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
	}
	if len(corpus.Keys) != len(corpus.Embeddings) {
		return fmt.Errorf("%w: %d keys but %d embeddings", ErrInvalidDatabase, len(corpus.Keys), len(corpus.Embeddings))
	}
	return nil
}
