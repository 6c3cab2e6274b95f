// Package bridge is the narrow surface between the host and the embedded
// runtime's script context. The runtime may call GetDatabase, HandleDocuments
// and FetchedDocuments; the host pushes database contents back with
// SetDatabaseContents. Calls in either direction are one-way and failures on
// the runtime side of the boundary are logged and absorbed.
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ImportScript tells the runtime to re-read the database and rebuild its index.
const ImportScript = "handleImport()"

// Runtime evaluates script in the embedded runtime without waiting for a result.
type Runtime interface {
	Evaluate(script string)
}

// Agent is the downstream conversational component.
type Agent interface {
	Converse(prompt string)
}

// Document is one retrieved snippet as reported by the runtime.
type Document struct {
	Title    string  `json:"title"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// FetchedDocumentsHandler receives FetchedDocuments events on the host's
// primary context.
type FetchedDocumentsHandler func(docs []Document)

// LoadFunc reads a database file into a blob.
type LoadFunc func(path string) (string, error)

type agentRef struct{ Agent }

type runtimeRef struct{ Runtime }

// Bridge owns the live DatabaseBlob and routes calls between the runtime, the
// host and the agent.
type Bridge struct {
	database atomic.Pointer[string]
	agent    atomic.Pointer[agentRef]
	runtime  atomic.Pointer[runtimeRef]

	loop   Poster
	load   LoadFunc
	logger *zap.Logger

	mu       sync.Mutex
	handlers []FetchedDocumentsHandler

	ops map[string]operation
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithLoader replaces the plain file read used by SetDatabaseFile.
func WithLoader(fn LoadFunc) Option {
	return func(b *Bridge) { b.load = fn }
}

// WithAgent attaches an agent at construction.
func WithAgent(a Agent) Option {
	return func(b *Bridge) { b.AttachAgent(a) }
}

// New creates a bridge whose host-visible events are dispatched through loop.
// A nil loop runs them inline.
func New(loop Poster, opts ...Option) *Bridge {
	if loop == nil {
		loop = InlinePoster{}
	}
	b := &Bridge{
		loop:   loop,
		load:   readFile,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.ops = b.operations()
	return b
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AttachRuntime sets the runtime notified by SetDatabaseContents.
func (b *Bridge) AttachRuntime(r Runtime) {
	if r == nil {
		b.runtime.Store(nil)
		return
	}
	b.runtime.Store(&runtimeRef{r})
}

// AttachAgent sets the agent receiving composed prompts. Nil detaches.
func (b *Bridge) AttachAgent(a Agent) {
	if a == nil {
		b.agent.Store(nil)
		return
	}
	b.agent.Store(&agentRef{a})
}

// DetachAgent removes the agent; later HandleDocuments calls are dropped.
func (b *Bridge) DetachAgent() {
	b.agent.Store(nil)
}

// OnFetchedDocuments subscribes h to FetchedDocuments events.
func (b *Bridge) OnFetchedDocuments(h FetchedDocumentsHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// GetDatabase returns the current blob, or "" when none has been set.
func (b *Bridge) GetDatabase() string {
	if p := b.database.Load(); p != nil {
		return *p
	}
	return ""
}

// SetDatabaseContents replaces the blob wholesale and asks the runtime to
// import it. No acknowledgement is awaited.
func (b *Bridge) SetDatabaseContents(blob string) {
	b.database.Store(&blob)
	b.logger.Info("database contents replaced", zap.Int("bytes", len(blob)))

	if rt := b.runtime.Load(); rt != nil {
		rt.Evaluate(ImportScript)
	}
}

// SetDatabaseFile loads path and installs it as the database. An empty path
// does nothing. When the read fails the previous blob stays live, the runtime
// is not notified, and the error is logged and returned.
func (b *Bridge) SetDatabaseFile(path string) error {
	if path == "" {
		return nil
	}
	blob, err := b.load(path)
	if err != nil {
		b.logger.Error("failed to read database file", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("read database %s: %w", path, err)
	}
	b.SetDatabaseContents(blob)
	return nil
}

// HandleDocuments forwards contextPrompt + "\n\n" + documents to the attached
// agent. Without an agent the call is dropped.
func (b *Bridge) HandleDocuments(documents, contextPrompt string) {
	ref := b.agent.Load()
	if ref == nil {
		b.logger.Debug("no agent attached, dropping documents")
		return
	}
	ref.Converse(contextPrompt + "\n\n" + documents)
}

// FetchedDocuments parses documents and raises the FetchedDocuments event on
// the host's primary context. Unparseable payloads are logged and no event is
// raised.
func (b *Bridge) FetchedDocuments(documents string) {
	posted := b.loop.Post(func() {
		var docs []Document
		if err := json.Unmarshal([]byte(documents), &docs); err != nil {
			b.logger.Warn("failed to parse fetched documents",
				zap.Int("bytes", len(documents)), zap.Error(err))
			return
		}

		b.mu.Lock()
		handlers := append([]FetchedDocumentsHandler(nil), b.handlers...)
		b.mu.Unlock()

		for _, h := range handlers {
			h(docs)
		}
	})
	if !posted {
		b.logger.Warn("host context stopped, FetchedDocuments event dropped")
	}
}
