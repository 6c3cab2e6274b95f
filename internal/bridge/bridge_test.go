package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingAgent struct {
	mu      sync.Mutex
	prompts []string
}

func (a *recordingAgent) Converse(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
}

type recordingRuntime struct {
	mu      sync.Mutex
	scripts []string
}

func (r *recordingRuntime) Evaluate(script string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, script)
}

func TestDatabase_FullReplace(t *testing.T) {
	b := New(nil)
	rt := &recordingRuntime{}
	b.AttachRuntime(rt)

	assert.Equal(t, "", b.GetDatabase())

	b.SetDatabaseContents("doc-corpus-v1")
	assert.Equal(t, "doc-corpus-v1", b.GetDatabase())

	b.SetDatabaseContents("doc-corpus-v2")
	assert.Equal(t, "doc-corpus-v2", b.GetDatabase())

	b.SetDatabaseContents("")
	assert.Equal(t, "", b.GetDatabase())

	assert.Equal(t, []string{ImportScript, ImportScript, ImportScript}, rt.scripts)
}

func TestSetDatabaseFile(t *testing.T) {
	rt := &recordingRuntime{}
	files := map[string]string{"/db/v1.json": "v1"}
	b := New(nil, WithLoader(func(path string) (string, error) {
		if s, ok := files[path]; ok {
			return s, nil
		}
		return "", errors.New("no such file")
	}))
	b.AttachRuntime(rt)

	require.NoError(t, b.SetDatabaseFile(""))
	assert.Empty(t, rt.scripts)

	require.NoError(t, b.SetDatabaseFile("/db/v1.json"))
	assert.Equal(t, "v1", b.GetDatabase())
	assert.Len(t, rt.scripts, 1)

	err := b.SetDatabaseFile("/db/missing.json")
	assert.Error(t, err)
	assert.Equal(t, "v1", b.GetDatabase(), "failed read keeps previous blob")
	assert.Len(t, rt.scripts, 1, "failed read does not signal an import")
}

func TestSetDatabaseContents_WithoutRuntime(t *testing.T) {
	b := New(nil)
	assert.NotPanics(t, func() { b.SetDatabaseContents("x") })
	assert.Equal(t, "x", b.GetDatabase())
}

func TestHandleDocuments(t *testing.T) {
	tests := []struct {
		name    string
		docs    string
		context string
		want    string
	}{
		{"plain", "doc A\ndoc B", "Answer using:", "Answer using:\n\ndoc A\ndoc B"},
		{"empty docs", "", "ctx", "ctx\n\n"},
		{"empty context", "docs", "", "\n\ndocs"},
		{"both empty", "", "", "\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &recordingAgent{}
			b := New(nil, WithAgent(agent))
			b.HandleDocuments(tt.docs, tt.context)
			assert.Equal(t, []string{tt.want}, agent.prompts)
		})
	}
}

func TestHandleDocuments_NoAgent(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := New(nil, WithLogger(zap.New(core)))
	rt := &recordingRuntime{}
	b.AttachRuntime(rt)

	assert.NotPanics(t, func() { b.HandleDocuments("docs", "ctx") })
	assert.Empty(t, rt.scripts)
	assert.Zero(t, logs.Len())

	agent := &recordingAgent{}
	b.AttachAgent(agent)
	b.DetachAgent()
	b.HandleDocuments("docs", "ctx")
	assert.Empty(t, agent.prompts)
}

func TestFetchedDocuments_RaisesParsedEvent(t *testing.T) {
	b := New(nil)
	var got []Document
	calls := 0
	b.OnFetchedDocuments(func(docs []Document) {
		calls++
		got = docs
	})

	b.FetchedDocuments(`[{"title":"Go","content":"Go is a language","distance":0.12},{"title":"Rod","content":"CDP driver","distance":0.5}]`)

	want := []Document{
		{Title: "Go", Content: "Go is a language", Distance: 0.12},
		{Title: "Rod", Content: "CDP driver", Distance: 0.5},
	}
	assert.Equal(t, 1, calls)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchedDocuments_ParseFailureSuppressed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := New(nil, WithLogger(zap.New(core)))
	raised := false
	b.OnFetchedDocuments(func([]Document) { raised = true })

	b.FetchedDocuments("PROMPT: not json")

	assert.False(t, raised)
	assert.Equal(t, 1, logs.FilterMessage("failed to parse fetched documents").Len())
}

func TestFetchedDocuments_RunsOnMainLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewMainLoop(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()

	b := New(loop)
	events := make(chan []Document, 1)
	b.OnFetchedDocuments(func(docs []Document) { events <- docs })

	// Inbound calls arrive on foreign goroutines.
	go b.FetchedDocuments(`[{"title":"t","content":"c","distance":1}]`)

	select {
	case docs := <-events:
		require.Len(t, docs, 1)
		assert.Equal(t, "t", docs[0].Title)
	case <-time.After(2 * time.Second):
		t.Fatal("event not raised")
	}

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.False(t, loop.Post(func() {}), "post after stop must fail")
}

func TestMainLoop_PreservesOrderAndRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewMainLoop(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()

	var order []int
	done := make(chan struct{})
	require.True(t, loop.Post(func() { order = append(order, 1) }))
	require.True(t, loop.Post(func() { panic("task failure") }))
	require.True(t, loop.Post(func() { order = append(order, 2) }))
	require.True(t, loop.Post(func() { close(done) }))

	<-done
	assert.Equal(t, []int{1, 2}, order)

	cancel()
	<-loop.Done()
}

func TestDispatch(t *testing.T) {
	agent := &recordingAgent{}
	b := New(nil, WithAgent(agent))
	b.SetDatabaseContents("corpus")

	got, err := b.Dispatch(Call{Op: OpGetDatabase})
	require.NoError(t, err)
	assert.Equal(t, "corpus", got)

	got, err = b.Dispatch(Call{Op: OpGetDatabase, Args: json.RawMessage(`[]`)})
	require.NoError(t, err)
	assert.Equal(t, "corpus", got)

	_, err = b.Dispatch(Call{Op: OpHandleDocuments, Args: json.RawMessage(`["docs","ctx"]`)})
	require.NoError(t, err)
	assert.Equal(t, []string{"ctx\n\ndocs"}, agent.prompts)

	var raised bool
	b.OnFetchedDocuments(func([]Document) { raised = true })
	_, err = b.Dispatch(Call{Op: OpFetchedDocuments, Args: json.RawMessage(`["[]"]`)})
	require.NoError(t, err)
	assert.True(t, raised)

	assert.Equal(t, []string{OpFetchedDocuments, OpGetDatabase, OpHandleDocuments}, b.Operations())
}

func TestDispatch_Validation(t *testing.T) {
	b := New(nil)

	tests := []struct {
		name string
		call Call
		want error
	}{
		{"unknown op", Call{Op: "DeleteEverything"}, ErrUnknownOperation},
		{"case matters", Call{Op: "getDatabase"}, ErrUnknownOperation},
		{"missing args", Call{Op: OpHandleDocuments}, ErrBadArguments},
		{"too few", Call{Op: OpHandleDocuments, Args: json.RawMessage(`["docs"]`)}, ErrBadArguments},
		{"too many", Call{Op: OpGetDatabase, Args: json.RawMessage(`["x"]`)}, ErrBadArguments},
		{"not array", Call{Op: OpFetchedDocuments, Args: json.RawMessage(`{"docs":"[]"}`)}, ErrBadArguments},
		{"number arg", Call{Op: OpFetchedDocuments, Args: json.RawMessage(`[5]`)}, ErrBadArguments},
		{"null arg", Call{Op: OpFetchedDocuments, Args: json.RawMessage(`[null]`)}, ErrBadArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Dispatch(tt.call)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type panickingAgent struct{}

func (panickingAgent) Converse(string) { panic("agent exploded") }

func TestDispatch_RecoversPanics(t *testing.T) {
	b := New(nil, WithAgent(panickingAgent{}))

	var err error
	assert.NotPanics(t, func() {
		_, err = b.Dispatch(Call{Op: OpHandleDocuments, Args: json.RawMessage(`["d","c"]`)})
	})
	assert.Error(t, err)
}
