// Package agent provides conversational agents that receive the bridge's
// context-prefixed prompts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reply is one agent answer.
type Reply struct {
	ID     string
	Prompt string
	Text   string
}

// ResponseHandler receives replies.
type ResponseHandler func(Reply)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Agent answers each prompt on its own goroutine and reports the answer to
// its response handler. Converse never blocks the caller.
type Agent struct {
	gen     Generator
	timeout time.Duration
	logger  *zap.Logger
	onReply ResponseHandler
	ctx     context.Context
	cancel  context.CancelFunc

	// mu orders wg.Add in Converse against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an agent backed by gen.
func New(gen Generator, timeout time.Duration, onReply ResponseHandler, logger *zap.Logger) (*Agent, error) {
	if gen == nil {
		return nil, errors.New("agent: nil generator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		gen:     gen,
		timeout: timeout,
		logger:  logger,
		onReply: onReply,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Converse implements bridge.Agent.
func (a *Agent) Converse(prompt string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn("agent closed, dropping prompt")
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	id := uuid.NewString()
	go func() {
		defer a.wg.Done()

		ctx := a.ctx
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}

		start := time.Now()
		text, err := a.gen.Generate(ctx, prompt)
		if err != nil {
			a.logger.Error("agent generation failed", zap.String("request_id", id), zap.Error(err))
			return
		}
		a.logger.Debug("agent replied", zap.String("request_id", id), zap.Duration("took", time.Since(start)))

		if a.onReply != nil {
			a.onReply(Reply{ID: id, Prompt: prompt, Text: text})
		}
	}()
}

// Close cancels outstanding generations and waits for them to finish.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return nil
}

// Echo writes every prompt it receives to w. It stands in for a real agent
// when inspecting what the bridge would send.
type Echo struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEcho creates an echo agent writing to w.
func NewEcho(w io.Writer) *Echo {
	return &Echo{w: w}
}

// Converse implements bridge.Agent.
func (e *Echo) Converse(prompt string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = fmt.Fprintf(e.w, "%s\n", prompt)
}
