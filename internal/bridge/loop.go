package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Poster schedules work on the host's primary execution context.
type Poster interface {
	// Post queues fn. It reports false when the context has stopped and fn
	// will never run.
	Post(fn func()) bool
}

// MainLoop is a single goroutine that owns host-visible state. Work posted
// from any goroutine runs on it in submission order.
type MainLoop struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewMainLoop creates a loop with room for buffer queued tasks.
func NewMainLoop(buffer int, logger *zap.Logger) *MainLoop {
	if buffer < 0 {
		buffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MainLoop{
		tasks:  make(chan func(), buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes posted tasks until ctx is done. Tasks still queued at that
// point are dropped.
func (m *MainLoop) Run(ctx context.Context) error {
	defer m.once.Do(func() { close(m.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.tasks:
			m.run(fn)
		}
	}
}

func (m *MainLoop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in main loop task", zap.Any("panic", r))
		}
	}()
	fn()
}

// Post implements Poster. It blocks while the queue is full.
func (m *MainLoop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.tasks <- fn:
		return true
	case <-m.done:
		return false
	}
}

// Done is closed once Run has returned.
func (m *MainLoop) Done() <-chan struct{} {
	return m.done
}

// InlinePoster runs posted work synchronously on the caller's goroutine. It
// suits hosts without a dedicated primary context, and tests.
type InlinePoster struct{}

func (InlinePoster) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	fn()
	return true
}
