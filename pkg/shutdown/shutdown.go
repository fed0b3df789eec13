package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/gridsweep/pkg/logging"
)

// Manager runs cleanup hooks when a command finishes or is interrupted.
type Manager struct {
	mu      sync.Mutex
	hooks   []hook
	timeout time.Duration
	log     *logging.Logger
	once    sync.Once
	err     error
}

type hook struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		log:     logging.OrDiscard(logger),
	}
}

// Register adds a named hook. Hooks run in reverse registration order
// (LIFO), so a store opened before the metrics server is closed after it.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown runs every hook once, even if an earlier hook failed, and
// returns the joined errors. Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		hooks := m.hooks
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.fn(ctx); err != nil {
				m.log.Warn("shutdown hook failed", map[string]interface{}{"hook": h.name, "error": err.Error()})
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				continue
			}
			m.log.Debug("shutdown hook done", map[string]interface{}{"hook": h.name})
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// NotifyContext returns a context that is cancelled on SIGINT or SIGTERM.
// Cancellation only stops dispatch of new jobs; running trials finish.
func (m *Manager) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			m.log.Warn("signal received, waiting for running trials", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}
