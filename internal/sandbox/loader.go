package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/config"
)

// AvailabilityRecorder receives the cached load outcome.
type AvailabilityRecorder interface {
	RecordRuntimeAvailability(name string, available bool)
}

// LoaderOptions bounds the one-time load.
type LoaderOptions struct {
	// Name labels logs and metrics.
	Name         string
	SettleDelay  time.Duration
	PollInterval time.Duration
	InitTimeout  time.Duration
	Recorder     AvailabilityRecorder
}

// OptionsFromConfig maps runtime configuration onto loader options.
func OptionsFromConfig(cfg config.RuntimeConfig) LoaderOptions {
	return LoaderOptions{
		Name:         "puter",
		SettleDelay:  cfg.SettleDelay,
		PollInterval: cfg.PollInterval,
		InitTimeout:  cfg.InitTimeout,
	}
}

// loadCall is the single in-flight load shared by every waiter.
type loadCall struct {
	done chan struct{}
	ok   bool
}

// MemoLoader runs its Bootstrapper at most once per process and caches the
// boolean outcome. It is safe for concurrent use.
type MemoLoader struct {
	boot   Bootstrapper
	opts   LoaderOptions
	logger *zap.Logger

	// baseCtx scopes the load itself, independent of any single caller.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	call *loadCall

	settled   atomic.Bool
	available atomic.Bool
}

var _ Loader = (*MemoLoader)(nil)

// NewMemoLoader returns a loader that has not started loading yet.
func NewMemoLoader(boot Bootstrapper, opts LoaderOptions, logger *zap.Logger) *MemoLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "runtime"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoLoader{
		boot:    boot,
		opts:    opts,
		logger:  logger.Named("sandbox").With(zap.String("runtime", opts.Name)),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// LoadOnce implements Loader. A caller whose ctx ends first gets false for
// this call only; the shared load keeps running and its result is cached.
func (m *MemoLoader) LoadOnce(ctx context.Context) bool {
	if m.settled.Load() {
		return m.available.Load()
	}

	m.mu.Lock()
	if m.call == nil {
		m.call = &loadCall{done: make(chan struct{})}
		go m.run(m.call)
	}
	call := m.call
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.ok
	case <-ctx.Done():
		return false
	}
}

// IsAvailable implements Loader.
func (m *MemoLoader) IsAvailable() bool {
	return m.settled.Load() && m.available.Load()
}

// Capability implements Loader.
func (m *MemoLoader) Capability() Capability {
	if !m.IsAvailable() {
		return nil
	}
	return m.boot.Capability()
}

// Wait blocks until an in-flight load finishes. It returns immediately when no
// load was ever started.
func (m *MemoLoader) Wait() {
	m.mu.Lock()
	call := m.call
	m.mu.Unlock()
	if call != nil {
		<-call.done
	}
}

// Close aborts an in-flight load, which then settles as unavailable.
func (m *MemoLoader) Close() {
	m.cancel()
	m.Wait()
}

func (m *MemoLoader) run(call *loadCall) {
	start := time.Now()
	err := m.load()
	ok := err == nil

	if m.opts.Recorder != nil {
		m.opts.Recorder.RecordRuntimeAvailability(m.opts.Name, ok)
	}
	if ok {
		m.logger.Info("Sandboxed runtime ready.", zap.Duration("elapsed", time.Since(start)))
	} else {
		m.logger.Warn("Sandboxed runtime unavailable; it will be skipped for the rest of the session.",
			zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	}

	call.ok = ok
	m.available.Store(ok)
	m.settled.Store(true)
	close(call.done)
}

func (m *MemoLoader) load() error {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.opts.InitTimeout)
	defer cancel()

	if err := m.boot.Inject(ctx); err != nil {
		return fmt.Errorf("inject runtime: %w", err)
	}

	if err := sleepCtx(ctx, m.opts.SettleDelay); err != nil {
		return readinessError(err, m.opts.InitTimeout)
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		ready, err := m.boot.Ready(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return readinessError(ctx.Err(), m.opts.InitTimeout)
			}
			return fmt.Errorf("runtime failed to initialize: %w", err)
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return readinessError(ctx.Err(), m.opts.InitTimeout)
		case <-ticker.C:
		}
	}
}

func readinessError(err error, budget time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("runtime not ready within %s: %w", budget, err)
	}
	return fmt.Errorf("runtime load aborted: %w", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
