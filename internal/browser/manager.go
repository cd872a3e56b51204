// File: internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
)

// Manager owns the headless browser process and hands out isolated session
// contexts (tabs) up to a hard pool ceiling. Each browser context is a
// heavyweight native resource, so saturation is reported immediately rather
// than queued.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process. All session contexts are
	// derived from it.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// sem enforces the pool ceiling; TryAcquire gives callers backpressure
	// without blocking.
	sem *semaphore.Weighted

	// wg tracks live sessions for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser process and verifies it is responsive.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.PoolSize)),
	}

	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

// launchBrowser prepares allocator options and starts the headless browser.
func (m *Manager) launchBrowser(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...")

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	m.allocatorCtx = allocCtx
	m.allocatorCancel = cancel

	// Verify the browser starts and responds before accepting any work.
	testCtx, cancelTest := context.WithTimeout(allocCtx, 30*time.Second)
	testCtx, cancelTestCtx := chromedp.NewContext(testCtx)
	defer cancelTestCtx()
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.",
		zap.Int("pool_size", m.cfg.PoolSize))
	return nil
}

// buildAllocatorOptions assembles the flags for the browser instance.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := chromedp.DefaultExecAllocatorOptions[:]

	opts = append(opts,
		chromedp.Flag("headless", m.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", m.cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", m.cfg.Headless),
	)

	// Custom arguments from config.yaml.
	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Flags required for running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}

// Acquire hands out a fresh, isolated session context or fails immediately
// with ErrResourceExhausted when the pool is saturated.
func (m *Manager) Acquire(ctx context.Context) (schemas.BrowserSession, error) {
	if err := m.allocatorCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser process is down: %w", err)
	}
	if !m.sem.TryAcquire(1) {
		return nil, schemas.ErrResourceExhausted
	}

	sc, err := newSessionContext(m.allocatorCtx, m.cfg, m.logger)
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("failed to initialize browser session: %w", err)
	}

	m.wg.Add(1)
	return &sessionHandle{sessionContext: sc, release: m.releaseSlot}, nil
}

func (m *Manager) releaseSlot() {
	m.sem.Release(1)
	m.wg.Done()
}

// Healthy reports whether the browser process is up and answering CDP calls.
func (m *Manager) Healthy(ctx context.Context) error {
	if err := m.allocatorCtx.Err(); err != nil {
		return fmt.Errorf("browser process is down: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(m.allocatorCtx, 5*time.Second)
	defer cancel()
	probeCtx, cancelTab := chromedp.NewContext(probeCtx)
	defer cancelTab()

	var ok bool
	if err := chromedp.Run(probeCtx, chromedp.Evaluate("true", &ok)); err != nil {
		return fmt.Errorf("browser probe failed: %w", err)
	}
	return nil
}

// Shutdown waits for active sessions to finish and terminates the browser
// process, respecting the caller's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for active sessions...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions have completed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}

// -- sessionHandle --
// Decorates a session context so the pool slot is released exactly once when
// the session closes, no matter how many times Close is called.
type sessionHandle struct {
	*sessionContext
	release func()

	mu       sync.Mutex
	released bool
}

func (h *sessionHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.sessionContext.Close(ctx)

	if !h.released {
		h.released = true
		h.release()
	}
	return err
}
