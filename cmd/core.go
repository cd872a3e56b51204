// File: cmd/core.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/browser"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/engine"
	"github.com/xkilldash9x/taskpilot/internal/planner"
	"github.com/xkilldash9x/taskpilot/internal/service"
	"github.com/xkilldash9x/taskpilot/internal/session"
)

// core bundles the wired subsystems shared by the serve and run commands.
type core struct {
	registry *session.Registry
	pool     *browser.Manager
	engine   *engine.Engine
	svc      *service.Service
}

// buildCore stands up the browser pool, planner, session registry, engine
// and service facade. On any failure it tears down what it already started.
func buildCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*core, error) {
	pool, err := browser.NewManager(ctx, logger, cfg.Browser)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser pool: %w", err)
	}

	pl, err := planner.New(cfg.Planner, logger)
	if err != nil {
		pool.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize planner: %w", err)
	}

	registry := session.NewRegistry(cfg.Session, logger)
	registry.StartJanitor(ctx)

	eng := engine.New(cfg.Engine, logger, pl, pool, registry)
	svc := service.New(logger, registry, eng, pool)

	return &core{
		registry: registry,
		pool:     pool,
		engine:   eng,
		svc:      svc,
	}, nil
}

// shutdown drains running tasks, then tears down the browser pool and the
// session registry.
func (c *core) shutdown(logger *zap.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.engine.Shutdown(ctx); err != nil {
		logger.Warn("Engine did not drain cleanly", zap.Error(err))
	}
	if err := c.pool.Shutdown(ctx); err != nil {
		logger.Warn("Browser pool did not shut down cleanly", zap.Error(err))
	}
	c.registry.Close()
}
