// Package shutdown stops kl-server components in reverse order of
// registration, so the acceptor drains its sessions before the reaper and
// journal they report to go away.
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("reaper", rp)
//	coord.RegisterTimeout("server", srv, 20*time.Second)
//	err := coord.Shutdown(ctx) // server, then reaper
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by every component taking part in shutdown.
// Shutdown should return ctx.Err() when it cannot finish before ctx ends.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a plain function, such as a Close method, to Shutdowner.
type Func func(ctx context.Context) error

// Shutdown calls f.
func (f Func) Shutdown(ctx context.Context) error { return f(ctx) }

type component struct {
	name  string
	s     Shutdowner
	limit time.Duration // 0: bounded only by the overall deadline
}

// Coordinator runs registered shutdowns last-in first-out.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With(slog.String("component", "shutdown"))}
}

// Register adds a component. Later registrations are stopped first.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.RegisterTimeout(name, s, 0)
}

// RegisterTimeout is Register with a cap on how long this component alone
// may take. A component that hits its cap counts as failed and the
// remaining components still run.
func (c *Coordinator) RegisterTimeout(name string, s Shutdowner, limit time.Duration) {
	c.components = append(c.components, component{name: name, s: s, limit: limit})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops every component in reverse order and returns all of their
// errors joined. It gives up on the components not yet stopped once ctx ends.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown", slog.Int("components", len(c.components)))

	var errs []error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]
		if err := ctx.Err(); err != nil {
			c.logger.Error("shutdown deadline exceeded",
				slog.String("remaining_component", comp.name),
				slog.Int("skipped", i+1),
			)
			errs = append(errs, fmt.Errorf("shutdown deadline exceeded at %s: %w", comp.name, err))
			break
		}
		if err := c.stop(ctx, comp); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err == nil {
		c.logger.Info("coordinated shutdown complete")
	}
	return err
}

func (c *Coordinator) stop(ctx context.Context, comp component) error {
	if comp.limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, comp.limit)
		defer cancel()
	}

	start := time.Now()
	err := comp.s.Shutdown(ctx)
	log := c.logger.With(
		slog.String("handler", comp.name),
		slog.Duration("duration", time.Since(start)),
	)
	if err != nil {
		log.Error("component shutdown failed", slog.String("error", err.Error()))
		return fmt.Errorf("shutdown %s: %w", comp.name, err)
	}
	log.Info("component shutdown complete")
	return nil
}

// ComponentCount returns the number of registered components.
func (c *Coordinator) ComponentCount() int {
	return len(c.components)
}
