// pruner.go trims the journal to its retention limit on a cron schedule.
// Expressions are standard 5-field cron or descriptors such as "@every 10m".
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a prune schedule expression.
func ValidateSchedule(expression string) error {
	_, err := parser.Parse(expression)
	return err
}

// Pruner runs Prune whenever its schedule fires.
type Pruner struct {
	journal  *Journal
	keep     int
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPruner parses expression and returns a pruner keeping the newest keep
// records.
func NewPruner(j *Journal, expression string, keep int, logger *slog.Logger) (*Pruner, error) {
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("journal prune schedule %q: %w", expression, err)
	}
	return &Pruner{
		journal:  j,
		keep:     keep,
		schedule: sched,
		logger:   logger.With(slog.String("component", "journal")),
		done:     make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled or Shutdown is called.
func (p *Pruner) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer close(p.done)

	p.logger.Info("journal pruner started", slog.Int("keep", p.keep))
	for {
		next := p.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("journal pruner stopping")
			return
		case <-timer.C:
			p.pruneOnce()
		}
	}
}

func (p *Pruner) pruneOnce() {
	removed, err := p.journal.Prune(p.keep)
	if err != nil {
		p.logger.Error("journal prune failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		p.logger.Debug("journal pruned", slog.Int("removed", removed))
	}
}

// Shutdown implements shutdown.Shutdowner.
func (p *Pruner) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
