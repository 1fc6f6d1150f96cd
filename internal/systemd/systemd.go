// Package systemd reports kl-server lifecycle to systemd: READY=1 once the
// listener is bound, STOPPING=1 when shutdown begins, and watchdog pings
// while the acceptor is alive. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// HealthCheckFunc gates each watchdog ping.
type HealthCheckFunc func() bool

// Notifier sends sd_notify messages.
type Notifier struct {
	logger *slog.Logger
	// notify is swapped in tests.
	notify func(state string) (bool, error)
	// watchdogInterval is swapped in tests.
	watchdogInterval func() (time.Duration, error)
}

// NewNotifier returns a Notifier backed by NOTIFY_SOCKET.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logger.With(slog.String("component", "systemd")),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

// Ready sends READY=1 and reports whether it was delivered.
func (n *Notifier) Ready() bool {
	return n.send(daemon.SdNotifyReady, "ready")
}

// Stopping sends STOPPING=1 and reports whether it was delivered.
func (n *Notifier) Stopping() bool {
	return n.send(daemon.SdNotifyStopping, "stopping")
}

func (n *Notifier) send(state, name string) bool {
	sent, err := n.notify(state)
	if err != nil {
		n.logger.Warn("systemd notification failed", slog.String("state", name), slog.String("error", err.Error()))
		return false
	}
	if sent {
		n.logger.Debug("systemd notified", slog.String("state", name))
	}
	return sent
}

// StartWatchdog pings systemd every half WatchdogSec while healthy returns
// true. It returns false when no watchdog is configured.
func (n *Notifier) StartWatchdog(ctx context.Context, healthy HealthCheckFunc) bool {
	interval, err := n.watchdogInterval()
	if err != nil || interval == 0 {
		n.logger.Debug("watchdog not enabled")
		return false
	}

	ping := interval / 2
	n.logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", ping),
	)
	go n.watchdogLoop(ctx, ping, healthy)
	return true
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration, healthy HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthy() {
				n.logger.Warn("acceptor unhealthy, skipping watchdog ping")
				continue
			}
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				n.logger.Warn("failed to send watchdog ping", slog.String("error", err.Error()))
			}
		}
	}
}

// UnderSystemd reports whether NOTIFY_SOCKET is set.
func UnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
