// kl-server is the node agent that executes shell commands for kl-client.
//
// Lifecycle:
//  1. Load configuration (defaults when the file is missing)
//  2. Setup the JSON logger with size-based rotation
//  3. Open the command journal and start its pruner, if configured
//  4. Start the reaper and the optional metrics listener
//  5. Bind the listener, notify systemd READY=1, start the watchdog
//  6. Serve until SIGTERM/SIGINT
//  7. Notify systemd STOPPING=1 and shut components down in reverse order
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/klustron/klagent/internal/config"
	"github.com/klustron/klagent/internal/conn"
	"github.com/klustron/klagent/internal/journal"
	"github.com/klustron/klagent/internal/logging"
	"github.com/klustron/klagent/internal/metrics"
	"github.com/klustron/klagent/internal/reaper"
	"github.com/klustron/klagent/internal/server"
	"github.com/klustron/klagent/internal/session"
	"github.com/klustron/klagent/internal/shutdown"
	"github.com/klustron/klagent/internal/systemd"
	"github.com/klustron/klagent/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "kl-server",
	Short:         "Remote command execution agent",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.SetVersionTemplate(version.Info("kl-server") + "\n")
	flags := rootCmd.Flags()
	flags.String("config", config.DefaultConfigPath, "path to configuration file")
	flags.String("ip", "", "listen address (overrides listen_ip)")
	flags.Int("port", 0, "listen port (overrides listen_port)")
	flags.String("log-level", "", "log level (overrides log_level)")
	flags.Bool("write-config", false, "write the effective configuration to --config and exit")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, loadErr := config.Load(configPath)
	if cfg == nil {
		return loadErr
	}
	if ip, _ := cmd.Flags().GetString("ip"); ip != "" {
		cfg.ListenIP = ip
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.ListenPort = port
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if write, _ := cmd.Flags().GetBool("write-config"); write {
		return config.Save(configPath, cfg)
	}

	logger := logging.SetupLogger(logging.Options{
		Level:     cfg.LogLevel,
		Path:      cfg.LogPath,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	if loadErr != nil {
		logger.Warn("using default configuration", slog.String("error", loadErr.Error()))
	}
	logger.Info("kl-server starting",
		slog.String("version", version.Version),
		slog.String("addr", cfg.Addr()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	coord := shutdown.NewCoordinator(logger)

	var jrnl *journal.Journal
	if cfg.JournalEnabled() {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		jrnl = j
		coord.Register("journal", shutdown.Func(func(context.Context) error { return j.Close() }))

		pruner, err := journal.NewPruner(j, cfg.JournalPruneSchedule, cfg.JournalMaxEntries, logger)
		if err != nil {
			return err
		}
		go pruner.Run(ctx)
		coord.Register("journal-pruner", pruner)
	}

	rp := reaper.New(cfg.ReaperInterval(), logger)
	if jrnl != nil {
		rp.SetRecorder(reapJournal{j: jrnl, logger: logger})
	}
	rp.Start(ctx)
	coord.Register("reaper", rp)

	handler := session.NewHandler(session.Config{
		Flags:       connFlags(cfg),
		MaxFrame:    uint32(cfg.MaxFrameSize),
		PollTimeout: cfg.PollTimeout(),
		ExitWait:    cfg.ExitWait(),
	}, rp, journalOrNil(jrnl), session.Hooks{}, logging.WithComponent(logger, "session"))

	srv := server.New(cfg.Addr(), handler, logger)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	coord.RegisterTimeout("server", srv, shutdownTimeout*2/3)

	if cfg.MetricsAddr != "" {
		ml := metrics.NewListener(cfg.MetricsAddr, logger)
		if err := metrics.RegisterHost(logger); err != nil {
			logger.Warn("host metrics disabled", slog.String("error", err.Error()))
		}
		if err := ml.Start(); err != nil {
			logger.Error("metrics listener failed", slog.String("error", err.Error()))
		} else {
			coord.Register("metrics", ml)
		}
	}

	notifier := systemd.NewNotifier(logger)
	notifier.Ready()
	notifier.StartWatchdog(ctx, srv.IsHealthy)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("acceptor stopped", slog.String("error", err.Error()))
		}
	}

	notifier.Stopping()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return coord.Shutdown(shutdownCtx)
}

func connFlags(cfg *config.Config) conn.Flags {
	var f conn.Flags
	if cfg.Daemon {
		f |= conn.FlagDaemon
	}
	if cfg.NoChecksum {
		f |= conn.FlagNoChecksum
	}
	if cfg.KillChild {
		f |= conn.FlagKillChild
	}
	return f
}

// journalOrNil keeps a nil *journal.Journal from becoming a non-nil
// interface value.
func journalOrNil(j *journal.Journal) session.Journal {
	if j == nil {
		return nil
	}
	return j
}

// reapJournal records children finalized by the reaper.
type reapJournal struct {
	j      *journal.Journal
	logger *slog.Logger
}

func (r reapJournal) RecordReaped(e reaper.Entry, code int) {
	err := r.j.Append(&journal.Record{
		SessionID:  e.SessionID,
		Command:    e.Command,
		OpenType:   0,
		Pid:        e.Pid,
		StartedAt:  e.Queued,
		DurationMs: time.Since(e.Queued).Milliseconds(),
		ExitCode:   code,
		Reaped:     true,
	})
	if err != nil {
		r.logger.Warn("journal append failed", slog.String("error", err.Error()))
	}
}
