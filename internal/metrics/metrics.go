// Package metrics defines the Prometheus instruments for the kl agent and
// the optional HTTP listener that exposes them.
//
// All instruments are registered on the default registry at init, so any
// package may record into them without wiring.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsTotal counts finished server sessions by outcome.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klagent_sessions_total",
			Help: "Finished command sessions by result",
		},
		[]string{"result"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "klagent_sessions_active",
			Help: "Connections currently being served",
		},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klagent_frames_total",
			Help: "Frames sent or received by message type",
		},
		[]string{"direction", "type"},
	)

	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klagent_protocol_errors_total",
			Help: "Connection-fatal protocol errors by kind",
		},
		[]string{"kind"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klagent_commands_total",
			Help: "Commands executed by open type",
		},
		[]string{"open_type"},
	)

	RelayBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "klagent_relay_bytes_total",
			Help: "Child output bytes relayed to clients",
		},
	)

	ReaperPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "klagent_reaper_pending",
			Help: "Orphaned child processes awaiting exit",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(ProtocolErrorsTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(RelayBytesTotal)
	prometheus.MustRegister(ReaperPending)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Listener serves /metrics on its own HTTP server.
type Listener struct {
	srv    *http.Server
	addr   string
	logger *slog.Logger
}

// NewListener prepares a metrics server bound to addr.
func NewListener(addr string, logger *slog.Logger) *Listener {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &Listener{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With(slog.String("component", "metrics")),
	}
}

// Start binds the listener and serves in the background.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.srv.Addr)
	if err != nil {
		return err
	}
	l.addr = ln.Addr().String()
	l.logger.Info("metrics listener started", slog.String("addr", l.addr))
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("metrics listener failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (l *Listener) Addr() string {
	return l.addr
}

// Shutdown implements shutdown.Shutdowner.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}
