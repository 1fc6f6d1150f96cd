package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const hostCollectTimeout = 2 * time.Second

// HostCollector reports load and memory of the node the agent runs on,
// sampled at scrape time. Sampling failures drop the affected series for
// that scrape only.
type HostCollector struct {
	logger *slog.Logger

	info     *prometheus.Desc
	load1    *prometheus.Desc
	load5    *prometheus.Desc
	load15   *prometheus.Desc
	memTotal *prometheus.Desc
	memAvail *prometheus.Desc
	procs    *prometheus.Desc
}

// NewHostCollector creates a collector. Register it with RegisterHost or
// a custom registry.
func NewHostCollector(logger *slog.Logger) *HostCollector {
	return &HostCollector{
		logger: logger,
		info: prometheus.NewDesc("klagent_host_info",
			"Static node description", []string{"hostname", "platform", "platform_version", "kernel", "arch"}, nil),
		load1:    prometheus.NewDesc("klagent_host_load1", "1 minute load average", nil, nil),
		load5:    prometheus.NewDesc("klagent_host_load5", "5 minute load average", nil, nil),
		load15:   prometheus.NewDesc("klagent_host_load15", "15 minute load average", nil, nil),
		memTotal: prometheus.NewDesc("klagent_host_memory_total_bytes", "Total RAM", nil, nil),
		memAvail: prometheus.NewDesc("klagent_host_memory_available_bytes", "RAM available for new processes", nil, nil),
		procs:    prometheus.NewDesc("klagent_host_processes", "Processes on the node", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.load1
	ch <- c.load5
	ch <- c.load15
	ch <- c.memTotal
	ch <- c.memAvail
	ch <- c.procs
}

// Collect implements prometheus.Collector.
func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), hostCollectTimeout)
	defer cancel()

	if hi, err := host.InfoWithContext(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
			hi.Hostname, hi.Platform, hi.PlatformVersion, hi.KernelVersion, runtime.GOARCH)
		ch <- prometheus.MustNewConstMetric(c.procs, prometheus.GaugeValue, float64(hi.Procs))
	} else {
		c.logger.Debug("host info unavailable", slog.String("error", err.Error()))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.load1, prometheus.GaugeValue, avg.Load1)
		ch <- prometheus.MustNewConstMetric(c.load5, prometheus.GaugeValue, avg.Load5)
		ch <- prometheus.MustNewConstMetric(c.load15, prometheus.GaugeValue, avg.Load15)
	} else {
		c.logger.Debug("load average unavailable", slog.String("error", err.Error()))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memTotal, prometheus.GaugeValue, float64(vm.Total))
		ch <- prometheus.MustNewConstMetric(c.memAvail, prometheus.GaugeValue, float64(vm.Available))
	} else {
		c.logger.Debug("memory stats unavailable", slog.String("error", err.Error()))
	}
}

// RegisterHost adds a HostCollector to the default registry.
func RegisterHost(logger *slog.Logger) error {
	return prometheus.Register(NewHostCollector(logger.With(slog.String("component", "metrics"))))
}
