package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

const sampleTimeout = 2 * time.Second

// ProcessStats is a resource snapshot of the tool server process.
type ProcessStats struct {
	Pid        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
}

// SampleProcess reads resource usage of pid from the operating system.
func SampleProcess(ctx context.Context, pid int) (*ProcessStats, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	stats := &ProcessStats{Pid: pid}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory of process %d: %w", pid, err)
	}
	stats.RSSBytes = mem.RSS

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	return stats, nil
}

// processCollector samples the current tool server on every scrape.
type processCollector struct {
	pid    func() int
	logger *slog.Logger

	rss     *prometheus.Desc
	cpu     *prometheus.Desc
	threads *prometheus.Desc
}

func newProcessCollector(pid func() int, logger *slog.Logger) *processCollector {
	return &processCollector{
		pid:    pid,
		logger: logger,
		rss: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "subprocess", "resident_memory_bytes"),
			"Resident memory of the tool server process", nil, nil),
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "subprocess", "cpu_percent"),
			"CPU usage of the tool server process", nil, nil),
		threads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "subprocess", "threads"),
			"Threads of the tool server process", nil, nil),
	}
}

func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rss
	ch <- c.cpu
	ch <- c.threads
}

func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	pid := c.pid()
	if pid <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	stats, err := SampleProcess(ctx, pid)
	if err != nil {
		c.logger.Debug("Skipping subprocess stats", slog.Int("pid", pid), slog.String("error", err.Error()))
		return
	}
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(stats.RSSBytes))
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, stats.CPUPercent)
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(stats.Threads))
}
