// Package monitoring feeds process-level resource gauges (memory, CPU,
// goroutines) into the Prometheus registry on a fixed interval.
package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/metrics"
)

// ResourceMonitor samples process resource usage.
type ResourceMonitor struct {
	interval time.Duration
	logger   *logrus.Logger
	proc     *process.Process
}

// NewResourceMonitor creates a monitor for the current process.
func NewResourceMonitor(interval time.Duration, logger *logrus.Logger) *ResourceMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.WithError(err).Warn("Process handle unavailable, CPU gauge disabled")
		proc = nil
	}
	return &ResourceMonitor{interval: interval, logger: logger, proc: proc}
}

// Run samples until the context is cancelled.
func (m *ResourceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	metrics.UpdateRuntimeGauges()

	if m.proc != nil {
		if percent, err := m.proc.CPUPercent(); err == nil {
			metrics.CPUUsagePercent.Set(percent)
		}
	}
}
