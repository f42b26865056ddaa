package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Collector periodically logs system metrics while a pipeline stage runs.
// The stages are I/O heavy batch jobs; disk throughput and memory pressure
// are the numbers that matter when a run misbehaves.
type Collector struct {
	interval      time.Duration
	logger        *zap.Logger
	proc          *process.Process
	lastDiskStats map[string]disk.IOCountersStat
	lastDiskTime  time.Time
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// Start begins periodic metrics collection. Returns when context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// First sample initializes the disk throughput baseline
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	fields := make([]zap.Field, 0, 8)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		fields = append(fields, zap.Float64("cpu_pct", percents[0]))
	}
	if c.proc != nil {
		if procPct, err := c.proc.CPUPercent(); err == nil {
			fields = append(fields, zap.Float64("proc_cpu_pct", procPct))
		}
		if memInfo, err := c.proc.MemoryInfo(); err == nil {
			fields = append(fields, zap.Float64("proc_rss_gb", float64(memInfo.RSS)/(1<<30)))
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields,
			zap.Float64("mem_used_gb", float64(vm.Used)/(1<<30)),
			zap.Float64("mem_pct", vm.UsedPercent),
		)
	}

	if counters, err := disk.IOCounters(); err == nil {
		now := time.Now()
		if c.lastDiskStats != nil {
			elapsed := now.Sub(c.lastDiskTime).Seconds()
			if elapsed > 0 {
				var readBytes, writeBytes uint64
				for name, cur := range counters {
					if prev, ok := c.lastDiskStats[name]; ok {
						readBytes += cur.ReadBytes - prev.ReadBytes
						writeBytes += cur.WriteBytes - prev.WriteBytes
					}
				}
				fields = append(fields,
					zap.Float64("disk_read_mb_s", float64(readBytes)/(1<<20)/elapsed),
					zap.Float64("disk_write_mb_s", float64(writeBytes)/(1<<20)/elapsed),
				)
			}
		}
		c.lastDiskStats = counters
		c.lastDiskTime = now
	}

	c.logger.Info("System metrics", fields...)
}
