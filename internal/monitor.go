package internal

import (
	"context"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/process"
)

// RunMonitor logs CPU, memory and pool usage every interval until ctx ends.
func RunMonitor(ctx context.Context, pool *WorkerPool, interval time.Duration, logger hclog.Logger) {
	logger = logger.Named("monitor")
	if interval <= 0 {
		interval = time.Second
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error("process not found", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c, _ := p.CPUPercent()
		var rss float64
		if m, err := p.MemoryInfo(); err == nil {
			rss = float64(m.RSS) / 1024 / 1024
		}
		s := pool.Stats()
		logger.Info("usage",
			"cpu", c,
			"rss_mb", rss,
			"workers", s.Workers,
			"busy", s.Busy,
			"queued", s.Queued,
			"completed", s.Completed,
			"failed", s.Failed,
		)
	}
}
