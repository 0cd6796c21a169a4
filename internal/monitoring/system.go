package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time sample of this process's resource usage.
type ProcessStats struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemMonitor samples process CPU and memory on an interval and publishes them
// to the registry. Readers get the latest sample without triggering a measurement.
type SystemMonitor struct {
	proc    *process.Process
	metrics *Registry
	logger  zerolog.Logger

	mu    sync.RWMutex
	stats ProcessStats

	wg sync.WaitGroup
}

// NewSystemMonitor attaches to the current process.
func NewSystemMonitor(metrics *Registry, logger zerolog.Logger) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemMonitor{
		proc:    proc,
		metrics: metrics,
		logger:  logger.With().Str("component", "system_monitor").Logger(),
	}, nil
}

// Start samples immediately and then every interval until ctx is done.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.Sample()
		for {
			select {
			case <-ticker.C:
				sm.Sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sampling goroutine has exited.
func (sm *SystemMonitor) Wait() {
	sm.wg.Wait()
}

// Sample takes one measurement and stores it.
func (sm *SystemMonitor) Sample() ProcessStats {
	stats := ProcessStats{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if cpu, err := sm.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	} else {
		sm.logger.Debug().Err(err).Msg("Failed to read process CPU")
	}
	if mem, err := sm.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	} else if err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to read process memory")
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.Process.CPUPercent.Set(stats.CPUPercent)
		sm.metrics.Process.MemoryBytes.Set(float64(stats.RSSBytes))
	}
	return stats
}

// Stats returns the latest sample.
func (sm *SystemMonitor) Stats() ProcessStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}
