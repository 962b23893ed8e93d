package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	childCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mycdn",
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the running plugin process.",
		}, []string{"site"},
	)
	childMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mycdn",
			Subsystem: "child",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the running plugin process.",
		}, []string{"site"},
	)
	childThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mycdn",
			Subsystem: "child",
			Name:      "num_threads",
			Help:      "Thread count of the running plugin process.",
		}, []string{"site"},
	)
)

// Usage is a point-in-time resource sample of one process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads the current resource usage of pid.
func Sample(pid int32) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{
		PID:       pid,
		MemoryRSS: memInfo.RSS,
		MemoryVMS: memInfo.VMS,
		Timestamp: time.Now(),
	}
	// CPUPercent needs a previous call for an accurate figure; 0 on error
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if n, err := proc.NumFDs(); err == nil {
		u.NumFDs = n
	}
	return u, nil
}

// ChildCollector periodically samples the running plugin process of every
// site and exports the figures as gauges.
type ChildCollector struct {
	interval time.Duration
	children func() map[string]int32

	mu     sync.RWMutex
	latest map[string]Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChildCollector builds a collector. children returns the live pid per
// site id and is called from the collector goroutine.
func NewChildCollector(interval time.Duration, children func() map[string]int32) *ChildCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ChildCollector{
		interval: interval,
		children: children,
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
	}
}

func (c *ChildCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
}

func (c *ChildCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples once. Sites without a live child are dropped from the gauges.
func (c *ChildCollector) Collect() {
	live := c.children()
	results := make(map[string]Usage, len(live))
	for site, pid := range live {
		if pid <= 0 {
			continue
		}
		u, err := Sample(pid)
		if err != nil {
			slog.Debug("failed to sample plugin process", "site", site, "pid", pid, "error", err)
			continue
		}
		results[site] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for site := range c.latest {
		if _, ok := results[site]; !ok {
			delete(c.latest, site)
			if regOK.Load() {
				childCPUPercent.DeleteLabelValues(site)
				childMemoryBytes.DeleteLabelValues(site)
				childThreads.DeleteLabelValues(site)
			}
		}
	}
	for site, u := range results {
		c.latest[site] = u
		if regOK.Load() {
			childCPUPercent.WithLabelValues(site).Set(u.CPUPercent)
			childMemoryBytes.WithLabelValues(site).Set(float64(u.MemoryRSS))
			childThreads.WithLabelValues(site).Set(float64(u.NumThreads))
		}
	}
}

// Latest returns the most recent sample for site.
func (c *ChildCollector) Latest(site string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[site]
	return u, ok
}
