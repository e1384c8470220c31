package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the worker process.",
		}, []string{"name"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the worker process.",
		}, []string{"name"},
	)
	numThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Number of threads of the worker process.",
		}, []string{"name"},
	)
)

// ResourceUsage is one sample of a worker's resource consumption.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler keeps the most recent samples of the worker in a ring.
type ResourceSampler struct {
	mu      sync.RWMutex
	samples []ResourceUsage
	start   int
	count   int
}

// NewResourceSampler keeps up to size samples (default 60).
func NewResourceSampler(size int) *ResourceSampler {
	if size <= 0 {
		size = 60
	}
	return &ResourceSampler{samples: make([]ResourceUsage, size)}
}

// Sample reads usage for pid and publishes it under name. A pid <= 0 clears
// the gauges, which is what happens while no worker is alive.
func (s *ResourceSampler) Sample(name string, pid int) (ResourceUsage, error) {
	if pid <= 0 {
		s.clear(name)
		return ResourceUsage{}, nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		s.clear(name)
		return ResourceUsage{}, fmt.Errorf("open pid %d: %w", pid, err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("memory info pid %d: %w", pid, err)
	}
	u := ResourceUsage{
		PID:       int32(pid),
		MemoryRSS: mem.RSS,
		MemoryVMS: mem.VMS,
		Timestamp: time.Now(),
	}
	// CPU and thread counts are best effort; some platforms deny them.
	if c, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = c
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}

	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		memoryRSS.WithLabelValues(name).Set(float64(u.MemoryRSS))
		numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
	}
	s.add(u)
	return u, nil
}

func (s *ResourceSampler) clear(name string) {
	if regOK.Load() {
		cpuPercent.DeleteLabelValues(name)
		memoryRSS.DeleteLabelValues(name)
		numThreads.DeleteLabelValues(name)
	}
}

func (s *ResourceSampler) add(u ResourceUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.samples)
	if s.count < size {
		s.samples[(s.start+s.count)%size] = u
		s.count++
		return
	}
	s.samples[s.start] = u
	s.start = (s.start + 1) % size
}

// History returns samples oldest first.
func (s *ResourceSampler) History() []ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceUsage, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.samples[(s.start+i)%len(s.samples)])
	}
	return out
}

// Latest returns the newest sample, if any.
func (s *ResourceSampler) Latest() (ResourceUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceUsage{}, false
	}
	return s.samples[(s.start+s.count-1)%len(s.samples)], true
}
