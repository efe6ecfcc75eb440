package encoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// monitorInterval is how often the child process is sampled.
const monitorInterval = 2 * time.Second

// Stats is one resource-usage sample of the FFmpeg child.
type Stats struct {
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	SampledAt  time.Time `json:"sampledAt"`
}

// Monitor samples CPU and memory of a running process in the background.
type Monitor struct {
	proc *process.Process

	mu    sync.RWMutex
	stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMonitor creates a monitor for pid. Fails when the process is gone
// before the first sample.
func NewMonitor(pid int32) (*Monitor, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("attaching to pid %d: %w", pid, err)
	}
	return &Monitor{
		proc:   proc,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins background sampling.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop ends sampling. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Stats returns the latest sample.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	stats := Stats{SampledAt: time.Now()}

	if cpu, err := m.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}
