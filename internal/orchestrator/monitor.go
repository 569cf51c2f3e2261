package orchestrator

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/storyreel/api/internal/config"
	"github.com/storyreel/api/internal/model"
)

// ResourceMonitor samples system load and reacts locally: forced GC above
// the warning threshold, temp-file purge plus double GC above critical.
// It never submits or cancels jobs — it only observes. Construct it
// explicitly and Start/Stop it from the orchestrator's top level; there is
// no package-level instance.
type ResourceMonitor struct {
	cfg      config.MonitorConfig
	tempDirs []string

	// cpuSample is the blocking CPU sampling window
	cpuSample time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

func NewResourceMonitor(cfg config.MonitorConfig, tempDirs []string) *ResourceMonitor {
	return &ResourceMonitor{cfg: cfg, tempDirs: tempDirs, cpuSample: time.Second}
}

// Snapshot samples CPU and memory on demand
func (m *ResourceMonitor) Snapshot() (*model.ResourceSnapshot, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	percents, err := cpu.Percent(m.cpuSample, false)
	if err != nil {
		return nil, err
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	return &model.ResourceSnapshot{
		CPUPercent:        cpuPercent,
		MemoryPercent:     vm.UsedPercent,
		AvailableMemoryGB: float64(vm.Available) / (1 << 30),
	}, nil
}

// Start launches the periodic check loop. Safe to call once per monitor.
func (m *ResourceMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(m.stopCh, m.doneCh)
	log.Printf("[Monitor] started (interval %v, warn %.0f%%, critical %.0f%%)",
		m.cfg.Interval, m.cfg.MemoryWarning, m.cfg.MemoryCritical)
}

// Stop halts the check loop and waits for it to exit
func (m *ResourceMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
	log.Printf("[Monitor] stopped")
}

func (m *ResourceMonitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *ResourceMonitor) check() {
	snap, err := m.Snapshot()
	if err != nil {
		log.Printf("[Monitor] snapshot failed: %v", err)
		return
	}
	if snap.MemoryPercent < m.cfg.MemoryWarning {
		return
	}
	log.Printf("[Monitor] memory at %.1f%% (cpu %.1f%%, %.2f GB free)",
		snap.MemoryPercent, snap.CPUPercent, snap.AvailableMemoryGB)
	if snap.MemoryPercent >= m.cfg.MemoryCritical {
		m.ForceCleanup()
		return
	}
	runtime.GC()
}

// ForceCleanup is the aggressive path: purge stale temp files, then GC
// twice to give the finalizer queue a chance to drain.
func (m *ResourceMonitor) ForceCleanup() {
	log.Printf("[Monitor] forcing cleanup")
	m.purgeTempFiles()
	runtime.GC()
	time.Sleep(time.Second)
	runtime.GC()
}

func (m *ResourceMonitor) purgeTempFiles() {
	cutoff := time.Now().Add(-m.cfg.TempFileMaxAge)
	for _, dir := range m.tempDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err == nil {
				log.Printf("[Monitor] purged stale temp file %s", path)
			}
		}
	}
}
