// Package devicesignal provides a gopsutil-backed capability.DeviceSignalProvider
// for non-mobile hosts (the CLI harness, tests). A real mobile embedder
// substitutes its own platform-signal adapter backed by the OS's actual
// thermal and battery APIs; this one approximates thermal pressure from
// sustained CPU load and memory pressure from system memory usage, since a
// developer workstation or CI runner exposes neither a thermal sensor nor a
// battery driver gopsutil can read.
package devicesignal

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/pkg/capability"
)

var log = logging.L("devicesignal")

// Config tunes the CPU/memory thresholds that stand in for real thermal and
// battery readings.
type Config struct {
	SevereCPUPercent   float64
	CriticalCPUPercent float64
	MemoryWarnPercent  float64
	SampleWindow       time.Duration
}

func (c *Config) applyDefaults() {
	if c.SevereCPUPercent <= 0 {
		c.SevereCPUPercent = 80
	}
	if c.CriticalCPUPercent <= 0 {
		c.CriticalCPUPercent = 95
	}
	if c.MemoryWarnPercent <= 0 {
		c.MemoryWarnPercent = 90
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = 0 // non-blocking instantaneous sample
	}
}

// Provider implements capability.DeviceSignalProvider by sampling the
// host's system-wide CPU and memory pressure through gopsutil. It has no battery
// reading on a server/desktop host, so BatteryLevelPercent always reports
// ok=false -- the quality controller simply skips the battery thresholds
// in that case.
type Provider struct {
	cfg Config

	mu      sync.Mutex
	lastErr error
}

// New constructs a Provider. Sampling happens lazily on each call -- there
// is no background goroutine here, unlike quality.Controller, since gopsutil
// calls are cheap point-in-time reads.
func New(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{cfg: cfg}
}

var _ capability.DeviceSignalProvider = (*Provider)(nil)

// ThermalState approximates platform thermal buckets from instantaneous CPU
// load: sustained high load is the closest proxy a non-mobile host has for
// thermal throttling risk.
func (p *Provider) ThermalState() capability.ThermalState {
	percents, err := cpu.Percent(p.cfg.SampleWindow, false)
	if err != nil || len(percents) == 0 {
		p.recordErr(err)
		return capability.ThermalNominal
	}

	return classifyThermal(percents[0], p.cfg)
}

func classifyThermal(load float64, cfg Config) capability.ThermalState {
	switch {
	case load >= cfg.CriticalCPUPercent:
		return capability.ThermalCritical
	case load >= cfg.SevereCPUPercent:
		return capability.ThermalSevere
	case load >= cfg.SevereCPUPercent*0.75:
		return capability.ThermalFair
	default:
		return capability.ThermalNominal
	}
}

// BatteryLevelPercent always reports ok=false: gopsutil has no battery
// package, and most deployment targets for this harness (desktops, CI
// runners) have none to read regardless.
func (p *Provider) BatteryLevelPercent() (level float64, ok bool) {
	return 0, false
}

// MemoryWarning reports true once system memory usage crosses
// MemoryWarnPercent.
func (p *Provider) MemoryWarning() bool {
	vm, err := mem.VirtualMemory()
	if err != nil {
		p.recordErr(err)
		return false
	}
	return classifyMemory(vm.UsedPercent, p.cfg)
}

func classifyMemory(usedPercent float64, cfg Config) bool {
	return usedPercent >= cfg.MemoryWarnPercent
}

func (p *Provider) recordErr(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	log.Warn("device signal sample failed", "error", err)
}
