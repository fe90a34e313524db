package devicesignal

import (
	"testing"

	"github.com/rejourney/replay-agent/pkg/capability"
)

func TestClassifyThermal(t *testing.T) {
	cfg := Config{SevereCPUPercent: 80, CriticalCPUPercent: 95}

	cases := []struct {
		load float64
		want capability.ThermalState
	}{
		{10, capability.ThermalNominal},
		{61, capability.ThermalFair},
		{85, capability.ThermalSevere},
		{99, capability.ThermalCritical},
	}
	for _, tc := range cases {
		if got := classifyThermal(tc.load, cfg); got != tc.want {
			t.Errorf("classifyThermal(%v) = %v, want %v", tc.load, got, tc.want)
		}
	}
}

func TestClassifyMemory(t *testing.T) {
	cfg := Config{MemoryWarnPercent: 90}

	if classifyMemory(89.9, cfg) {
		t.Fatal("89.9%% should not trip the memory warning")
	}
	if !classifyMemory(90, cfg) {
		t.Fatal("90%% should trip the memory warning")
	}
	if !classifyMemory(99, cfg) {
		t.Fatal("99%% should trip the memory warning")
	}
}

func TestProviderImplementsCapabilityInterface(t *testing.T) {
	p := New(Config{})
	if _, ok := p.BatteryLevelPercent(); ok {
		t.Fatal("expected BatteryLevelPercent to report ok=false on a non-mobile host")
	}
}
