package guardian

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
)

// ProcHostMetrics samples RAM/CPU from /proc, and temperature/battery from
// sysfs when available. On platforms without those sysfs zones (most
// desktops, containers, CI), temperature reads as zero and battery as 100
// (mains power), both on the safe side of their hard thresholds — a
// closed-set degenerate reading rather than a fabricated sensor.
type ProcHostMetrics struct {
	prevIdle  uint64
	prevTotal uint64
}

// NewProcHostMetrics constructs a Linux /proc-backed metrics source.
func NewProcHostMetrics() *ProcHostMetrics {
	return &ProcHostMetrics{}
}

func (p *ProcHostMetrics) Sample(_ context.Context) Metrics {
	ram, err := p.ramPercent()
	if err != nil {
		return Metrics{Err: err}
	}
	cpu, err := p.cpuPercent()
	if err != nil {
		return Metrics{Err: err}
	}
	temp := p.tempCelsius()
	battery := p.batteryPercent()
	return Metrics{RAMPct: ram, CPUPct: cpu, TempC: temp, BatteryPct: battery}
}

func (p *ProcHostMetrics) ramPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemTotal":
			total = val
		case "MemAvailable":
			available = val
		}
	}
	if total == 0 {
		return 0, nil
	}
	used := total - available
	return used / total * 100, nil
}

func (p *ProcHostMetrics) cpuPercent() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, nil
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, nil
	}

	var total uint64
	vals := make([]uint64, 0, len(fields)-1)
	for _, s := range fields[1:] {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		vals = append(vals, v)
		total += v
	}
	if len(vals) < 4 {
		return 0, nil
	}
	idle := vals[3]

	deltaTotal := total - p.prevTotal
	deltaIdle := idle - p.prevIdle
	p.prevTotal = total
	p.prevIdle = idle

	if p.prevTotal == 0 || deltaTotal == 0 {
		return 0, nil
	}
	busy := float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100
	if busy < 0 {
		busy = 0
	}
	return busy, nil
}

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

func (p *ProcHostMetrics) tempCelsius() float64 {
	b, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0
	}
	milliC, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0
	}
	return milliC / 1000
}

const batteryCapacityPath = "/sys/class/power_supply/BAT0/capacity"

func (p *ProcHostMetrics) batteryPercent() float64 {
	b, err := os.ReadFile(batteryCapacityPath)
	if err != nil {
		// No battery (desktop/server/container): treat as mains-powered, 100%.
		return 100
	}
	pct, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 100
	}
	return pct
}
