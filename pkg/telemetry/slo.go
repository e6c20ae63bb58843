package telemetry

import (
	"math"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments the teacher wires directly into
// its main.go via promauto-style registration; this module keeps them
// grouped so the orchestrator registers them once at startup.
type Metrics struct {
	E2EFullMS     prometheus.Histogram
	CacheHits     *prometheus.CounterVec
	ToolCallTotal *prometheus.CounterVec
	GuardianState prometheus.Gauge
}

// NewMetrics constructs and registers the core SLO instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		E2EFullMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alice_turn_e2e_full_ms",
			Help:    "End-to-end turn latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 900, 1500, 3000, 5000},
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alice_cache_outcome_total",
			Help: "Cache lookup outcomes by tier.",
		}, []string{"tier"}),
		ToolCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alice_tool_call_total",
			Help: "Tool call outcomes by class.",
		}, []string{"tool", "class"}),
		GuardianState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alice_guardian_state",
			Help: "Current guardian state as an ordinal (0=NORMAL .. 3=LOCKDOWN).",
		}),
	}
	reg.MustRegister(m.E2EFullMS, m.CacheHits, m.ToolCallTotal, m.GuardianState)
	return m
}

// Observe folds one finished turn's event into the metrics.
func (m *Metrics) Observe(e Event) {
	m.E2EFullMS.Observe(float64(e.E2EFullMS))
	m.CacheHits.WithLabelValues(string(e.CacheTier)).Inc()
	for _, tc := range e.ToolCalls {
		m.ToolCallTotal.WithLabelValues(tc.Name, string(tc.Class)).Inc()
	}
	switch e.GuardianState {
	case "BROWNOUT":
		m.GuardianState.Set(1)
	case "EMERGENCY":
		m.GuardianState.Set(2)
	case "LOCKDOWN":
		m.GuardianState.Set(3)
	default:
		m.GuardianState.Set(0)
	}
}

// SLOGate computes rolling P50/P95 latency and cache/tool success rates over
// a bounded in-memory sample window. The orchestrator records one event per
// turn and /api/status/simple reports the snapshot; it reads no outcome files.
type SLOGate struct {
	mu         sync.Mutex
	latencies  []int64
	cacheHits  int
	cacheTotal int
	toolOK     int
	toolTotal  int
	windowSize int
}

// NewSLOGate constructs a gate retaining at most windowSize latency samples.
func NewSLOGate(windowSize int) *SLOGate {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &SLOGate{windowSize: windowSize}
}

// Record folds one event into the rolling window.
func (g *SLOGate) Record(e Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.latencies = append(g.latencies, e.E2EFullMS)
	if len(g.latencies) > g.windowSize {
		g.latencies = g.latencies[len(g.latencies)-g.windowSize:]
	}

	g.cacheTotal++
	if e.CacheTier != "MISS" {
		g.cacheHits++
	}

	for _, tc := range e.ToolCalls {
		g.toolTotal++
		if tc.Class == "ok" {
			g.toolOK++
		}
	}
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	// Nearest-rank: the smallest sample with at least p of the window at or
	// below it.
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SLOSnapshot reports the current P50/P95 latency and success-rate figures.
type SLOSnapshot struct {
	P50MS          int64
	P95MS          int64
	CacheHitRate   float64
	ToolSuccessRate float64
}

// Snapshot computes the current rolling-window SLO figures.
func (g *SLOGate) Snapshot() SLOSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	sorted := append([]int64(nil), g.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	snap := SLOSnapshot{
		P50MS: percentile(sorted, 0.50),
		P95MS: percentile(sorted, 0.95),
	}
	if g.cacheTotal > 0 {
		snap.CacheHitRate = float64(g.cacheHits) / float64(g.cacheTotal)
	}
	if g.toolTotal > 0 {
		snap.ToolSuccessRate = float64(g.toolOK) / float64(g.toolTotal)
	}
	return snap
}

// Pass reports whether the current snapshot satisfies p95BudgetMS and
// minCacheHitRate thresholds, the gate the nightly eval harness (out of
// scope per §1) would consult.
func (s SLOSnapshot) Pass(p95BudgetMS int64, minCacheHitRate float64) bool {
	return s.P95MS <= p95BudgetMS && s.CacheHitRate >= minCacheHitRate
}
