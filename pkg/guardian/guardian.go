// Package guardian implements the admission controller ("Guardian"): a
// health-driven state machine that samples host metrics on a fixed cadence
// and answers an O(1) admit() check before the orchestrator dispatches work.
//
// The single background sampler owns all writes; admit()/State() are
// lock-free reads of an atomically swapped snapshot, the same single-writer
// idiom the teacher uses for its circuit breakers.
package guardian

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alicev2/orchestrator/internal/config"
	"github.com/alicev2/orchestrator/internal/logger"
)

// State is one point in the Guardian's strict-transition enum.
type State string

const (
	StateNormal    State = "NORMAL"
	StateBrownout  State = "BROWNOUT"
	StateEmergency State = "EMERGENCY"
	StateLockdown  State = "LOCKDOWN"
)

// Decision is admit()'s verdict.
type Decision string

const (
	DecisionAllow   Decision = "ALLOW"
	DecisionDegrade Decision = "DEGRADE"
	DecisionReject  Decision = "REJECT"
)

// Policy is the admission policy derived from the current state.
type Policy struct {
	AllowDeep       bool
	AllowPlanner    bool
	PlannerDegraded bool // reduced RAG top-K, stricter schema
	MaxConcurrentDeep int
	QuotaScalar     float64
}

// Snapshot is the Guardian's atomically-swapped read model.
type Snapshot struct {
	State      State
	EnteredAt  time.Time
	Reasons    []string
	Policy     Policy
}

// Metrics is one host sample.
type Metrics struct {
	RAMPct     float64
	CPUPct     float64
	TempC      float64
	BatteryPct float64
	Err        error
}

// HostMetricsSource is implemented by whatever can read host vitals. Kept as
// an interface so platforms without sysfs thermal/battery zones can provide
// a degenerate implementation without the Guardian caring.
type HostMetricsSource interface {
	Sample(ctx context.Context) Metrics
}

type window struct {
	ramOverSoft []bool
	cpuOverSoft []bool
	belowRecoverSince time.Time
}

// Guardian is the admission controller.
type Guardian struct {
	cfg    config.Guardian
	source HostMetricsSource

	snap atomic.Pointer[Snapshot]

	w window

	lockdownKillTimes []time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Guardian in NORMAL state and starts its sampler goroutine.
func New(ctx context.Context, cfg config.Guardian, source HostMetricsSource) *Guardian {
	g := &Guardian{
		cfg:    cfg,
		source: source,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	g.snap.Store(&Snapshot{
		State:     StateNormal,
		EnteredAt: time.Now().UTC(),
		Policy:    policyFor(StateNormal, cfg),
	})
	go g.run(ctx)
	return g
}

func policyFor(s State, cfg config.Guardian) Policy {
	switch s {
	case StateNormal:
		return Policy{AllowDeep: true, AllowPlanner: true, MaxConcurrentDeep: 1, QuotaScalar: 1.0}
	case StateBrownout:
		return Policy{AllowDeep: false, AllowPlanner: true, PlannerDegraded: true, MaxConcurrentDeep: 0, QuotaScalar: 0.6}
	case StateEmergency, StateLockdown:
		return Policy{AllowDeep: false, AllowPlanner: false, MaxConcurrentDeep: 0, QuotaScalar: 0.1}
	default:
		return Policy{}
	}
}

// Stop halts the background sampler.
func (g *Guardian) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *Guardian) run(ctx context.Context) {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Guardian) tick(ctx context.Context) {
	// Failure semantics: if sampling fails, fail safe by remaining in the
	// current state (do not mutate the snapshot).
	m := g.source.Sample(ctx)
	if m.Err != nil {
		return
	}

	cur := g.snap.Load()
	next := g.evaluate(*cur, m)
	if next.State != cur.State {
		logger.LogGuardianTransition(nil, string(cur.State), string(next.State), next.Reasons)
	}
	g.snap.Store(&next)
}

func (g *Guardian) evaluate(cur Snapshot, m Metrics) Snapshot {
	cfg := g.cfg
	now := time.Now().UTC()

	pushBool := func(buf []bool, v bool, max int) []bool {
		buf = append(buf, v)
		if len(buf) > max {
			buf = buf[len(buf)-max:]
		}
		return buf
	}
	allTrue := func(buf []bool) bool {
		if len(buf) < g.cfg.HysteresisWindow {
			return false
		}
		for _, v := range buf {
			if !v {
				return false
			}
		}
		return true
	}

	g.w.ramOverSoft = pushBool(g.w.ramOverSoft, m.RAMPct >= cfg.RAMSoftPct, cfg.HysteresisWindow)
	g.w.cpuOverSoft = pushBool(g.w.cpuOverSoft, m.CPUPct >= cfg.CPUSoftPct, cfg.HysteresisWindow)

	belowRecover := m.RAMPct <= cfg.RAMRecoverPct && m.CPUPct <= cfg.CPURecoverPct
	if !belowRecover {
		g.w.belowRecoverSince = time.Time{}
	} else if g.w.belowRecoverSince.IsZero() {
		g.w.belowRecoverSince = now
	}

	switch cur.State {
	case StateNormal:
		if m.RAMPct >= cfg.RAMHardPct || m.TempC >= cfg.TempHardC || m.BatteryPct <= cfg.BatteryHardPct {
			return g.transition(cur, StateEmergency, now, []string{"ram_hard_or_temp_or_battery_from_normal"})
		}
		if allTrue(g.w.ramOverSoft) || allTrue(g.w.cpuOverSoft) {
			return g.transition(cur, StateBrownout, now, []string{"ram_or_cpu_soft_sustained"})
		}
		return cur
	case StateBrownout:
		if m.RAMPct >= cfg.RAMHardPct || m.TempC >= cfg.TempHardC || m.BatteryPct <= cfg.BatteryHardPct {
			return g.transition(cur, StateEmergency, now, []string{"ram_hard_or_temp_or_battery"})
		}
		if !g.w.belowRecoverSince.IsZero() && now.Sub(g.w.belowRecoverSince) >= cfg.RecoverDwell {
			return g.transition(cur, StateNormal, now, []string{"recovered"})
		}
		return cur
	case StateEmergency:
		if !g.w.belowRecoverSince.IsZero() && now.Sub(g.w.belowRecoverSince) >= cfg.RecoverDwell {
			return g.transition(cur, StateNormal, now, []string{"recovered"})
		}
		// LOCKDOWN transition is driven by RecordKillAction, not by sampling.
		return cur
	case StateLockdown:
		if now.Sub(cur.EnteredAt) >= cfg.LockdownAutoExit {
			return g.transition(cur, StateEmergency, now, []string{"lockdown_auto_exit"})
		}
		return cur
	default:
		return cur
	}
}

func (g *Guardian) transition(cur Snapshot, to State, at time.Time, reasons []string) Snapshot {
	return Snapshot{State: to, EnteredAt: at, Reasons: reasons, Policy: policyFor(to, g.cfg)}
}

// RecordKillAction informs the Guardian that a protective kill action was
// taken (e.g. a DEEP worker was forcibly reclaimed). If the rate limit is
// exceeded, EMERGENCY escalates to LOCKDOWN.
func (g *Guardian) RecordKillAction() {
	now := time.Now().UTC()
	g.lockdownKillTimes = append(g.lockdownKillTimes, now)

	cutoff := now.Add(-g.cfg.LockdownKillWindow)
	kept := g.lockdownKillTimes[:0]
	for _, t := range g.lockdownKillTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.lockdownKillTimes = kept

	cur := g.snap.Load()
	if cur.State == StateEmergency && len(g.lockdownKillTimes) > g.cfg.LockdownKillMax {
		next := g.transition(*cur, StateLockdown, now, []string{"kill_rate_exceeded"})
		logger.LogGuardianTransition(nil, string(cur.State), string(next.State), next.Reasons)
		g.snap.Store(&next)
	}
}

// State returns the current Guardian state.
func (g *Guardian) State() State {
	return g.snap.Load().State
}

// Current returns a copy of the current read model (state, entry time,
// reasons, derived policy).
func (g *Guardian) Current() Snapshot {
	return *g.snap.Load()
}

// Admit is the O(1) pre-dispatch gate the orchestrator consults before
// dispatching work for the given route at an estimated cost.
func (g *Guardian) Admit(route string, estCost float64) (Decision, string) {
	snap := g.snap.Load()
	switch snap.State {
	case StateNormal:
		return DecisionAllow, ""
	case StateBrownout:
		if route == "DEEP" {
			return DecisionReject, "guardian_brownout_blocks_deep"
		}
		if route == "PLANNER" {
			return DecisionDegrade, "guardian_brownout_degrades_planner"
		}
		return DecisionAllow, ""
	case StateEmergency, StateLockdown:
		if route == "MICRO" {
			return DecisionAllow, ""
		}
		return DecisionReject, "guardian_" + string(snap.State) + "_only_micro"
	default:
		return DecisionReject, "guardian_unknown_state"
	}
}
