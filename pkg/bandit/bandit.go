// Package bandit implements the contextual route router: Thompson sampling
// over Beta(alpha, beta) arms for {MICRO, PLANNER, DEEP}, with safety
// clamps per spec.md §4.7: guardian policy, breaker availability and quota
// room mask arms (through the caller's AvailabilityFunc) before sampling;
// the canary-share bound and the MICRO-share demotion apply after the arm
// is proposed.
package bandit

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Arm identifies one of the three backend routes the bandit chooses between.
type Arm string

const (
	ArmMicro   Arm = "MICRO"
	ArmPlanner Arm = "PLANNER"
	ArmDeep    Arm = "DEEP"
)

var allArms = []Arm{ArmMicro, ArmPlanner, ArmDeep}

// betaParams holds the Beta distribution's alpha/beta pseudo-counts for one
// arm. Starting at (1,1) is the uniform prior.
type betaParams struct {
	Alpha float64
	Beta  float64
}

// Context is the feature vector the router conditions its choice on, per
// spec.md §4.7: "intent confidence, text length, has-question, cache hint
// present, guardian state, last tool error flag". The current Thompson
// sampling arms are context-free per-arm Beta posteriors. Choose reads only
// IntentConfidence (for the MICRO-share demotion); guardian, breaker and
// quota availability reach Choose through its AvailabilityFunc, not through
// these fields.
type Context struct {
	IntentConfidence float64
	TextLength       int
	HasQuestion      bool
	CacheHintPresent bool
	GuardianState    string
	LastToolError    bool
}

// Router holds the per-arm posteriors and the safety policy inputs applied
// after sampling.
type Router struct {
	mu   sync.Mutex
	rng  *rand.Rand
	arms map[Arm]*betaParams

	canaryShare   float64
	microMaxShare float64

	// recent route history for the micro-share quota demotion check,
	// a small ring buffer of the last N chosen (pre-demotion) arms.
	history    []Arm
	historyCap int
}

// New constructs a Router with uniform Beta(1,1) priors for every arm.
func New(canaryShare, microMaxShare float64) *Router {
	arms := make(map[Arm]*betaParams, len(allArms))
	for _, a := range allArms {
		arms[a] = &betaParams{Alpha: 1, Beta: 1}
	}
	return &Router{
		rng:           rand.New(rand.NewSource(1)),
		arms:          arms,
		canaryShare:   canaryShare,
		microMaxShare: microMaxShare,
		historyCap:    100,
	}
}

// sampleGamma draws from Gamma(shape, 1) via the Marsaglia-Tsang method.
// math/rand has no distribution sampler beyond uniform/normal/exponential;
// no library in the retrieval pack ships Beta/Gamma sampling either, so this
// is hand-rolled on the standard library.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := math.Pow(1+c*x, 3)
		if v <= 0 {
			continue
		}
		u := rng.Float64()
		if math.Log(u) < 0.5*x*x+d-d*v+d*math.Log(v) {
			return d * v
		}
	}
}

func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	return x / (x + y)
}

// AvailabilityFunc reports whether an arm is currently usable (breaker not
// open, guardian policy allows it).
type AvailabilityFunc func(a Arm) bool

// Choose samples each available arm's posterior and returns the arm with the
// highest draw, after applying canary-share bounding and the per-route quota
// demotion. Of ctx only IntentConfidence is read, by the MICRO demotion; the
// posteriors are per-arm and do not condition on ctx.
func (r *Router) Choose(ctx Context, available AvailabilityFunc) Arm {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]Arm, 0, len(allArms))
	for _, a := range allArms {
		if available == nil || available(a) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return ArmMicro
	}

	type draw struct {
		arm   Arm
		score float64
	}
	draws := make([]draw, 0, len(candidates))
	for _, a := range candidates {
		p := r.arms[a]
		draws = append(draws, draw{arm: a, score: sampleBeta(r.rng, p.Alpha, p.Beta)})
	}
	sort.Slice(draws, func(i, j int) bool { return draws[i].score > draws[j].score })

	chosen := draws[0].arm

	// Canary-share bound: any arm other than the incumbent MICRO/PLANNER
	// mix is limited to canaryShare of recent traffic. DEEP is treated as
	// the canary arm since it is the highest-cost, least-explored choice.
	if chosen == ArmDeep && r.recentShareLocked(ArmDeep) >= r.canaryShare && len(draws) > 1 {
		chosen = draws[1].arm
	}

	// Per-route quota demotion: MICRO capped at microMaxShare of recent
	// traffic when intent confidence is low, demoting to the next
	// admissible arm (spec.md §4.7).
	if chosen == ArmMicro && ctx.IntentConfidence < 0.5 && r.recentShareLocked(ArmMicro) >= r.microMaxShare {
		for _, d := range draws[1:] {
			chosen = d.arm
			break
		}
	}

	r.recordLocked(chosen)
	return chosen
}

func (r *Router) recordLocked(a Arm) {
	r.history = append(r.history, a)
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
}

func (r *Router) recentShareLocked(a Arm) float64 {
	if len(r.history) == 0 {
		return 0
	}
	count := 0
	for _, h := range r.history {
		if h == a {
			count++
		}
	}
	return float64(count) / float64(len(r.history))
}

// Update folds a completed turn's reward back into the chosen arm's Beta
// posterior, shaped by the exploration bonus in reward.go.
func (r *Router) Update(a Arm, reward float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.arms[a]
	if !ok {
		return
	}
	reward = clamp01(reward)
	bonus := explorationBonus(p.Alpha, p.Beta)
	p.Alpha += reward * bonus
	p.Beta += (1 - reward) * bonus
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Snapshot is the serializable state of every arm's posterior, used by
// persist.go.
type Snapshot struct {
	Arms map[Arm]betaParams
}

// snapshotLocked must be called with r.mu held.
func (r *Router) snapshotLocked() Snapshot {
	out := make(map[Arm]betaParams, len(r.arms))
	for a, p := range r.arms {
		out[a] = *p
	}
	return Snapshot{Arms: out}
}

// Snapshot returns a copy of the current posterior state.
func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Restore replaces the router's posteriors with a previously persisted
// snapshot. Arms absent from snap keep their current (uniform-prior) state.
func (r *Router) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for a, p := range snap.Arms {
		cp := p
		r.arms[a] = &cp
	}
}
