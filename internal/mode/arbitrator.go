// Package mode decides, per call, whether a remote inference capability may
// be used. Each capability has its own circuit breaker and call budget.
package mode

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Capability names a remote operation class.
type Capability string

const (
	Embedding          Capability = "embedding"
	Generation         Capability = "generation"
	QuestionGeneration Capability = "question_generation"
)

// Capabilities lists every capability in a stable order.
var Capabilities = []Capability{Embedding, Generation, QuestionGeneration}

// State is the circuit state of a capability.
type State string

const (
	Available   State = "available"
	Degraded    State = "degraded"
	Unavailable State = "unavailable"
)

// Provenance records whether a result came from the remote capability.
type Provenance string

const (
	Online  Provenance = "online"
	Offline Provenance = "offline"
)

// Reason explains why a call ran offline.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNoCredential    Reason = "no_credential"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonProbeInFlight   Reason = "probe_in_flight"
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonTimeout         Reason = "timeout"
	ReasonRemoteError     Reason = "remote_error"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonCanceled        Reason = "canceled"
)

// Config controls thresholds, cooldown and budget. Zero values fall back to
// defaults.
type Config struct {
	// Authorized is true when a remote API credential is configured.
	Authorized     bool
	DegradeAfter   int
	TripAfter      int
	Cooldown       time.Duration
	CallsPerWindow int
	Window         time.Duration
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = 1
	}
	if c.TripAfter <= 0 {
		c.TripAfter = 3
	}
	if c.TripAfter < c.DegradeAfter {
		c.TripAfter = c.DegradeAfter
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.CallsPerWindow <= 0 {
		c.CallsPerWindow = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// ModeState is a point-in-time view of one capability.
type ModeState struct {
	Capability    Capability `json:"capability"`
	State         State      `json:"state"`
	Failures      int        `json:"failures"`
	LastFailure   time.Time  `json:"last_failure,omitzero"`
	CooldownUntil time.Time  `json:"cooldown_until,omitzero"`
	Probing       bool       `json:"probing"`
	BudgetUsed    int        `json:"budget_used"`
	BudgetLimit   int        `json:"budget_limit"`
}

// Permit is the result of Acquire. A granted permit must be reported exactly
// once via Report.
type Permit struct {
	Capability Capability
	Granted    bool
	Probe      bool
	Reason     Reason
}

// Hooks observe decisions and transitions. Hooks run outside the lock.
type Hooks struct {
	OnDecision   func(p Permit)
	OnTransition func(c Capability, from, to State)
}

type capState struct {
	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	cooldownUntil time.Time
	probing       bool
	limiter       *rate.Limiter
}

// Arbitrator is the process-wide owner of all ModeState.
type Arbitrator struct {
	cfg    Config
	caps   map[Capability]*capState
	hooks  Hooks
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Arbitrator.
type Option func(*Arbitrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Arbitrator) { a.now = now }
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(a *Arbitrator) { a.hooks = h }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbitrator) { a.logger = l }
}

// New creates an Arbitrator with every capability available.
func New(cfg Config, opts ...Option) *Arbitrator {
	a := &Arbitrator{
		cfg:    cfg.withDefaults(),
		caps:   make(map[Capability]*capState, len(Capabilities)),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	for _, c := range Capabilities {
		a.caps[c] = &capState{state: Available, limiter: a.newLimiter()}
	}
	return a
}

func (a *Arbitrator) newLimiter() *rate.Limiter {
	every := a.cfg.Window / time.Duration(a.cfg.CallsPerWindow)
	return rate.NewLimiter(rate.Every(every), a.cfg.CallsPerWindow)
}

// Config returns the effective configuration.
func (a *Arbitrator) Config() Config { return a.cfg }

// Authorized reports whether a credential is configured.
func (a *Arbitrator) Authorized() bool { return a.cfg.Authorized }

// Acquire asks whether c may be called now. A granted permit consumes one
// budget token.
func (a *Arbitrator) Acquire(c Capability) Permit {
	p := a.acquire(c)
	if a.hooks.OnDecision != nil {
		a.hooks.OnDecision(p)
	}
	return p
}

func (a *Arbitrator) acquire(c Capability) Permit {
	p := Permit{Capability: c}
	if !a.cfg.Authorized {
		p.Reason = ReasonNoCredential
		return p
	}
	cs, ok := a.caps[c]
	if !ok {
		p.Reason = ReasonCircuitOpen
		return p
	}

	var from State
	cs.mu.Lock()
	now := a.now()
	if cs.state == Unavailable && now.Before(cs.cooldownUntil) {
		cs.mu.Unlock()
		p.Reason = ReasonCircuitOpen
		return p
	}
	if cs.probing {
		cs.mu.Unlock()
		p.Reason = ReasonProbeInFlight
		return p
	}
	if !cs.limiter.AllowN(now, 1) {
		cs.mu.Unlock()
		p.Reason = ReasonBudgetExhausted
		return p
	}
	p.Granted = true
	if cs.state == Unavailable {
		// Half-open: admit a single probe.
		from = cs.state
		cs.state = Degraded
		cs.probing = true
		p.Probe = true
	}
	cs.mu.Unlock()

	if p.Probe {
		a.transitioned(c, from, Degraded)
	}
	return p
}

// Report records the result of a call made under p. A nil err is a success.
// Reports for denied permits are ignored.
func (a *Arbitrator) Report(p Permit, err error) {
	if !p.Granted {
		return
	}
	cs, ok := a.caps[p.Capability]
	if !ok {
		return
	}

	cs.mu.Lock()
	from := cs.state
	to := from
	now := a.now()
	switch {
	case p.Probe:
		cs.probing = false
		if err == nil {
			cs.failures = 0
			to = Available
		} else {
			cs.failures++
			cs.lastFailure = now
			cs.cooldownUntil = now.Add(a.cfg.Cooldown)
			to = Unavailable
		}
	case cs.state == Unavailable || cs.probing:
		// Results of calls admitted before the circuit opened only count;
		// recovery is driven by the probe alone.
		if err != nil {
			cs.failures++
			cs.lastFailure = now
		}
	case err == nil:
		cs.failures = 0
		to = Available
	default:
		cs.failures++
		cs.lastFailure = now
		if cs.state == Available && cs.failures >= a.cfg.DegradeAfter {
			to = Degraded
		} else if cs.state == Degraded && cs.failures >= a.cfg.TripAfter {
			to = Unavailable
			cs.cooldownUntil = now.Add(a.cfg.Cooldown)
		}
	}
	cs.state = to
	cs.mu.Unlock()

	if to != from {
		a.transitioned(p.Capability, from, to)
	}
}

func (a *Arbitrator) transitioned(c Capability, from, to State) {
	level := slog.LevelInfo
	if to == Unavailable {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "remote capability state changed", "capability", c, "from", from, "to", to)
	if a.hooks.OnTransition != nil {
		a.hooks.OnTransition(c, from, to)
	}
}

// Snapshot returns the current state of c.
func (a *Arbitrator) Snapshot(c Capability) ModeState {
	cs, ok := a.caps[c]
	if !ok {
		return ModeState{Capability: c, State: Unavailable}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	tokens := cs.limiter.TokensAt(a.now())
	used := a.cfg.CallsPerWindow - int(math.Floor(tokens))
	if used < 0 {
		used = 0
	}
	return ModeState{
		Capability:    c,
		State:         cs.state,
		Failures:      cs.failures,
		LastFailure:   cs.lastFailure,
		CooldownUntil: cs.cooldownUntil,
		Probing:       cs.probing,
		BudgetUsed:    used,
		BudgetLimit:   a.cfg.CallsPerWindow,
	}
}

// Snapshots returns the state of every capability.
func (a *Arbitrator) Snapshots() []ModeState {
	out := make([]ModeState, len(Capabilities))
	for i, c := range Capabilities {
		out[i] = a.Snapshot(c)
	}
	return out
}

// Usable reports whether c would currently be considered for a remote call,
// without consuming budget.
func (a *Arbitrator) Usable(c Capability) bool {
	if !a.cfg.Authorized {
		return false
	}
	cs, ok := a.caps[c]
	if !ok {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.probing {
		return false
	}
	return cs.state != Unavailable || !a.now().Before(cs.cooldownUntil)
}

// Reset returns every capability to available with a full budget. Intended
// for tests.
func (a *Arbitrator) Reset() {
	for _, c := range Capabilities {
		cs := a.caps[c]
		cs.mu.Lock()
		cs.state = Available
		cs.failures = 0
		cs.lastFailure = time.Time{}
		cs.cooldownUntil = time.Time{}
		cs.probing = false
		cs.limiter = a.newLimiter()
		cs.mu.Unlock()
	}
}
