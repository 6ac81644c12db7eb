// Package stage implements the first-minute controller's hysteresis-guarded
// stage state machine: it accumulates a decaying suspicion score from
// incoming signals and walks the PROBE/DEGRADED/NORMAL/CONTAIN/DECEPTION
// ladder.
package stage

import (
	"strings"
	"sync"
	"time"
)

// Stage names one of the controller's operating stages.
type Stage string

const (
	Init      Stage = "INIT"
	Probe     Stage = "PROBE"
	Degraded  Stage = "DEGRADED"
	Normal    Stage = "NORMAL"
	Contain   Stage = "CONTAIN"
	Deception Stage = "DECEPTION"
)

// Config holds the tunable thresholds and timers that drive transitions.
type Config struct {
	DegradeThreshold float64
	NormalThreshold  float64
	ContainThreshold float64
	StableNormalSec  float64
	StableProbeSec   float64
	ProbeWindowSec   float64
	DecayPerSec      float64
}

// Signals is the set of per-tick observations the machine reacts to.
// Bool/count fields mirror the upstream signal vocabulary directly so the
// controller can build one straight from probe/wifi/suricata outputs.
type Signals struct {
	LinkUp         bool
	BSSID          string
	ProbeFail      bool
	ProbeFailCount int
	DNSMismatch    int
	CertMismatch   bool
	WifiTags       bool
	RouteAnomaly   bool
	SuricataAlert  bool
	AllowRecover   bool
}

// Context is the externally observable state of the machine at a point in
// time.
type Context struct {
	State          Stage
	Suspicion      float64
	LastTransition time.Time
	LastLinkBSSID  string
	ProbeStarted   time.Time
	StableSince    time.Time
	LastReason     string
}

// Summary is the compact per-step result returned alongside the new stage,
// suitable for status reporting and logging.
type Summary struct {
	State     Stage
	Suspicion float64
	Reason    string
}

// Machine is the stage state machine. It is safe for concurrent use; the
// controller tick calls Step from a single goroutine but Snapshot and
// ForceState may be called from other goroutines concurrently.
type Machine struct {
	mu    sync.Mutex
	cfg   Config
	ctx   Context
	clock func() time.Time
}

// New builds a Machine in the INIT stage.
func New(cfg Config) *Machine {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock builds a Machine using the supplied clock, letting tests
// drive decay and timers deterministically.
func NewWithClock(cfg Config, clock func() time.Time) *Machine {
	now := clock()
	return &Machine{
		cfg: cfg,
		ctx: Context{
			State:          Init,
			LastTransition: now,
			ProbeStarted:   now,
			StableSince:    now,
			LastReason:     "init",
		},
		clock: clock,
	}
}

// Snapshot returns a copy of the machine's current context.
func (m *Machine) Snapshot() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// ResetForNewLink re-arms the machine for a freshly (re)associated link:
// stage drops to PROBE, suspicion clears, and the probe/stable timers
// restart.
func (m *Machine) ResetForNewLink(bssid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetForNewLinkLocked(bssid)
}

func (m *Machine) resetForNewLinkLocked(bssid string) {
	now := m.clock()
	m.ctx.State = Probe
	m.ctx.Suspicion = 0
	m.ctx.LastTransition = now
	m.ctx.ProbeStarted = now
	m.ctx.StableSince = now
	m.ctx.LastLinkBSSID = bssid
	m.ctx.LastReason = "new_link"
}

// ForceState overrides the current stage unconditionally. Suspicion is
// left as it is.
func (m *Machine) ForceState(s Stage, reason string) Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	m.ctx.State = s
	m.ctx.LastTransition = now
	m.ctx.LastReason = reason
	m.ctx.StableSince = now
	return s
}

func (m *Machine) decayLocked(now time.Time) {
	dt := now.Sub(m.ctx.LastTransition).Seconds()
	if dt < 0 {
		dt = 0
	}
	decay := m.cfg.DecayPerSec
	m.ctx.Suspicion -= decay * dt
	if m.ctx.Suspicion < 0 {
		m.ctx.Suspicion = 0
	}
	m.ctx.LastTransition = now
}

func (m *Machine) applySignalsLocked(sig Signals, reasons *[]string) {
	var add float64
	if sig.ProbeFail {
		count := sig.ProbeFailCount
		if count == 0 {
			count = 1
		}
		add += 15 * float64(count)
		*reasons = append(*reasons, "probe_fail")
	}
	if sig.DNSMismatch > 0 {
		add += 10 * float64(sig.DNSMismatch)
		*reasons = append(*reasons, "dns_mismatch")
	}
	if sig.CertMismatch {
		add += 25
		*reasons = append(*reasons, "cert_mismatch")
	}
	if sig.WifiTags {
		add += 20
		*reasons = append(*reasons, "wifi_tags")
	}
	if sig.RouteAnomaly {
		add += 10
		*reasons = append(*reasons, "route_anomaly")
	}
	if sig.SuricataAlert {
		add += 15
		*reasons = append(*reasons, "suricata_alert")
	}
	m.ctx.Suspicion += add
	if m.ctx.Suspicion > 100 {
		m.ctx.Suspicion = 100
	}
}

// Step advances the machine by one tick given the current signals, returning
// the (possibly unchanged) stage and a summary of the step.
//
// NOTE: DEGRADED's "else" branch below resets stable_since on every tick
// that isn't quiet (suspicion between normal and contain thresholds), which
// means a link that oscillates just above NormalThreshold can delay
// DEGRADED->NORMAL recovery indefinitely. This mirrors the upstream
// controller's behavior exactly and is a known, accepted tradeoff rather
// than a bug to fix here.
func (m *Machine) Step(sig Signals) (Stage, Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var reasons []string
	m.decayLocked(now)
	m.applySignalsLocked(sig, &reasons)

	elapsedProbe := now.Sub(m.ctx.ProbeStarted).Seconds()
	state := m.ctx.State
	changed := false

	if !sig.LinkUp && state != Init {
		m.ctx.State = Init
		m.ctx.Suspicion = 0
		m.ctx.LastReason = "link_down"
		m.ctx.LastTransition = now
		return m.ctx.State, Summary{State: m.ctx.State, Suspicion: 0, Reason: "link_down"}
	}

	switch {
	case state == Init && sig.LinkUp:
		m.resetForNewLinkLocked(sig.BSSID)
		state = m.ctx.State
		changed = true

	case state == Probe:
		switch {
		case m.ctx.Suspicion >= m.cfg.ContainThreshold:
			state = Contain
			changed = true
			m.ctx.LastReason = "probe->contain"
		case m.ctx.Suspicion >= m.cfg.DegradeThreshold && elapsedProbe >= m.cfg.StableProbeSec:
			state = Degraded
			changed = true
			m.ctx.LastReason = "probe->degraded"
			m.ctx.StableSince = now
		case elapsedProbe >= m.cfg.ProbeWindowSec && m.ctx.Suspicion <= m.cfg.NormalThreshold:
			state = Normal
			changed = true
			m.ctx.LastReason = "probe->normal"
			m.ctx.StableSince = now
		}

	case state == Degraded:
		switch {
		case m.ctx.Suspicion >= m.cfg.ContainThreshold:
			state = Contain
			changed = true
			m.ctx.LastReason = "degraded->contain"
		case m.ctx.Suspicion <= m.cfg.NormalThreshold:
			if now.Sub(m.ctx.StableSince).Seconds() >= m.cfg.StableNormalSec {
				state = Normal
				changed = true
				m.ctx.LastReason = "degraded->normal"
			}
		default:
			m.ctx.StableSince = now
		}

	case state == Normal:
		switch {
		case m.ctx.Suspicion >= m.cfg.ContainThreshold:
			state = Contain
			changed = true
			m.ctx.LastReason = "normal->contain"
		case m.ctx.Suspicion >= m.cfg.DegradeThreshold:
			state = Degraded
			changed = true
			m.ctx.LastReason = "normal->degraded"
			m.ctx.StableSince = now
		}

	case state == Contain && sig.AllowRecover:
		if m.ctx.Suspicion <= m.cfg.DegradeThreshold {
			state = Degraded
			changed = true
			m.ctx.LastReason = "contain->degraded"
		}
	}

	if changed {
		m.ctx.State = state
		m.ctx.LastTransition = now
	}

	reason := m.ctx.LastReason
	if len(reasons) > 0 {
		reason = strings.Join(reasons, ",")
	}
	return m.ctx.State, Summary{
		State:     m.ctx.State,
		Suspicion: round2(m.ctx.Suspicion),
		Reason:    reason,
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
