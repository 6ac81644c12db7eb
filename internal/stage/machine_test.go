package stage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		DegradeThreshold: 30,
		NormalThreshold:  8,
		ContainThreshold: 65,
		StableNormalSec:  20,
		StableProbeSec:   10,
		ProbeWindowSec:   20,
		DecayPerSec:      2,
	}
}

// fakeClock lets tests move time forward in controlled increments, so
// decay and timers can be tested deterministically.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestMachine() (*Machine, *fakeClock) {
	fc := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewWithClock(testConfig(), fc.Now), fc
}

func TestInitStaysUntilLinkUp(t *testing.T) {
	m, _ := newTestMachine()
	st, sum := m.Step(Signals{LinkUp: false})
	assert.Equal(t, Init, st)
	assert.Equal(t, "init", sum.Reason)
}

func TestInitToProbeOnLinkUp(t *testing.T) {
	m, _ := newTestMachine()
	st, sum := m.Step(Signals{LinkUp: true, BSSID: "aa:bb:cc:dd:ee:ff"})
	assert.Equal(t, Probe, st)
	assert.Equal(t, "new_link", sum.Reason)
	snap := m.Snapshot()
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", snap.LastLinkBSSID)
}

func TestLinkDownResetsToInitFromAnyStage(t *testing.T) {
	m, _ := newTestMachine()
	m.ForceState(Contain, "test-setup")
	st, sum := m.Step(Signals{LinkUp: false})
	assert.Equal(t, Init, st)
	assert.Zero(t, sum.Suspicion)
}

func TestProbeEscalatesToContainOnCertMismatch(t *testing.T) {
	m, fc := newTestMachine()
	m.Step(Signals{LinkUp: true})
	fc.Advance(1 * time.Second)

	// Three cert mismatches (25 each) blow past the 65 contain threshold
	// well before the probe window elapses.
	var st Stage
	for i := 0; i < 3; i++ {
		st, _ = m.Step(Signals{LinkUp: true, CertMismatch: true})
		fc.Advance(1 * time.Second)
	}
	assert.Equal(t, Contain, st)
}

func TestProbeToDegradedRequiresStableProbeDuration(t *testing.T) {
	m, fc := newTestMachine()
	m.Step(Signals{LinkUp: true})

	// Push suspicion above degrade threshold but stay inside the
	// stable-probe window: should NOT yet transition to DEGRADED.
	st, _ := m.Step(Signals{LinkUp: true, ProbeFail: true, ProbeFailCount: 4})
	require.Equal(t, Probe, st)

	// Now let the stable-probe window elapse while suspicion stays high:
	// 60 decays by 2/s * 11s = 22 to 38, still above the degrade threshold.
	fc.Advance(11 * time.Second)
	st, sum := m.Step(Signals{LinkUp: true})
	assert.Equal(t, Degraded, st)
	assert.Equal(t, "probe->degraded", sum.Reason)
}

func TestProbeToNormalAfterQuietWindow(t *testing.T) {
	m, fc := newTestMachine()
	m.Step(Signals{LinkUp: true})
	fc.Advance(21 * time.Second)
	st, sum := m.Step(Signals{LinkUp: true})
	assert.Equal(t, Normal, st)
	assert.Equal(t, "probe->normal", sum.Reason)
}

func TestDegradedToNormalNeedsSustainedQuiet(t *testing.T) {
	m, fc := newTestMachine()
	m.ForceState(Degraded, "test-setup")

	// ForceState starts the stable-since clock; a quiet tick right away
	// doesn't transition.
	st, _ := m.Step(Signals{LinkUp: true})
	require.Equal(t, Degraded, st)

	fc.Advance(21 * time.Second)
	st, sum := m.Step(Signals{LinkUp: true})
	assert.Equal(t, Normal, st)
	assert.Equal(t, "degraded->normal", sum.Reason)
}

func TestDegradedNoiseResetsStableSince(t *testing.T) {
	m, fc := newTestMachine()
	m.ForceState(Degraded, "test-setup")

	fc.Advance(15 * time.Second)
	// A signal that keeps suspicion between normal and contain thresholds
	// resets stable_since, per the upstream recovery-delay behavior.
	st, _ := m.Step(Signals{LinkUp: true, DNSMismatch: 1})
	require.Equal(t, Degraded, st)

	fc.Advance(15 * time.Second)
	st, _ = m.Step(Signals{LinkUp: true})
	// Suspicion has decayed below normal threshold by now but stable_since
	// was reset 15s ago, short of the 20s requirement.
	assert.Equal(t, Degraded, st)
}

func TestContainRequiresAllowRecoverToStepDown(t *testing.T) {
	m, _ := newTestMachine()
	m.ForceState(Contain, "test-setup")
	st, _ := m.Step(Signals{LinkUp: true})
	assert.Equal(t, Contain, st, "CONTAIN must not self-heal without allow_recover")
}

func TestContainToDegradedOnAllowRecover(t *testing.T) {
	m, _ := newTestMachine()
	m.ForceState(Contain, "test-setup")
	// Suspicion starts at zero under ForceState, so it is already below
	// the degrade threshold.
	st, sum := m.Step(Signals{LinkUp: true, AllowRecover: true})
	assert.Equal(t, Degraded, st)
	assert.Equal(t, "contain->degraded", sum.Reason)
}

func TestSuspicionClampedToHundred(t *testing.T) {
	m, _ := newTestMachine()
	m.Step(Signals{LinkUp: true})
	_, sum := m.Step(Signals{
		LinkUp:        true,
		ProbeFail:     true,
		ProbeFailCount: 10,
		CertMismatch:  true,
		WifiTags:      true,
		SuricataAlert: true,
	})
	assert.LessOrEqual(t, sum.Suspicion, 100.0)
}

func TestDecayReducesSuspicionOverTime(t *testing.T) {
	m, fc := newTestMachine()
	m.Step(Signals{LinkUp: true})
	_, sum := m.Step(Signals{LinkUp: true, RouteAnomaly: true})
	require.Greater(t, sum.Suspicion, 0.0)

	fc.Advance(10 * time.Second)
	_, sum2 := m.Step(Signals{LinkUp: true})
	assert.Less(t, sum2.Suspicion, sum.Suspicion)
}

func TestForceStateOverridesImmediately(t *testing.T) {
	m, _ := newTestMachine()
	got := m.ForceState(Deception, "operator")
	assert.Equal(t, Deception, got)
	snap := m.Snapshot()
	assert.Equal(t, Deception, snap.State)
	assert.Equal(t, "operator", snap.LastReason)
}

func TestResetForNewLinkClearsSuspicion(t *testing.T) {
	m, _ := newTestMachine()
	m.Step(Signals{LinkUp: true, CertMismatch: true})
	m.ResetForNewLink("11:22:33:44:55:66")
	snap := m.Snapshot()
	assert.Equal(t, Probe, snap.State)
	assert.Zero(t, snap.Suspicion)
	assert.Equal(t, "11:22:33:44:55:66", snap.LastLinkBSSID)
}
