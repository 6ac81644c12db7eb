// Package shaping applies per-stage traffic shaping via `tc qdisc replace`,
// throttling and adding latency/loss to the link while a stage is active
// without requiring heavier queuing disciplines than a small edge device
// can drive.
package shaping

import (
	"context"
	"os/exec"

	"github.com/azazel-zero/firstminute/internal/stage"
)

// runner narrows os/exec to the one call this package makes, so tests can
// substitute a fake rather than shell out to tc(8).
type runner interface {
	Run(ctx context.Context, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) error {
	return exec.CommandContext(ctx, "tc", args...).Run()
}

// Manager applies tc qdisc policies to the downstream (trusted client) and
// upstream (hostile Wi-Fi) interfaces.
type Manager struct {
	downstream string
	upstream   string
	run        runner
}

// New builds a Manager for the given interfaces.
func New(downstream, upstream string) *Manager {
	return &Manager{downstream: downstream, upstream: upstream, run: execRunner{}}
}

// Apply installs the shaping profile for s (PROBE, DEGRADED, CONTAIN), or
// clears shaping entirely for any stage without one (NORMAL, DECEPTION,
// INIT).
func (m *Manager) Apply(ctx context.Context, s stage.Stage) error {
	switch s {
	case stage.Degraded:
		_ = m.run.Run(ctx, "qdisc", "replace", "dev", m.downstream, "root", "handle", "1:",
			"netem", "delay", "150ms", "50ms", "distribution", "normal")
		_ = m.run.Run(ctx, "qdisc", "replace", "dev", m.upstream, "root", "handle", "2:",
			"tbf", "rate", "2mbit", "burst", "32kbit", "latency", "400ms")
		return nil
	case stage.Probe:
		_ = m.run.Run(ctx, "qdisc", "replace", "dev", m.downstream, "root", "handle", "1:",
			"netem", "delay", "220ms", "100ms")
		_ = m.run.Run(ctx, "qdisc", "replace", "dev", m.upstream, "root", "handle", "2:",
			"tbf", "rate", "1mbit", "burst", "16kbit", "latency", "400ms")
		return nil
	case stage.Contain:
		_ = m.run.Run(ctx, "qdisc", "replace", "dev", m.downstream, "root", "handle", "1:",
			"netem", "delay", "400ms", "200ms", "loss", "5%")
		_ = m.run.Run(ctx, "qdisc", "replace", "dev", m.upstream, "root", "handle", "2:",
			"tbf", "rate", "512kbit", "burst", "8kbit", "latency", "600ms")
		return nil
	default:
		return m.Clear(ctx)
	}
}

// Clear removes any shaping qdisc from both interfaces.
func (m *Manager) Clear(ctx context.Context) error {
	_ = m.run.Run(ctx, "qdisc", "del", "dev", m.downstream, "root")
	_ = m.run.Run(ctx, "qdisc", "del", "dev", m.upstream, "root")
	return nil
}
