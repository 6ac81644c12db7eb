// Package controller owns the first-minute controller's tick loop: it
// polls Wi-Fi safety, runs the probe battery during PROBE, feeds signals
// into the stage state machine, and applies the resulting stage to the
// packet filter and traffic shaper.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/azazel-zero/firstminute/internal/dnsobserver"
	"github.com/azazel-zero/firstminute/internal/nft"
	"github.com/azazel-zero/firstminute/internal/probe"
	"github.com/azazel-zero/firstminute/internal/shaping"
	"github.com/azazel-zero/firstminute/internal/stage"
	"github.com/azazel-zero/firstminute/internal/status"
	"github.com/azazel-zero/firstminute/internal/wifi"
	"github.com/azazel-zero/firstminute/pkg/config"
	"github.com/azazel-zero/firstminute/pkg/metrics"
)

// TickPeriod is the controller's main loop period.
const TickPeriod = 2 * time.Second

const suricataFreshness = 30 * time.Second

// Options configures a Controller beyond what lives in config.Config.
type Options struct {
	DryRun        bool
	NoDNSStart    bool
	PrettyConsole bool
}

// Controller wires together the stage machine, probes, Wi-Fi safety
// sensor, packet filter, and traffic shaper into the main control loop.
type Controller struct {
	cfg     *config.Config
	opts    Options
	machine *stage.Machine
	nftMgr  *nft.Manager
	tcMgr   *shaping.Manager
	store   *status.Store
	wifiRun wifiRunner

	mu         sync.Mutex
	dnsmasqCmd *exec.Cmd
	lastProbe  *probe.Outcome
	lastConsole time.Time

	currentStage stage.Stage
	probeDone    bool
}

// wifiRunner is the narrow interface Controller needs from the wifi
// package, letting tests substitute a fake that never shells out.
type wifiRunner interface {
	Evaluate(ctx context.Context, iface string, knownDBPath string, gatewayIP string) (wifi.Safety, error)
}

type defaultWifiRunner struct{}

func (defaultWifiRunner) Evaluate(ctx context.Context, iface, knownDBPath, gatewayIP string) (wifi.Safety, error) {
	return wifi.Evaluate(ctx, wifi.DefaultRunner, iface, knownDBPath, gatewayIP)
}

// New builds a Controller from cfg. nftMgr/tcMgr/store are constructed by
// the caller (cmd/firstminuted) so they can be shared with other
// subsystems (e.g. the dns observer shares nftMgr).
func New(cfg *config.Config, opts Options, nftMgr *nft.Manager, tcMgr *shaping.Manager, store *status.Store) *Controller {
	return &Controller{
		cfg:          cfg,
		opts:         opts,
		machine:      stage.New(stageConfig(cfg)),
		nftMgr:       nftMgr,
		tcMgr:        tcMgr,
		store:        store,
		wifiRun:      defaultWifiRunner{},
		currentStage: stage.Init,
	}
}

func stageConfig(cfg *config.Config) stage.Config {
	t := cfg.StateMachine
	return stage.Config{
		DegradeThreshold: t.DegradeThreshold,
		NormalThreshold:  t.NormalThreshold,
		ContainThreshold: t.ContainThreshold,
		StableNormalSec:  t.StableNormalSec,
		StableProbeSec:   t.StableProbeSec,
		ProbeWindowSec:   t.ProbeWindowSec,
		DecayPerSec:      t.DecayPerSec,
	}
}

// ErrNeedsRoot is returned by Preflight when the process isn't running as
// root, distinct from a missing-tool failure so callers can map the two to
// different exit codes.
var ErrNeedsRoot = errors.New("first-minute control requires root")

// Preflight verifies the process is root and that the external tools the
// controller shells out to are on PATH.
func (c *Controller) Preflight() error {
	if os.Geteuid() != 0 {
		return ErrNeedsRoot
	}
	for _, bin := range []string{"nft", "tc", "ip"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found in PATH", bin)
		}
	}
	return nil
}

// ApplySysctl enables forwarding and reverse-path filtering, best-effort.
func (c *Controller) ApplySysctl(ctx context.Context) {
	cmds := [][]string{
		{"-w", "net.ipv4.ip_forward=1"},
		{"-w", "net.ipv4.conf.all.rp_filter=1"},
		{"-w", "net.ipv4.conf.default.rp_filter=1"},
	}
	for _, args := range cmds {
		if err := exec.CommandContext(ctx, "sysctl", args...).Run(); err != nil {
			log.Warn().Err(err).Strs("args", args).Msg("controller: sysctl failed")
		}
	}
}

// StartDnsmasq launches the managed dnsmasq child unless disabled by
// config or the --no-dns-start flag.
func (c *Controller) StartDnsmasq(ctx context.Context) error {
	if c.opts.NoDNSStart || !c.cfg.Dnsmasq.Enable {
		return nil
	}
	cmd := exec.CommandContext(ctx, "dnsmasq", "--conf-file="+c.cfg.DnsmasqConfPath())
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start dnsmasq: %w", err)
	}
	c.mu.Lock()
	c.dnsmasqCmd = cmd
	c.mu.Unlock()
	return nil
}

// StopDnsmasq sends SIGTERM to the managed dnsmasq child, escalating to
// SIGKILL if it hasn't exited within 3 seconds.
func (c *Controller) StopDnsmasq() {
	c.mu.Lock()
	cmd := c.dnsmasqCmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(3 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

// StartDNSObserver launches the dnsmasq log tailer as a background
// goroutine, returning once it's running; it stops when ctx is canceled.
func (c *Controller) StartDNSObserver(ctx context.Context) {
	t := dnsobserver.New(c.cfg.DNSLogPath(), c.nftMgr, nft.DynamicAllowSet,
		time.Duration(c.cfg.Policy.DynamicAllowTTL)*time.Second)
	go func() {
		if err := t.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("controller: dns observer exited")
		}
	}()
}

// ApplyStage pushes a stage change to the packet filter and traffic
// shaper, unless running in dry-run mode.
func (c *Controller) ApplyStage(ctx context.Context, s stage.Stage) {
	if c.opts.DryRun {
		log.Info().Str("stage", string(s)).Msg("dry-run stage change")
		return
	}
	if err := c.nftMgr.SetStage(ctx, s); err != nil {
		log.Warn().Err(err).Msg("controller: nft set_stage failed; re-applying base and retrying once")
		if err := c.nftMgr.ApplyBase(ctx); err != nil {
			log.Warn().Err(err).Msg("controller: nft apply_base retry failed")
		} else if err := c.nftMgr.SetStage(ctx, s); err != nil {
			log.Warn().Err(err).Msg("controller: nft set_stage retry failed")
		}
	}
	if err := c.tcMgr.Apply(ctx, s); err != nil {
		log.Warn().Err(err).Msg("controller: tc apply failed")
	}
}

// SeedProbeDestinations resolves the configured probe hostnames and seeds
// their addresses into the probe allow-set, so the controller's own probe
// traffic isn't blocked by the PROBE-stage filter before it can complete.
func (c *Controller) SeedProbeDestinations(ctx context.Context) {
	var hosts []string
	for _, pin := range c.cfg.Probes.TLS {
		if pin.Host != "" {
			hosts = append(hosts, pin.Host)
		}
	}
	if c.cfg.Probes.CaptivePortal.URL != "" {
		if u, err := url.Parse(c.cfg.Probes.CaptivePortal.URL); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}

	var ips []string
	for _, h := range hosts {
		addrs, err := net.DefaultResolver.LookupHost(ctx, h)
		if err != nil {
			continue
		}
		ips = append(ips, addrs...)
	}
	dnsobserver.SeedProbeIPs(ctx, c.nftMgr, time.Duration(c.cfg.Policy.ProbeAllowTTL)*time.Second, ips)
}

// suricataBumped reports whether the configured Suricata eve.json alert
// file has been written to within the last 30 seconds.
func (c *Controller) suricataBumped() bool {
	if !c.cfg.Suricata.Enabled {
		return false
	}
	path := c.cfg.Suricata.EvePath
	if path == "" {
		path = "/var/log/suricata/eve.json"
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < suricataFreshness
}

// pollWifi evaluates Wi-Fi safety, resetting the stage machine to PROBE
// whenever the current BSSID changes from the last observed one.
func (c *Controller) pollWifi(ctx context.Context) (wifi.Safety, bool) {
	safety, err := c.wifiRun.Evaluate(ctx, c.cfg.Interfaces.Upstream, c.cfg.Paths.KnownDB, c.cfg.Interfaces.GatewayIP)
	if err != nil {
		log.Warn().Err(err).Msg("controller: wifi evaluate failed")
		return wifi.Safety{}, false
	}

	newLink := false
	if safety.Link.Connected && safety.Link.BSSID != "" {
		snap := c.machine.Snapshot()
		if safety.Link.BSSID != snap.LastLinkBSSID {
			c.machine.ResetForNewLink(safety.Link.BSSID)
			c.currentStage = stage.Probe
			newLink = true
		}
	}
	return safety, newLink
}

// Run executes the controller's main tick loop until ctx is canceled. It
// does not itself perform preflight/sysctl/dnsmasq/seed setup — callers
// that want the full startup sequence should call those first (see
// cmd/firstminuted), which lets dry-run and tests skip the privileged
// parts while still exercising the loop.
func (c *Controller) Run(ctx context.Context) {
	var tickCount uint64
	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()

	for {
		start := time.Now()
		c.tick(ctx, &tickCount)
		metrics.TickDurationSeconds.Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) tick(ctx context.Context, tickCount *uint64) {
	safety, newLink := c.pollWifi(ctx)
	if newLink {
		c.probeDone = false
	}

	sig := stage.Signals{
		LinkUp: safety.Link.Connected,
		BSSID:  safety.Link.BSSID,
	}
	if len(safety.Tags) > 0 {
		sig.WifiTags = true
		for _, t := range safety.Tags {
			metrics.WifiTagsTotal.WithLabelValues(t).Inc()
		}
	}

	if c.currentStage == stage.Probe && safety.Link.Connected && !c.probeDone {
		outcome := probe.RunAll(ctx, probeConfig(c.cfg))
		c.mu.Lock()
		c.lastProbe = &outcome
		c.mu.Unlock()

		sig.ProbeFail = outcome.CaptivePortal || outcome.TLSMismatch
		sig.ProbeFailCount = 1 + outcome.DNSMismatch
		sig.DNSMismatch = outcome.DNSMismatch
		sig.CertMismatch = outcome.TLSMismatch
		sig.RouteAnomaly = outcome.RouteAnomaly
		c.probeDone = true

		metrics.ProbeRunsTotal.WithLabelValues("run_all").Inc()
		if sig.ProbeFail {
			metrics.ProbeFailuresTotal.WithLabelValues("run_all").Inc()
		}
	}

	if c.suricataBumped() {
		sig.SuricataAlert = true
	}

	prevStage := c.currentStage
	state, summary := c.machine.Step(sig)

	if state == stage.Contain && c.cfg.Deception.EnableIfOpenCanaryPresent {
		path := c.cfg.Paths.OpenCanaryConf
		if path == "" {
			path = "/etc/opencanaryd/opencanary.conf"
		}
		if _, err := os.Stat(path); err == nil {
			state = stage.Deception
		}
	}

	if state != c.currentStage {
		c.currentStage = state
		c.probeDone = state != stage.Probe
		c.ApplyStage(ctx, state)
		metrics.StageTransitionsTotal.WithLabelValues(string(prevStage), string(state)).Inc()
	}

	metrics.SuspicionScore.Set(summary.Suspicion)
	for _, s := range []stage.Stage{stage.Init, stage.Probe, stage.Degraded, stage.Normal, stage.Contain, stage.Deception} {
		v := 0.0
		if s == state {
			v = 1
		}
		metrics.CurrentStage.WithLabelValues(string(s)).Set(v)
	}

	*tickCount++
	snap := status.Snapshot{
		Stage:     state,
		Suspicion: summary.Suspicion,
		Reason:    summary.Reason,
		Wifi: status.WifiView{
			Link: status.LinkView{
				Connected: safety.Link.Connected,
				SSID:      safety.Link.SSID,
				BSSID:     safety.Link.BSSID,
			},
			WifiTags: safety.Tags,
		},
		LastTick:  time.Now(),
		TickCount: *tickCount,
	}
	c.mu.Lock()
	if c.lastProbe != nil {
		snap.LastProbe = &status.ProbeView{
			Captive: c.lastProbe.CaptivePortal,
			TLS:     c.lastProbe.TLSMismatch,
			DNS:     c.lastProbe.DNSMismatch,
			Route:   c.lastProbe.RouteAnomaly,
		}
	}
	c.mu.Unlock()
	c.store.Publish(snap)

	if c.opts.PrettyConsole {
		c.renderConsole(state, summary, safety)
	}
	log.Info().
		Str("stage", string(state)).
		Float64("suspicion", summary.Suspicion).
		Str("reason", summary.Reason).
		Bool("link_up", safety.Link.Connected).
		Str("ssid", safety.Link.SSID).
		Str("bssid", safety.Link.BSSID).
		Strs("wifi_tags", safety.Tags).
		Interface("last_probe", snap.LastProbe).
		Msg("tick")
}

func probeConfig(cfg *config.Config) probe.Config {
	tls := make([]probe.TLSPinConfig, 0, len(cfg.Probes.TLS))
	for _, p := range cfg.Probes.TLS {
		tls = append(tls, probe.TLSPinConfig{
			Host:            p.Host,
			Port:            p.Port,
			FingerprintSHA2: p.FingerprintSHA2,
			Timeout:         time.Duration(p.Timeout) * time.Second,
		})
	}
	return probe.Config{
		Upstream: cfg.Interfaces.Upstream,
		CaptivePortal: probe.CaptivePortalConfig{
			URL:     cfg.Probes.CaptivePortal.URL,
			Timeout: time.Duration(cfg.Probes.CaptivePortal.Timeout) * time.Second,
			Retries: cfg.Probes.CaptivePortal.Retries,
		},
		TLS: tls,
		DNSCompare: probe.DNSCompareConfig{
			Enabled:           cfg.Probes.DNSCompare.Enabled,
			SampleNames:       cfg.Probes.DNSCompare.SampleNames,
			ReferenceResolver: cfg.Probes.DNSCompare.ReferenceResolver,
			Timeout:           time.Duration(cfg.Probes.DNSCompare.Timeout) * time.Second,
			MaxMismatch:       cfg.Probes.DNSCompare.MaxMismatch,
		},
	}
}

// renderConsole redraws a simple terminal dashboard, throttled to once a
// second so that a 2s tick period never flickers the screen twice per
// redraw.
func (c *Controller) renderConsole(s stage.Stage, summary stage.Summary, safety wifi.Safety) {
	now := time.Now()
	if now.Sub(c.lastConsole) < time.Second {
		return
	}
	c.lastConsole = now

	barLen := int(summary.Suspicion / 5)
	if barLen > 20 {
		barLen = 20
	}
	if barLen < 0 {
		barLen = 0
	}
	bar := ""
	for i := 0; i < 20; i++ {
		if i < barLen {
			bar += "#"
		} else {
			bar += "."
		}
	}

	out := "\033[2J\033[H"
	out += "Azazel-Zero First-Minute Control\n"
	out += fmt.Sprintf("State: %-8s  Suspicion: %5.1f [%s]\n", s, summary.Suspicion, bar)
	out += fmt.Sprintf("Reason: %s\n", summary.Reason)
	out += fmt.Sprintf("Wi-Fi: ssid=%s bssid=%s\n", safety.Link.SSID, safety.Link.BSSID)
	if len(safety.Tags) > 0 {
		tagList := ""
		for i, t := range safety.Tags {
			if i > 0 {
				tagList += ","
			}
			tagList += t
		}
		out += "Wi-Fi tags: " + tagList + "\n"
	}
	c.mu.Lock()
	lp := c.lastProbe
	c.mu.Unlock()
	if lp != nil {
		out += fmt.Sprintf("Probe: captive=%s tls_mismatch=%s dns_mismatch=%d\n",
			yesno(lp.CaptivePortal), yesno(lp.TLSMismatch), lp.DNSMismatch)
	}
	out += "Ctrl+C to stop / structured log stream also active\n"
	fmt.Fprint(logWriter, out)
}

func yesno(b bool) string {
	if b {
		return "YES"
	}
	return "no"
}

// logWriter is where the pretty console writes its raw terminal escapes,
// kept separate from zerolog's structured stream.
var logWriter = os.Stdout

// ForceState exposes the underlying stage machine's ForceState. It only
// changes the machine's stage; nft/tc enforcement is not applied.
func (c *Controller) ForceState(s stage.Stage, reason string) stage.Stage {
	return c.machine.ForceState(s, reason)
}

// Machine exposes the underlying stage machine for read-only inspection
// (e.g. the status endpoint, if wired independently of Store).
func (c *Controller) Machine() *stage.Machine { return c.machine }

