// Command firstminutectl is the operator-facing control surface for the
// first-minute daemon: stop/status/probe-now/force-state/dry-run/cleanup,
// mirroring what an operator would otherwise do by hand against the
// running daemon's PID file and status API. The daemon itself is started
// by running firstminuted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/azazel-zero/firstminute/internal/nft"
	"github.com/azazel-zero/firstminute/internal/probe"
	"github.com/azazel-zero/firstminute/internal/shaping"
	"github.com/azazel-zero/firstminute/internal/stage"
	"github.com/azazel-zero/firstminute/pkg/config"
)

// Exit codes follow the documented contract: 0 success, 1 needs root, 2
// preflight missing tool / scan failure, 3 other runtime/usage errors.
const (
	exitOK        = 0
	exitNeedsRoot = 1
	exitPreflight = 2
	exitRuntime   = 3
)

// requiredTools checks that the external binaries a privileged command
// shells out to are on PATH, the CLI-side analogue of the daemon's
// Preflight check.
func requiredTools(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found in PATH", name)
		}
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("firstminutectl", flag.ContinueOnError)
	cfgPath := fs.String("config", "configs/first_minute.yaml", "path to config YAML")
	fs.Usage = printUsage
	if err := fs.Parse(args); err != nil {
		return exitRuntime
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage()
		return exitOK
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintln(os.Stderr, "ensure dirs:", err)
		return exitRuntime
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "help":
		printUsage()
		return exitOK
	case "status":
		return cmdStatus(cfg)
	case "stop":
		return cmdStop(cfg)
	case "probe-now":
		return cmdProbeNow(cfg)
	case "force-state":
		return cmdForceState(cfg, cmdArgs)
	case "dry-run":
		return cmdDryRun(cfg)
	case "cleanup":
		return cmdCleanup(cfg, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		return exitRuntime
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `firstminutectl [--config PATH] <command>

Commands:
  status        print daemon PID and a status-API snapshot
  stop          send SIGTERM to the running daemon
  probe-now     run the safety probe battery once and print the result
  force-state   apply the nft/tc enforcement for STATE directly (no stage machine)
  dry-run       print the nftables/tc plan without applying it
  cleanup       flush nft/tc state left by the daemon
  help          show this message`)
}

func readPID(cfg *config.Config) (int, error) {
	raw, err := os.ReadFile(cfg.PIDFile())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

func cmdStatus(cfg *config.Config) int {
	if pid, err := readPID(cfg); err != nil {
		fmt.Println("Daemon not running.")
	} else {
		fmt.Printf("Daemon PID: %d\n", pid)
	}

	url := fmt.Sprintf("http://%s:%d/", cfg.StatusAPI.Host, cfg.StatusAPI.Port)
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("Status API unavailable: %v\n", err)
		return exitOK
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Status API unavailable: %v\n", err)
		return exitOK
	}
	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			fmt.Println(string(out))
			return exitOK
		}
	}
	fmt.Println(string(body))
	return exitOK
}

func cmdStop(cfg *config.Config) int {
	pid, err := readPID(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		return exitRuntime
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		return exitRuntime
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "stop: could not signal pid %d: %v\n", pid, err)
		return exitRuntime
	}
	fmt.Printf("Sent SIGTERM to %d\n", pid)
	return exitOK
}

func cmdProbeNow(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pc := probeConfig(cfg)
	out := probe.RunAll(ctx, pc)

	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "probe-now:", err)
		return exitRuntime
	}
	fmt.Println(string(enc))
	return exitOK
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

func nftManager(cfg *config.Config) *nft.Manager {
	return nft.New(nft.Config{
		TemplatePath: cfg.NftTemplatePath(),
		Upstream:     cfg.Interfaces.Upstream,
		Downstream:   cfg.Interfaces.Downstream,
		MgmtIP:       cfg.Interfaces.MgmtIP,
		MgmtSubnet:   cfg.Interfaces.MgmtSubnet,
		ProbeTTL:     time.Duration(cfg.Policy.ProbeAllowTTL) * time.Second,
		DynamicTTL:   time.Duration(cfg.Policy.DynamicAllowTTL) * time.Second,
	}, nil)
}

func cmdForceState(cfg *config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "force-state: expected a single state argument")
		return exitRuntime
	}
	target := stage.Stage(strings.ToUpper(args[0]))
	switch target {
	case stage.Init, stage.Probe, stage.Degraded, stage.Normal, stage.Contain, stage.Deception:
	default:
		fmt.Fprintf(os.Stderr, "force-state: unknown state %q\n", args[0])
		return exitRuntime
	}
	if os.Geteuid() != 0 {
		fmt.Println("force-state: requires root (use sudo)")
		return exitNeedsRoot
	}
	if err := requiredTools("nft", "tc"); err != nil {
		fmt.Fprintln(os.Stderr, "force-state:", err)
		return exitPreflight
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := nftManager(cfg)
	if err := n.SetStage(ctx, target); err != nil {
		if err := n.ApplyBase(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "force-state: apply base:", err)
			return exitRuntime
		}
		if err := n.SetStage(ctx, target); err != nil {
			fmt.Fprintln(os.Stderr, "force-state: set stage:", err)
			return exitRuntime
		}
	}

	tc := shaping.New(cfg.Interfaces.Downstream, cfg.Interfaces.Upstream)
	if err := tc.Apply(ctx, target); err != nil {
		fmt.Fprintln(os.Stderr, "force-state: apply shaping:", err)
		return exitRuntime
	}

	fmt.Printf("Forced stage -> %s\n", target)
	return exitOK
}

func cmdDryRun(cfg *config.Config) int {
	n := nftManager(cfg)
	preview, err := n.RenderPreview()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dry-run:", err)
		return exitRuntime
	}
	fmt.Println("=== nftables preview ===")
	fmt.Println(preview)
	fmt.Println("=== tc stages ===")
	fmt.Println("PROBE: netem 220ms/100ms; tbf 1mbit")
	fmt.Println("DEGRADED: netem 150ms/50ms; tbf 2mbit")
	fmt.Println("CONTAIN: netem 400ms/200ms loss 5%; tbf 512kbit")
	return exitOK
}

func cmdCleanup(cfg *config.Config, args []string) int {
	killDnsmasq := false
	for _, a := range args {
		if a == "--kill-dnsmasq" {
			killDnsmasq = true
		}
	}
	if os.Geteuid() != 0 {
		fmt.Println("cleanup: requires root (use sudo)")
		return exitNeedsRoot
	}
	if err := requiredTools("nft", "tc"); err != nil {
		fmt.Fprintln(os.Stderr, "cleanup:", err)
		return exitPreflight
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := nftManager(cfg)
	if err := n.Clear(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "cleanup: nft clear:", err)
	}
	tc := shaping.New(cfg.Interfaces.Downstream, cfg.Interfaces.Upstream)
	if err := tc.Clear(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "cleanup: tc clear:", err)
	}

	if killDnsmasq {
		pattern := "dnsmasq.*" + filepath.Base(cfg.DnsmasqConfPath())
		_ = exec.CommandContext(ctx, "pkill", "-f", pattern).Run()
	}
	_ = os.Remove(cfg.PIDFile())

	suffix := ""
	if killDnsmasq {
		suffix = ", dnsmasq stopped"
	}
	fmt.Printf("Cleanup complete (nft/tc flushed%s)\n", suffix)
	return exitOK
}
