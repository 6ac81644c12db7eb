// Package probe runs the first-minute controller's active network probes:
// captive-portal detection, TLS certificate pinning, cross-resolver DNS
// comparison, and default-route sanity checking.
package probe

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// CaptivePortalConfig configures the HTTP-based captive-portal check.
type CaptivePortalConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
}

// TLSPinConfig is one pinned-certificate target.
type TLSPinConfig struct {
	Host            string
	Port            int
	FingerprintSHA2 string
	Timeout         time.Duration
}

// DNSCompareConfig configures the cross-resolver DNS comparison.
type DNSCompareConfig struct {
	Enabled           bool
	SampleNames       []string
	ReferenceResolver string
	Timeout           time.Duration
	MaxMismatch       int
}

// Config bundles all probe configuration for RunAll.
type Config struct {
	Upstream      string
	CaptivePortal CaptivePortalConfig
	TLS           []TLSPinConfig
	DNSCompare    DNSCompareConfig
}

// Outcome is the combined result of one probe pass.
type Outcome struct {
	CaptivePortal bool
	TLSMismatch   bool
	DNSMismatch   int
	RouteAnomaly  bool
	Details       map[string]any
}

// CaptivePortal issues a GET against url and classifies the response: a
// small 200/204 body looks like a normal connectivity check; anything else
// (redirect, large body, non-2xx) looks like a captive portal intercepting
// the request. Transient errors are retried with a short backoff.
func CaptivePortal(ctx context.Context, cfg CaptivePortalConfig) (bool, map[string]any) {
	detail := map[string]any{"url": cfg.URL, "status": nil}
	client := &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	attempts := cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
		if err != nil {
			return true, detail
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			detail["error"] = err.Error()
			select {
			case <-ctx.Done():
				return true, detail
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		detail["status"] = resp.StatusCode
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		if (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent) && len(body) < 50 {
			return false, detail
		}
		return true, detail
	}
	if lastErr != nil {
		detail["error"] = lastErr.Error()
	}
	return true, detail
}

// TLSEndpoint dials host:port, fetches the leaf certificate, and compares
// its SHA-256 DER fingerprint against the pinned value (case-insensitive).
// A dial or handshake failure is a mismatch whatever the pin; with an empty
// pin, a successful handshake is never a mismatch.
func TLSEndpoint(ctx context.Context, cfg TLSPinConfig) (bool, map[string]any) {
	detail := map[string]any{"host": cfg.Host, "port": cfg.Port}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		detail["error"] = err.Error()
		return true, detail
	}
	defer rawConn.Close()

	tlsConn := tls.Client(rawConn, &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12})
	tlsConn.SetDeadline(time.Now().Add(cfg.Timeout))
	if err := tlsConn.Handshake(); err != nil {
		detail["error"] = err.Error()
		return true, detail
	}
	defer tlsConn.Close()

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		detail["error"] = "no peer certificate"
		return true, detail
	}
	leaf := state.PeerCertificates[0]
	sum := sha256.Sum256(leaf.Raw)
	fp := hex.EncodeToString(sum[:])
	detail["fingerprint"] = fp
	detail["sni"] = cfg.Host
	detail["subject"] = leaf.Subject.String()

	if cfg.FingerprintSHA2 == "" {
		return false, detail
	}
	return !strings.EqualFold(fp, cfg.FingerprintSHA2), detail
}

// resolver is the narrow surface DNSCompare needs from net.Resolver, kept
// as an interface so tests can substitute a fake.
type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSCompare resolves each sample name through the system resolver and
// through reference (by dialing its UDP port 53 directly via a custom
// net.Resolver.Dial), counting a mismatch whenever the answer sets differ.
// A failed system-resolver lookup also counts as a mismatch. A failed
// reference lookup does not: the system answers stand in for it. There is
// no dig(1) shellout; both lookups go through net.Resolver.
func DNSCompare(ctx context.Context, cfg DNSCompareConfig) (int, map[string]any) {
	detail := map[string]any{"reference": cfg.ReferenceResolver, "results": []map[string]any{}}
	if !cfg.Enabled {
		return 0, detail
	}

	defaultResolver := net.DefaultResolver
	refResolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.Timeout}
			return d.DialContext(ctx, "udp", net.JoinHostPort(cfg.ReferenceResolver, "53"))
		},
	}

	mismatches := 0
	results := detail["results"].([]map[string]any)
	for _, name := range cfg.SampleNames {
		lctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defaultIPs, err := defaultResolver.LookupHost(lctx, name)
		cancel()
		if err != nil {
			results = append(results, map[string]any{"name": name, "error": err.Error()})
			mismatches++
			continue
		}

		rctx, rcancel := context.WithTimeout(ctx, cfg.Timeout)
		refIPs, err := refResolver.LookupHost(rctx, name)
		rcancel()
		if err != nil {
			refIPs = defaultIPs // matches upstream's dig-unavailable fallback
		}

		if !sameSet(defaultIPs, refIPs) {
			mismatches++
		}
		results = append(results, map[string]any{"name": name, "default": defaultIPs, "ref": refIPs})
	}
	detail["results"] = results
	detail["mismatches"] = mismatches
	return mismatches, detail
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// commandRunner narrows os/exec down to the one call Route needs, so tests
// can substitute a fake without shelling out.
type commandRunner interface {
	Output(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	return cmd.Output()
}

var defaultRunner commandRunner = execRunner{}

// Route inspects the kernel's default route table and flags an anomaly if
// no default route goes out the upstream interface.
func Route(upstream string) (bool, map[string]any) {
	detail := map[string]any{"upstream": upstream}
	out, err := defaultRunner.Output("ip", "route", "show", "default")
	if err != nil {
		detail["error"] = err.Error()
		return true, detail
	}
	var lines []string
	for _, ln := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}
	detail["routes"] = lines

	anomaly := true
	devToken := "dev " + upstream
	for _, ln := range lines {
		if strings.Contains(ln, devToken) {
			anomaly = false
		}
	}
	return anomaly, detail
}

// RunAll fans all four probes out concurrently and collapses them into one
// Outcome. ctx is passed to the captive-portal, TLS and DNS probes; the
// route check does not take a context.
func RunAll(ctx context.Context, cfg Config) Outcome {
	type captiveResult struct {
		mismatch bool
		detail   map[string]any
	}
	captiveCh := make(chan captiveResult, 1)
	go func() {
		m, d := CaptivePortal(ctx, cfg.CaptivePortal)
		captiveCh <- captiveResult{m, d}
	}()

	type tlsResult struct {
		mismatch bool
		details  []map[string]any
	}
	tlsCh := make(chan tlsResult, 1)
	go func() {
		var mismatch bool
		details := make([]map[string]any, 0, len(cfg.TLS))
		for _, pin := range cfg.TLS {
			m, d := TLSEndpoint(ctx, pin)
			mismatch = mismatch || m
			details = append(details, d)
		}
		tlsCh <- tlsResult{mismatch, details}
	}()

	type dnsResult struct {
		count  int
		detail map[string]any
	}
	dnsCh := make(chan dnsResult, 1)
	go func() {
		c, d := DNSCompare(ctx, cfg.DNSCompare)
		dnsCh <- dnsResult{c, d}
	}()

	type routeResult struct {
		anomaly bool
		detail  map[string]any
	}
	routeCh := make(chan routeResult, 1)
	go func() {
		a, d := Route(cfg.Upstream)
		routeCh <- routeResult{a, d}
	}()

	captive := <-captiveCh
	tlsRes := <-tlsCh
	dns := <-dnsCh
	route := <-routeCh

	return Outcome{
		CaptivePortal: captive.mismatch,
		TLSMismatch:   tlsRes.mismatch,
		DNSMismatch:   dns.count,
		RouteAnomaly:  route.anomaly,
		Details: map[string]any{
			"captive": captive.detail,
			"tls":     tlsRes.details,
			"dns":     dns.detail,
			"route":   route.detail,
		},
	}
}
