// Package dnsobserver tails dnsmasq's query log and feeds resolved IPv4
// answers into the packet-filter manager's dynamic allow-set, so a client
// that just resolved a name is immediately allowed to reach it.
package dnsobserver

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/azazel-zero/firstminute/internal/nft"
	"github.com/azazel-zero/firstminute/pkg/metrics"
)

// ipLiteral matches an IPv4 dotted-quad. Go's RE2 engine has no
// lookaround, so boundary checks (not preceded/followed by another digit)
// are done by hand in extractIPs instead of in the pattern.
var ipLiteral = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)

// AddIPer is the narrow surface Tailer needs from the packet-filter
// manager.
type AddIPer interface {
	AddIP(ctx context.Context, ip string, setName string, ttl time.Duration) error
}

// Tailer follows a log file from its current end, extracting IPv4 answers
// and renewing them in the dynamic allow-set.
type Tailer struct {
	LogPath string
	Nft     AddIPer
	SetName string
	TTL     time.Duration

	pollInterval time.Duration
}

// New builds a Tailer with the standard 200ms poll interval.
func New(logPath string, n AddIPer, setName string, ttl time.Duration) *Tailer {
	return &Tailer{LogPath: logPath, Nft: n, SetName: setName, TTL: ttl, pollInterval: 200 * time.Millisecond}
}

// Run follows the log file until ctx is canceled. It creates the log file
// and its parent directory if they don't yet exist, since dnsmasq may not
// have started writing to it yet when the observer starts.
func (t *Tailer) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(t.LogPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.LogPath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	reader := bufio.NewReader(f)

	interval := t.pollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err := t.handleReadGap(f); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
			continue
		}
		for _, ip := range extractIPs(line) {
			metrics.DNSObserverAnswersTotal.WithLabelValues(t.SetName).Inc()
			if err := t.Nft.AddIP(ctx, ip, t.SetName, t.TTL); err != nil {
				log.Warn().Err(err).Str("ip", ip).Msg("dnsobserver: add_ip failed")
			}
		}
	}
}

// handleReadGap detects log rotation/truncation (the file shrank under
// us) and reseeks to the start so the tailer doesn't stall forever.
func (t *Tailer) handleReadGap(f *os.File) error {
	cur, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < cur {
		_, err := f.Seek(0, io.SeekStart)
		return err
	}
	return nil
}

func extractIPs(line string) []string {
	idxs := ipLiteral.FindAllStringIndex(line, -1)
	var out []string
	for _, idx := range idxs {
		start, end := idx[0], idx[1]
		if start > 0 && isDigit(line[start-1]) {
			continue
		}
		if end < len(line) && isDigit(line[end]) {
			continue
		}
		out = append(out, line[start:end])
	}
	return out
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// SeedProbeIPs pre-populates the probe allow-set with the resolved
// addresses of the controller's own probe destinations, so the earliest
// probe traffic isn't itself blocked by the PROBE-stage filter. IPv6
// literals are skipped since the allow-sets are v4-only.
func SeedProbeIPs(ctx context.Context, n AddIPer, ttl time.Duration, hosts []string) {
	for _, ip := range hosts {
		if containsColon(ip) {
			continue
		}
		if err := n.AddIP(ctx, ip, nft.ProbeAllowSet, ttl); err != nil {
			log.Warn().Err(err).Str("ip", ip).Msg("dnsobserver: seed probe ip failed")
		}
	}
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
