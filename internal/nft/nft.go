// Package nft renders and applies the first-minute controller's nftables
// packet-filter policy: the base table/chain/set structure, the per-stage
// connection-mark rule, and TTL'd dynamic allow-set membership.
package nft

import (
	_ "embed"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/azazel-zero/firstminute/internal/stage"
	"github.com/azazel-zero/firstminute/pkg/metrics"
)

//go:embed ledger.lua
var ledgerLua string

const (
	tableFamily = "inet"
	tableName   = "azazel_fmc"
	natTable    = "nat_azazel_fmc"

	// ProbeAllowSet and DynamicAllowSet are the two TTL'd v4 sets the
	// dynamic allow-list logic feeds.
	ProbeAllowSet   = "allow_probe_v4"
	DynamicAllowSet = "allow_dyn_v4"
)

var stageMarks = map[stage.Stage]int{
	stage.Probe:     1,
	stage.Degraded:  2,
	stage.Normal:    3,
	stage.Contain:   4,
	stage.Deception: 5,
}

// Config configures template rendering and allow-set TTLs.
type Config struct {
	TemplatePath string
	Upstream     string
	Downstream   string
	MgmtIP       string
	MgmtSubnet   string
	ProbeTTL     time.Duration
	DynamicTTL   time.Duration
}

// runner narrows os/exec to what Manager needs, so tests can replace it
// with a fake that never shells out to nft(8).
type runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.Run()
}

// ledger tracks TTL'd allow-set membership and reports the live set so the
// kernel table can be reconciled with it. RedisLedger is used when Redis is
// reachable; memoryLedger is the non-fatal fallback, mirroring the
// teacher's non-fatal Redis-ping-failure logging.
type ledger interface {
	Renew(ctx context.Context, set, ip string, ttl time.Duration) ([]string, error)
}

// RedisLedger backs the allow-set TTL bookkeeping with an embedded Lua
// script run atomically against Redis, the same //go:embed + redis.NewScript
// idiom the rate limiter it's descended from used for token-bucket
// consumption.
type RedisLedger struct {
	rdb    *redis.Client
	script *redis.Script
	clock  func() time.Time
}

// NewRedisLedger wraps an existing Redis client.
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb, script: redis.NewScript(ledgerLua), clock: time.Now}
}

func (l *RedisLedger) Renew(ctx context.Context, set, ip string, ttl time.Duration) ([]string, error) {
	key := "fmc:ledger:" + set
	res, err := l.script.Run(ctx, l.rdb, []string{key}, ip, l.clock().Unix(), int64(ttl.Seconds())).Result()
	if err != nil {
		return nil, err
	}
	members, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected ledger script result type %T", res)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if s, ok := m.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// memoryLedger is the in-process fallback used when Redis is unreachable:
// it keeps the same semantics (renew extends TTL, expired members drop out
// of the live set) without any external dependency.
type memoryLedger struct {
	mu      sync.Mutex
	expires map[string]map[string]time.Time
	clock   func() time.Time
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{expires: map[string]map[string]time.Time{}, clock: time.Now}
}

func (l *memoryLedger) Renew(ctx context.Context, set, ip string, ttl time.Duration) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	bucket, ok := l.expires[set]
	if !ok {
		bucket = map[string]time.Time{}
		l.expires[set] = bucket
	}
	if ip != "" {
		bucket[ip] = now.Add(ttl)
	}
	live := make([]string, 0, len(bucket))
	for member, exp := range bucket {
		if exp.After(now) {
			live = append(live, member)
		} else {
			delete(bucket, member)
		}
	}
	return live, nil
}

// Manager renders the nftables template, applies it, switches the active
// stage mark, and maintains TTL'd dynamic allow-sets. mu serializes
// ApplyBase/SetStage/Clear so a flush from one never interleaves with
// another's rule add.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	run    runner
	ledger ledger
}

// New builds a Manager. rdb may be nil, in which case the allow-set ledger
// falls back to an in-process map; a nil rdb is the expected state in
// environments with no Redis deployed alongside the controller.
func New(cfg Config, rdb *redis.Client) *Manager {
	m := &Manager{cfg: cfg, run: execRunner{}}
	if rdb != nil {
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn().Err(err).Msg("nft: redis unreachable, falling back to in-process allow-set ledger")
			m.ledger = newMemoryLedger()
		} else {
			m.ledger = NewRedisLedger(rdb)
		}
	} else {
		m.ledger = newMemoryLedger()
	}
	return m
}

// render substitutes the template placeholders, preferring cfg.TemplatePath
// and falling back to the repo-relative nftables/first_minute.nft the same
// way the upstream NftManager falls back to a repo-local template when the
// configured path doesn't exist.
func (m *Manager) render() (string, error) {
	path := m.cfg.TemplatePath
	if _, err := os.Stat(path); err != nil {
		fallback := "nftables/first_minute.nft"
		if _, ferr := os.Stat(fallback); ferr == nil {
			path = fallback
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read nft template %q: %w", path, err)
	}

	replacer := strings.NewReplacer(
		"@UPSTREAM@", m.cfg.Upstream,
		"@DOWNSTREAM@", m.cfg.Downstream,
		"@MGMT_IP@", m.cfg.MgmtIP,
		"@MGMT_SUBNET@", m.cfg.MgmtSubnet,
		"@PROBE_TTL@", fmt.Sprintf("%ds", int(m.cfg.ProbeTTL.Seconds())),
		"@DYNAMIC_TTL@", fmt.Sprintf("%ds", int(m.cfg.DynamicTTL.Seconds())),
	)
	return replacer.Replace(string(data)), nil
}

// RenderPreview exposes the rendered template for dry-run inspection.
func (m *Manager) RenderPreview() (string, error) {
	return m.render()
}

// ApplyBase renders and loads the base table/chain/set structure.
func (m *Manager) ApplyBase(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rendered, err := m.render()
	if err != nil {
		metrics.NftApplyTotal.WithLabelValues("apply_base", "error").Inc()
		return err
	}
	if err := m.run.Run(ctx, rendered, "nft", "-f", "-"); err != nil {
		metrics.NftApplyTotal.WithLabelValues("apply_base", "error").Inc()
		return err
	}
	metrics.NftApplyTotal.WithLabelValues("apply_base", "ok").Inc()
	return nil
}

// SetStage flushes and re-adds the single connection-mark rule that the
// forward chain keys its per-stage rules off of.
func (m *Manager) SetStage(ctx context.Context, s stage.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark, ok := stageMarks[s]
	if !ok {
		mark = 1
	}
	// Best-effort flush: a missing chain (e.g. ApplyBase not yet run) is
	// not fatal to the subsequent add.
	_ = m.run.Run(ctx, "", "nft", "flush", "chain", tableFamily, tableName, "stage_switch")
	if err := m.run.Run(ctx, "", "nft", "add", "rule", tableFamily, tableName, "stage_switch",
		"ct", "mark", "set", fmt.Sprintf("%d", mark)); err != nil {
		metrics.NftApplyTotal.WithLabelValues("set_stage", "error").Inc()
		return err
	}
	metrics.NftApplyTotal.WithLabelValues("set_stage", "ok").Inc()
	return nil
}

// AddIP renews ip's membership (with ttl) in setName, both in the TTL
// ledger and in the live nftables set. IPv6 addresses are silently
// ignored: the allow-sets in the base template are v4-only.
func (m *Manager) AddIP(ctx context.Context, ip string, setName string, ttl time.Duration) error {
	if strings.Contains(ip, ":") {
		return nil
	}
	live, err := m.ledger.Renew(ctx, setName, ip, ttl)
	if err != nil {
		return fmt.Errorf("renew allow-set ledger: %w", err)
	}
	metrics.AllowSetSize.WithLabelValues(setName).Set(float64(len(live)))

	elem := fmt.Sprintf("{ %s timeout %ds }", ip, int(ttl.Seconds()))
	if ttl <= 0 {
		elem = fmt.Sprintf("{ %s }", ip)
	}
	// Best-effort: a failed nft add is ignored. The ledger has already
	// recorded ip, so LiveMembers still reports it, but nothing re-adds it
	// to the kernel set.
	_ = m.run.Run(ctx, "", "nft", "add", "element", tableFamily, tableName, setName, elem)
	return nil
}

// LiveMembers returns the allow-set's currently non-expired members as
// tracked by the ledger, without renewing anything.
func (m *Manager) LiveMembers(ctx context.Context, setName string) ([]string, error) {
	live, err := m.ledger.Renew(ctx, setName, "", 0)
	if err != nil {
		return nil, err
	}
	metrics.AllowSetSize.WithLabelValues(setName).Set(float64(len(live)))
	return live, nil
}

// Clear flushes both the filter and NAT tables, used on shutdown and by
// the operator CLI's cleanup verb.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.run.Run(ctx, "", "nft", "flush", "table", tableFamily, tableName)
	_ = m.run.Run(ctx, "", "nft", "flush", "table", "ip", natTable)
	return nil
}
