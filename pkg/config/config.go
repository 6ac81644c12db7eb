// Package config loads the first-minute controller's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Interfaces names the upstream (hostile Wi-Fi) and downstream (trusted
// tethered client) network devices plus the management address.
type Interfaces struct {
	Upstream   string `yaml:"upstream"`
	Downstream string `yaml:"downstream"`
	MgmtIP     string `yaml:"mgmt_ip"`
	MgmtSubnet string `yaml:"mgmt_subnet"`
	GatewayIP  string `yaml:"gateway_ip"`
}

// Paths lists filesystem locations the controller reads from or writes to.
type Paths struct {
	RuntimeDir     string `yaml:"runtime_dir"`
	LogDir         string `yaml:"log_dir"`
	PIDFile        string `yaml:"pid_file"`
	DNSLog         string `yaml:"dns_log"`
	NftTemplate    string `yaml:"nft_template"`
	DnsmasqConf    string `yaml:"dnsmasq_conf"`
	KnownDB        string `yaml:"known_db"`
	OpenCanaryConf string `yaml:"opencanary_conf"`
}

// Dnsmasq controls whether the controller supervises a local dnsmasq child.
type Dnsmasq struct {
	Enable bool `yaml:"enable"`
}

// StageTunables mirrors the state machine's tunables, with spec-matching
// defaults applied by Load.
type StageTunables struct {
	DegradeThreshold float64 `yaml:"degrade_threshold"`
	NormalThreshold  float64 `yaml:"normal_threshold"`
	ContainThreshold float64 `yaml:"contain_threshold"`
	StableNormalSec  float64 `yaml:"stable_normal_sec"`
	StableProbeSec   float64 `yaml:"stable_probe_sec"`
	ProbeWindowSec   float64 `yaml:"probe_window_sec"`
	DecayPerSec      float64 `yaml:"decay_per_sec"`
}

// CaptivePortal configures the captive-portal HTTP probe.
type CaptivePortal struct {
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"`
	Retries int    `yaml:"retries"`
}

// TLSPin is one pinned-certificate target for the TLS probe.
type TLSPin struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	FingerprintSHA2 string `yaml:"fingerprint_sha256"`
	Timeout         int    `yaml:"timeout"`
}

// DNSCompare configures the cross-resolver DNS probe.
type DNSCompare struct {
	Enabled           bool     `yaml:"enabled"`
	SampleNames       []string `yaml:"sample_names"`
	ReferenceResolver string   `yaml:"reference_resolver"`
	Timeout           int      `yaml:"timeout"`
	MaxMismatch       int      `yaml:"max_mismatch"`
}

// Probes groups all probe-engine configuration.
type Probes struct {
	CaptivePortal CaptivePortal `yaml:"captive_portal"`
	TLS           []TLSPin      `yaml:"tls"`
	DNSCompare    DNSCompare    `yaml:"dns_compare"`
}

// Policy configures the packet-filter allow-set TTLs.
type Policy struct {
	ProbeAllowTTL   int `yaml:"probe_allow_ttl"`
	DynamicAllowTTL int `yaml:"dynamic_allow_ttl"`
}

// StatusAPI configures the local status endpoint's bind address.
type StatusAPI struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Suricata configures consumption of an external IDS alert file's freshness.
type Suricata struct {
	Enabled bool   `yaml:"enabled"`
	EvePath string `yaml:"eve_path"`
}

// Deception configures the CONTAIN->DECEPTION specialization.
type Deception struct {
	EnableIfOpenCanaryPresent bool `yaml:"enable_if_opencanary_present"`
}

// Redis optionally backs the packet-filter manager's allow-set TTL ledger.
type Redis struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Config is the complete first-minute controller configuration.
type Config struct {
	Interfaces   Interfaces    `yaml:"interfaces"`
	Paths        Paths         `yaml:"paths"`
	Dnsmasq      Dnsmasq       `yaml:"dnsmasq"`
	StateMachine StageTunables `yaml:"state_machine"`
	Probes       Probes        `yaml:"probes"`
	Policy       Policy        `yaml:"policy"`
	StatusAPI    StatusAPI     `yaml:"status_api"`
	Suricata     Suricata      `yaml:"suricata"`
	Deception    Deception     `yaml:"deception"`
	Redis        Redis         `yaml:"redis"`
}

// Default returns the baseline defaults, used both as a starting point for
// Load and directly by callers (e.g. probe-now, dry-run) that want a
// runnable config without a file on disk.
func Default() *Config {
	return &Config{
		Interfaces: Interfaces{
			Upstream:   "wlan0",
			Downstream: "usb0",
			MgmtIP:     "192.168.7.1",
			MgmtSubnet: "192.168.7.0/24",
		},
		Dnsmasq: Dnsmasq{Enable: true},
		StateMachine: StageTunables{
			DegradeThreshold: 30,
			NormalThreshold:  8,
			ContainThreshold: 65,
			StableNormalSec:  20,
			StableProbeSec:   10,
			ProbeWindowSec:   20,
			DecayPerSec:      2,
		},
		Probes: Probes{
			CaptivePortal: CaptivePortal{
				URL:     "http://connectivitycheck.gstatic.com/generate_204",
				Timeout: 4,
				Retries: 1,
			},
			DNSCompare: DNSCompare{
				ReferenceResolver: "9.9.9.9",
				Timeout:           3,
				MaxMismatch:       2,
			},
		},
		Policy: Policy{
			ProbeAllowTTL:   120,
			DynamicAllowTTL: 300,
		},
		StatusAPI: StatusAPI{Host: "192.168.7.1", Port: 8081},
		Deception: Deception{EnableIfOpenCanaryPresent: true},
	}
}

// Load reads a YAML file at path into a Config, seeded with the baseline
// defaults for anything the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config %q: %w", path, err)
	}
	return cfg, nil
}

// RuntimeDir returns the configured runtime directory, defaulting to the
// standard /run location.
func (c *Config) RuntimeDir() string {
	if c.Paths.RuntimeDir != "" {
		return c.Paths.RuntimeDir
	}
	return "/run/azazel-zero"
}

// LogDir returns the configured log directory, defaulting to the standard
// /var/log location.
func (c *Config) LogDir() string {
	if c.Paths.LogDir != "" {
		return c.Paths.LogDir
	}
	return "/var/log/azazel-zero"
}

// PIDFile returns the configured PID file path.
func (c *Config) PIDFile() string {
	if c.Paths.PIDFile != "" {
		return c.Paths.PIDFile
	}
	return filepath.Join(c.RuntimeDir(), "first_minute.pid")
}

// DNSLogPath returns the dnsmasq query-log path the observer tails.
func (c *Config) DNSLogPath() string {
	if c.Paths.DNSLog != "" {
		return c.Paths.DNSLog
	}
	return "/var/log/azazel-dnsmasq.log"
}

// NftTemplatePath returns the packet-filter template path.
func (c *Config) NftTemplatePath() string {
	if c.Paths.NftTemplate != "" {
		return c.Paths.NftTemplate
	}
	return "/etc/azazel-zero/nftables/first_minute.nft"
}

// DnsmasqConfPath returns the managed dnsmasq config path.
func (c *Config) DnsmasqConfPath() string {
	if c.Paths.DnsmasqConf != "" {
		return c.Paths.DnsmasqConf
	}
	return "/etc/azazel-zero/dnsmasq-first_minute.conf"
}

// EnsureDirs creates the runtime/log directories, falling back to a
// repo-local .firstminute tree when the preferred locations are not
// writable (e.g. running as a non-root developer).
func (c *Config) EnsureDirs() error {
	dirs := []string{c.RuntimeDir(), c.LogDir()}
	if err := mkdirAll(dirs); err == nil {
		return nil
	}

	base := ".firstminute"
	runtime := filepath.Join(base, "run")
	logDir := filepath.Join(base, "log")
	if err := mkdirAll([]string{base, runtime, logDir}); err != nil {
		return fmt.Errorf("create fallback dirs: %w", err)
	}
	c.Paths.RuntimeDir = runtime
	c.Paths.LogDir = logDir
	c.Paths.PIDFile = filepath.Join(runtime, "first_minute.pid")
	c.Paths.DNSLog = filepath.Join(logDir, "azazel-dnsmasq.log")
	return nil
}

func mkdirAll(dirs []string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
