package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSuperpeerListen   = ":8765"
	DefaultPeerListen        = ":3000"
	DefaultHeartbeatSec      = 60
	DefaultLivenessWindowSec = 120
	DefaultRegistryTimeout   = 10
	DefaultHealthTimeout     = 5
	DefaultTunnelTimeout     = 15
	DefaultSTUNTimeout       = 5
	DefaultSTUNIntervalSec   = 300
	DefaultPunchAttempts     = 10
	DefaultPunchIntervalMs   = 100
	DefaultPunchTimeoutSec   = 8
	DefaultRelayQueue        = 64
	DefaultPruneAfterSec     = 24 * 60 * 60
	DefaultLogLevel          = "info"
	DefaultSuperpeerDataDir  = "data/superpeer"
	DefaultPeerDataDir       = "data/peer"
	DefaultSandboxImage      = "de-cloud-dev:latest"
	DefaultSandboxUser       = "developer"
	DefaultPidsLimit         = 100
	DefaultSandboxRAM        = uint64(8) << 30
)

var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
}

// Config holds both superpeer and peer settings.
type Config struct {
	LogLevel  string           `yaml:"log_level,omitempty" mapstructure:"log_level"`
	Superpeer *SuperpeerConfig `yaml:"superpeer,omitempty" mapstructure:"superpeer"`
	Peer      *PeerConfig      `yaml:"peer,omitempty" mapstructure:"peer"`
}

// SuperpeerConfig is used by the relay/registry process.
type SuperpeerConfig struct {
	Listen            string `yaml:"listen" mapstructure:"listen"`
	DataDir           string `yaml:"data_dir" mapstructure:"data_dir"`
	LivenessWindowSec int    `yaml:"liveness_window_sec" mapstructure:"liveness_window_sec"`
	PruneAfterSec     int    `yaml:"prune_after_sec" mapstructure:"prune_after_sec"`
	RelayQueue        int    `yaml:"relay_queue" mapstructure:"relay_queue"`
}

// PeerConfig is used by the agent running on a resource-sharing machine.
type PeerConfig struct {
	Name                 string        `yaml:"name" mapstructure:"name"`
	Superpeer            string        `yaml:"superpeer" mapstructure:"superpeer"`
	Listen               string        `yaml:"listen" mapstructure:"listen"`
	DataDir              string        `yaml:"data_dir" mapstructure:"data_dir"`
	StoragePath          string        `yaml:"storage_path" mapstructure:"storage_path"`
	HeartbeatIntervalSec int           `yaml:"heartbeat_interval_sec" mapstructure:"heartbeat_interval_sec"`
	LivenessWindowSec    int           `yaml:"liveness_window_sec" mapstructure:"liveness_window_sec"`
	RegistryTimeoutSec   int           `yaml:"registry_timeout_sec" mapstructure:"registry_timeout_sec"`
	HealthTimeoutSec     int           `yaml:"health_timeout_sec" mapstructure:"health_timeout_sec"`
	TunnelTimeoutSec     int           `yaml:"tunnel_timeout_sec" mapstructure:"tunnel_timeout_sec"`
	STUNServers          []string      `yaml:"stun_servers" mapstructure:"stun_servers"`
	STUNIntervalSec      int           `yaml:"stun_interval_sec" mapstructure:"stun_interval_sec"`
	STUNTimeoutSec       int           `yaml:"stun_timeout_sec" mapstructure:"stun_timeout_sec"`
	PunchListen          string        `yaml:"punch_listen" mapstructure:"punch_listen"`
	PunchAttempts        int           `yaml:"punch_attempts" mapstructure:"punch_attempts"`
	PunchIntervalMs      int           `yaml:"punch_interval_ms" mapstructure:"punch_interval_ms"`
	PunchTimeoutSec      int           `yaml:"punch_timeout_sec" mapstructure:"punch_timeout_sec"`
	Sandbox              SandboxConfig `yaml:"sandbox" mapstructure:"sandbox"`
}

type SandboxConfig struct {
	Image       string   `yaml:"image" mapstructure:"image"`
	User        string   `yaml:"user" mapstructure:"user"`
	PidsLimit   int      `yaml:"pids_limit" mapstructure:"pids_limit"`
	DefaultRAM  uint64   `yaml:"default_ram" mapstructure:"default_ram"`
	EgressHosts []string `yaml:"egress_hosts,omitempty" mapstructure:"egress_hosts"`
}

// Load reads a YAML config file. DECLOUD_* environment variables override
// file values, e.g. DECLOUD_PEER_NAME.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DECLOUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Superpeer == nil && cfg.Peer == nil {
		return errors.New("config must contain superpeer or peer section")
	}
	if sp := cfg.Superpeer; sp != nil {
		if sp.Listen == "" {
			return errors.New("superpeer.listen is required")
		}
		if err := nonNegative("superpeer", []setting{
			{"liveness_window_sec", sp.LivenessWindowSec},
			{"prune_after_sec", sp.PruneAfterSec},
			{"relay_queue", sp.RelayQueue},
		}); err != nil {
			return err
		}
	}
	if p := cfg.Peer; p != nil {
		if p.Superpeer == "" {
			return errors.New("peer.superpeer is required")
		}
		if strings.Contains(p.Name, "/") {
			return fmt.Errorf("peer.name %q must not contain '/'", p.Name)
		}
		if err := nonNegative("peer", []setting{
			{"heartbeat_interval_sec", p.HeartbeatIntervalSec},
			{"liveness_window_sec", p.LivenessWindowSec},
			{"registry_timeout_sec", p.RegistryTimeoutSec},
			{"health_timeout_sec", p.HealthTimeoutSec},
			{"tunnel_timeout_sec", p.TunnelTimeoutSec},
			{"stun_interval_sec", p.STUNIntervalSec},
			{"stun_timeout_sec", p.STUNTimeoutSec},
			{"punch_attempts", p.PunchAttempts},
			{"punch_interval_ms", p.PunchIntervalMs},
			{"punch_timeout_sec", p.PunchTimeoutSec},
			{"sandbox.pids_limit", p.Sandbox.PidsLimit},
		}); err != nil {
			return err
		}
		if p.HeartbeatIntervalSec > 0 && p.LivenessWindowSec > 0 && p.LivenessWindowSec < 2*p.HeartbeatIntervalSec {
			return fmt.Errorf("peer.liveness_window_sec (%d) must be at least twice heartbeat_interval_sec (%d)",
				p.LivenessWindowSec, p.HeartbeatIntervalSec)
		}
	}
	return nil
}

type setting struct {
	key string
	val int
}

// nonNegative rejects negative values; zero means "use the default".
func nonNegative(section string, settings []setting) error {
	for _, s := range settings {
		if s.val < 0 {
			return fmt.Errorf("%s.%s must not be negative (got %d)", section, s.key, s.val)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if sp := cfg.Superpeer; sp != nil {
		if sp.Listen == "" {
			sp.Listen = DefaultSuperpeerListen
		}
		if sp.DataDir == "" {
			sp.DataDir = DefaultSuperpeerDataDir
		}
		if sp.LivenessWindowSec == 0 {
			sp.LivenessWindowSec = DefaultLivenessWindowSec
		}
		if sp.PruneAfterSec == 0 {
			sp.PruneAfterSec = DefaultPruneAfterSec
		}
		if sp.RelayQueue == 0 {
			sp.RelayQueue = DefaultRelayQueue
		}
	}

	if p := cfg.Peer; p != nil {
		if p.Listen == "" {
			p.Listen = DefaultPeerListen
		}
		if p.DataDir == "" {
			p.DataDir = DefaultPeerDataDir
		}
		if p.HeartbeatIntervalSec == 0 {
			p.HeartbeatIntervalSec = DefaultHeartbeatSec
		}
		if p.LivenessWindowSec == 0 {
			p.LivenessWindowSec = DefaultLivenessWindowSec
		}
		if p.RegistryTimeoutSec == 0 {
			p.RegistryTimeoutSec = DefaultRegistryTimeout
		}
		if p.HealthTimeoutSec == 0 {
			p.HealthTimeoutSec = DefaultHealthTimeout
		}
		if p.TunnelTimeoutSec == 0 {
			p.TunnelTimeoutSec = DefaultTunnelTimeout
		}
		if p.STUNServers == nil {
			p.STUNServers = append([]string(nil), DefaultSTUNServers...)
		}
		if p.STUNIntervalSec == 0 {
			p.STUNIntervalSec = DefaultSTUNIntervalSec
		}
		if p.STUNTimeoutSec == 0 {
			p.STUNTimeoutSec = DefaultSTUNTimeout
		}
		if p.PunchListen == "" {
			p.PunchListen = ":0"
		}
		if p.PunchAttempts == 0 {
			p.PunchAttempts = DefaultPunchAttempts
		}
		if p.PunchIntervalMs == 0 {
			p.PunchIntervalMs = DefaultPunchIntervalMs
		}
		if p.PunchTimeoutSec == 0 {
			p.PunchTimeoutSec = DefaultPunchTimeoutSec
		}
		if p.StoragePath == "" {
			p.StoragePath = "/"
		}
		if p.Sandbox.Image == "" {
			p.Sandbox.Image = DefaultSandboxImage
		}
		if p.Sandbox.User == "" {
			p.Sandbox.User = DefaultSandboxUser
		}
		if p.Sandbox.PidsLimit == 0 {
			p.Sandbox.PidsLimit = DefaultPidsLimit
		}
		if p.Sandbox.DefaultRAM == 0 {
			p.Sandbox.DefaultRAM = DefaultSandboxRAM
		}
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (p PeerConfig) HeartbeatInterval() time.Duration { return seconds(p.HeartbeatIntervalSec) }
func (p PeerConfig) LivenessWindow() time.Duration    { return seconds(p.LivenessWindowSec) }
func (p PeerConfig) RegistryTimeout() time.Duration   { return seconds(p.RegistryTimeoutSec) }
func (p PeerConfig) HealthTimeout() time.Duration     { return seconds(p.HealthTimeoutSec) }
func (p PeerConfig) TunnelTimeout() time.Duration     { return seconds(p.TunnelTimeoutSec) }
func (p PeerConfig) STUNInterval() time.Duration      { return seconds(p.STUNIntervalSec) }
func (p PeerConfig) STUNTimeout() time.Duration       { return seconds(p.STUNTimeoutSec) }
func (p PeerConfig) PunchTimeout() time.Duration      { return seconds(p.PunchTimeoutSec) }
func (p PeerConfig) PunchInterval() time.Duration {
	return time.Duration(p.PunchIntervalMs) * time.Millisecond
}

func (s SuperpeerConfig) LivenessWindow() time.Duration { return seconds(s.LivenessWindowSec) }
func (s SuperpeerConfig) PruneAfter() time.Duration     { return seconds(s.PruneAfterSec) }
