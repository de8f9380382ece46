// Package config provides configuration loading, validation, and SIGHUP
// hot-reload for the Myco node (spec.md §6).
//
// Configuration file: the path given by cmd/myco's -config flag (default
// /etc/myco/config.yaml), optional — every field has a default and the documented environment variables override it, so a
// node can run from environment alone.
// Schema version: 1
//
// Hot-reload:
//   - The node listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate the config file plus environment.
//   - Fields that only take effect at startup (state_dir, port, psk,
//     key_epoch) are logged as "changed, restart required" if they differ.
//   - The reloaded config replaces cmd/myco's config value only; the
//     scheduler, logger, metrics server, admin socket and compaction loop
//     keep the settings they were started with.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The node does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (ports, epochs, durations).
//   - Invalid config on startup: the node refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be set at link time with -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for a Myco node. All fields
// have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// StateDir is the root for persistent files (identity, peer book, WAL)
	// (spec.md §6). Env: STATE_DIR.
	StateDir string `yaml:"state_dir"`

	// Port is the UDP listen port (spec.md §6). Env: PORT.
	Port int `yaml:"port"`

	// PSK is an optional cluster pre-shared secret mixed into AEAD key
	// derivation (spec.md §6). Env: PSK.
	PSK string `yaml:"psk"`

	// KeyEpoch is the key rotation epoch (spec.md §6). Env: KEY_EPOCH.
	KeyEpoch uint32 `yaml:"key_epoch"`

	// AllowPlaintext and ForcePlaintext are development-only escape
	// hatches; both must be false in a production build (spec.md §6).
	// Env: ALLOW_PLAINTEXT, FORCE_PLAINTEXT.
	AllowPlaintext bool `yaml:"allow_plaintext"`
	ForcePlaintext bool `yaml:"force_plaintext"`

	// Scheduler configures the node's tick loop (spec.md §4.9).
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// WAL configures write-ahead log compaction policy (spec.md §4.7).
	WAL WALConfig `yaml:"wal"`

	// Admin configures the admin Unix socket (spec.md §6).
	Admin AdminConfig `yaml:"admin"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// SchedulerConfig mirrors scheduler.Config's tunables so they can be set
// from file/env; this package does not import internal/scheduler, and
// cmd/myco copies these values into a scheduler.Config at startup.
type SchedulerConfig struct {
	RXBatch           int           `yaml:"rx_batch"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	GossipInterval    time.Duration `yaml:"gossip_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WALFlushDeadline  time.Duration `yaml:"wal_flush_deadline"`
}

// WALConfig controls when cmd/myco triggers WAL.Compact (spec.md §3's
// "periodic checkpoint rewrites a compact snapshot and truncates prior
// records").
type WALConfig struct {
	// CompactionCheckInterval is how often the node checks whether
	// compaction is due. Default: 1m.
	CompactionCheckInterval time.Duration `yaml:"compaction_check_interval"`

	// CompactionThresholdBytes triggers a compaction once the WAL file
	// exceeds this size. Default: 64MiB.
	CompactionThresholdBytes int64 `yaml:"compaction_threshold_bytes"`
}

// AdminConfig holds admin socket parameters (spec.md §6).
type AdminConfig struct {
	// SocketPath is the Unix domain socket path for the admin CLI.
	// Default: ${STATE_DIR}/admin.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the admin socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultStateDir mirrors spec.md §6's "/var/lib/<product>".
const DefaultStateDir = "/var/lib/myco"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		StateDir:      DefaultStateDir,
		Port:          7777,
		KeyEpoch:      1,
		Scheduler: SchedulerConfig{
			RXBatch:           32,
			TickInterval:      50 * time.Millisecond,
			GossipInterval:    time.Second,
			HeartbeatInterval: 5 * time.Second,
			WALFlushDeadline:  200 * time.Millisecond,
		},
		WAL: WALConfig{
			CompactionCheckInterval:  time.Minute,
			CompactionThresholdBytes: 64 << 20,
		},
		Admin: AdminConfig{
			Enabled:    true,
			SocketPath: DefaultStateDir + "/admin.sock",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads a config file from path, applies the environment variable
// overrides of spec.md §6's table (file first, environment wins), and then
// validates the result. A missing file is not an error — the node can run
// from defaults plus environment alone.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	// A Unix socket path rooted under the default state dir needs
	// recomputing if STATE_DIR was overridden after Defaults() already
	// baked in the old one.
	if cfg.Admin.SocketPath == DefaultStateDir+"/admin.sock" && cfg.StateDir != DefaultStateDir {
		cfg.Admin.SocketPath = cfg.StateDir + "/admin.sock"
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides implements spec.md §6's environment variable table.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("STATE_DIR"); ok {
		cfg.StateDir = v
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := os.LookupEnv("PSK"); ok {
		cfg.PSK = v
	}
	if v, ok := os.LookupEnv("KEY_EPOCH"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.KeyEpoch = uint32(n)
		}
	}
	if v, ok := os.LookupEnv("ALLOW_PLAINTEXT"); ok {
		cfg.AllowPlaintext = parseBool(v)
	}
	if v, ok := os.LookupEnv("FORCE_PLAINTEXT"); ok {
		cfg.ForcePlaintext = parseBool(v)
	}
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.StateDir == "" {
		errs = append(errs, "state_dir must not be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be in [1, 65535], got %d", cfg.Port))
	}
	if cfg.KeyEpoch == 0 {
		errs = append(errs, "key_epoch must be >= 1")
	}
	if cfg.AllowPlaintext || cfg.ForcePlaintext {
		errs = append(errs, "allow_plaintext/force_plaintext are development-only and must be unset")
	}
	if cfg.Scheduler.RXBatch < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.rx_batch must be >= 1, got %d", cfg.Scheduler.RXBatch))
	}
	if cfg.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tick_interval must be > 0")
	}
	if cfg.Scheduler.GossipInterval <= 0 {
		errs = append(errs, "scheduler.gossip_interval must be > 0")
	}
	if cfg.Scheduler.HeartbeatInterval <= 0 {
		errs = append(errs, "scheduler.heartbeat_interval must be > 0")
	}
	if cfg.Scheduler.WALFlushDeadline <= 0 {
		errs = append(errs, "scheduler.wal_flush_deadline must be > 0")
	}
	if cfg.WAL.CompactionThresholdBytes < 1 {
		errs = append(errs, "wal.compaction_threshold_bytes must be > 0")
	}
	if cfg.WAL.CompactionCheckInterval <= 0 {
		errs = append(errs, "wal.compaction_check_interval must be > 0")
	}
	if cfg.Admin.Enabled && cfg.Admin.SocketPath == "" {
		errs = append(errs, "admin.socket_path must not be empty when admin.enabled is true")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be one of json|console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
