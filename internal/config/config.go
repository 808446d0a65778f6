package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"
)

// EnvPath names the environment variable the supervisor uses to hand its
// config file to the agents it spawns.
const EnvPath = "NETMON_CONFIG"

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type SupervisorConfig struct {
	Resources     []string      `mapstructure:"resources"`
	AgentBinary   string        `mapstructure:"agent_binary"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	DrainPeriod   time.Duration `mapstructure:"drain_period"`
	ReapTimeout   time.Duration `mapstructure:"reap_timeout"`
	ExitWhenEmpty bool          `mapstructure:"exit_when_empty"`
	VerifyPeer    bool          `mapstructure:"verify_peer"`
	HealthAddr    string        `mapstructure:"health_addr"` // empty disables
}

type AgentConfig struct {
	Tick          time.Duration `mapstructure:"tick"`
	MetricsSource string        `mapstructure:"metrics_source"` // sysfs, netlink or gopsutil
	SysfsRoot     string        `mapstructure:"sysfs_root"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

type ThresholdConfig struct {
	MaxErrorDelta uint64        `mapstructure:"max_error_delta"`
	MaxDropDelta  uint64        `mapstructure:"max_drop_delta"`
	RecoveryTicks int           `mapstructure:"recovery_ticks"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

type BackendConfig struct {
	URL                string        `mapstructure:"url"` // empty disables
	SendInterval       time.Duration `mapstructure:"send_interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	AuthTokenEnv       string        `mapstructure:"auth_token_env"` // e.g. NETMON_BACKEND_TOKEN
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxQueueSize       int           `mapstructure:"max_queue_size"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty disables
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Exporter     string `mapstructure:"exporter"` // stdout or otlp-grpc
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

type Config struct {
	SocketPath string           `mapstructure:"socket_path"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Thresholds ThresholdConfig  `mapstructure:"thresholds"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// path is the file the config was read from, if any.
	path string
}

// Path returns the file the configuration was loaded from, or "".
func (c *Config) Path() string { return c.path }

// LoadConfig reads the YAML file at path on top of the built-in defaults.
// An empty path loads defaults and environment overrides only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// env overrides: NETMON_SOCKET_PATH, NETMON_AGENT_TICK, ...
	v.SetEnvPrefix("NETMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.path = path

	// quick sanity fixes, the same way the agent always did them
	if cfg.Agent.Tick <= 0 {
		cfg.Agent.Tick = time.Second
	}
	if cfg.Supervisor.PollInterval <= 0 {
		cfg.Supervisor.PollInterval = time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv loads the file named by NETMON_CONFIG, or defaults when unset.
func LoadFromEnv() (*Config, error) {
	return LoadConfig(os.Getenv(EnvPath))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket_path", "/tmp/assignment1")

	v.SetDefault("supervisor.resources", []string{"lo", "eth0", "eth1"})
	v.SetDefault("supervisor.agent_binary", "./intfmon")
	v.SetDefault("supervisor.accept_timeout", 5*time.Second)
	v.SetDefault("supervisor.poll_interval", time.Second)
	v.SetDefault("supervisor.drain_period", 3*time.Second)
	v.SetDefault("supervisor.reap_timeout", 5*time.Second)
	v.SetDefault("supervisor.exit_when_empty", false)
	v.SetDefault("supervisor.verify_peer", true)
	v.SetDefault("supervisor.health_addr", "127.0.0.1:8085")

	v.SetDefault("agent.tick", time.Second)
	v.SetDefault("agent.metrics_source", "sysfs")
	v.SetDefault("agent.sysfs_root", "/sys/class/net")
	v.SetDefault("agent.write_timeout", 5*time.Second)

	v.SetDefault("thresholds.max_error_delta", 10)
	v.SetDefault("thresholds.max_drop_delta", 100)
	v.SetDefault("thresholds.recovery_ticks", 3)
	v.SetDefault("thresholds.cooldown", 15*time.Second)

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.auth_token_env", "")
	v.SetDefault("backend.send_interval", 30*time.Second)
	v.SetDefault("backend.timeout", 5*time.Second)
	v.SetDefault("backend.insecure_skip_verify", false)
	v.SetDefault("backend.max_queue_size", 1000)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "switchify.telemetry")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.exporter", "stdout")
	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("metrics.otlp_insecure", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the fields the supervisor and agents cannot run without.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket_path is required")
	}
	seen := make(map[string]struct{}, len(c.Supervisor.Resources))
	for _, r := range c.Supervisor.Resources {
		if err := ValidateResource(r); err != nil {
			return err
		}
		if _, dup := seen[r]; dup {
			return fmt.Errorf("duplicate resource %q", r)
		}
		seen[r] = struct{}{}
	}
	if c.Supervisor.DrainPeriod < 0 || c.Supervisor.ReapTimeout < 0 || c.Supervisor.AcceptTimeout < 0 {
		return errors.New("supervisor timeouts must not be negative")
	}
	switch c.Agent.MetricsSource {
	case "sysfs", "netlink", "gopsutil":
	default:
		return fmt.Errorf("unknown metrics_source %q", c.Agent.MetricsSource)
	}
	return nil
}

// MaxResourceLen is the longest interface name the kernel accepts
// (IFNAMSIZ less the terminating NUL).
const MaxResourceLen = 15

// ValidateResource rejects names that cannot be a network interface.
func ValidateResource(name string) error {
	if name == "" {
		return errors.New("resource name is empty")
	}
	if len(name) > MaxResourceLen {
		return fmt.Errorf("resource name %q is longer than %d bytes", name, MaxResourceLen)
	}
	if !utf8.ValidString(name) || strings.ContainsAny(name, " \t\r\n/") {
		return fmt.Errorf("invalid resource name %q", name)
	}
	return nil
}
