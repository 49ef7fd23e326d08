package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BusBackendEmbedded = "embedded"
	BusBackendNATS     = "nats"

	SourceStatic = "static"
	SourceSQL    = "sql"
	SourceNone   = "none"
)

type Config struct {
	Proxy     ProxyConfig     `yaml:"tickproxy"`
	Bus       BusConfig       `yaml:"bus"`
	Listener  ListenerConfig  `yaml:"listener"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Pool      PoolConfig      `yaml:"pool"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Brokers   []BrokerConfig  `yaml:"brokers"`
	Auth      AuthConfig      `yaml:"auth"`
	Symbols   SymbolsConfig   `yaml:"symbols"`
	Database  DatabaseConfig  `yaml:"database"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProxyConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BusConfig struct {
	Backend       string        `yaml:"backend"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Buffer        int           `yaml:"buffer"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
}

// Address joins host and port for the bus endpoint.
func (b BusConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// URL is the nats server to use for the nats backend.
func (b BusConfig) URL() string {
	if b.NATSURL != "" {
		return b.NATSURL
	}
	return "nats://" + b.Address()
}

type ListenerConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	Path                string        `yaml:"path"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	SendBuffer          int           `yaml:"send_buffer"`
	MaxMessageBytes     int64         `yaml:"max_message_bytes"`
	MaxTopicsPerSession int           `yaml:"max_topics_per_session"`
	CommandRate         float64       `yaml:"command_rate"`
	CommandBurst        int           `yaml:"command_burst"`
	AllowedOrigins      []string      `yaml:"allowed_origins"`
}

// Address joins host and port for the client listener.
func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type ThrottleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type PoolConfig struct {
	MaxSymbolsPerConnection int `yaml:"max_symbols_per_connection"`
	MaxConnectionsPerBroker int `yaml:"max_connections_per_broker"`
}

// ReconnectConfig describes the upstream backoff. A non-empty Schedule is
// used verbatim with its last step repeating; otherwise Min doubles by
// Factor up to Max.
type ReconnectConfig struct {
	Min      time.Duration   `yaml:"min"`
	Max      time.Duration   `yaml:"max"`
	Factor   float64         `yaml:"factor"`
	Jitter   float64         `yaml:"jitter"`
	Schedule []time.Duration `yaml:"schedule"`
}

type BrokerConfig struct {
	Name                    string            `yaml:"name"`
	Kind                    string            `yaml:"kind"`
	URL                     string            `yaml:"url"`
	APIKey                  string            `yaml:"api_key"`
	APISecret               string            `yaml:"api_secret"`
	MaxSymbolsPerConnection int               `yaml:"max_symbols_per_connection"`
	MaxConnections          int               `yaml:"max_connections"`
	QueueSize               int               `yaml:"queue_size"`
	Options                 map[string]string `yaml:"options"`
}

type AuthConfig struct {
	Source string         `yaml:"source"`
	Keys   []APIKeyConfig `yaml:"keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	User   string `yaml:"user"`
	Broker string `yaml:"broker"`
}

type SymbolsConfig struct {
	Source  string        `yaml:"source"`
	File    string        `yaml:"file"`
	Entries []SymbolEntry `yaml:"entries"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type MetricsConfig struct {
	Report         bool             `yaml:"report"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Namespace       string        `yaml:"namespace"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for every field the file omits.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{Name: "tickproxy", Version: "dev"},
		Bus: BusConfig{
			Backend:       BusBackendEmbedded,
			Host:          "127.0.0.1",
			Port:          5555,
			SubjectPrefix: "ticks",
			Buffer:        4096,
			PollTimeout:   100 * time.Millisecond,
		},
		Listener: ListenerConfig{
			Host:                "0.0.0.0",
			Port:                8765,
			Path:                "/",
			HeartbeatTimeout:    30 * time.Second,
			WriteTimeout:        10 * time.Second,
			SendBuffer:          256,
			MaxMessageBytes:     64 * 1024,
			MaxTopicsPerSession: 1000,
			CommandRate:         20,
			CommandBurst:        40,
		},
		Throttle: ThrottleConfig{Interval: 50 * time.Millisecond},
		Pool: PoolConfig{
			MaxSymbolsPerConnection: 1000,
			MaxConnectionsPerBroker: 3,
		},
		Reconnect: ReconnectConfig{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
		},
		Auth:    AuthConfig{Source: SourceStatic},
		Symbols: SymbolsConfig{Source: SourceNone},
		Dashboard: DashboardConfig{
			Address:         "127.0.0.1:8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
		Metrics: MetricsConfig{
			Report:         true,
			ReportInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if config.Symbols.File != "" && config.Symbols.Source == SourceStatic {
		entries, err := LoadSymbolFile(config.Symbols.File)
		if err != nil {
			return nil, err
		}
		config.Symbols.Entries = append(config.Symbols.Entries, entries...)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// BrokerLimits resolves the pool ceilings for broker, falling back to the
// global pool settings.
func (c *Config) BrokerLimits(b BrokerConfig) (maxSymbols, maxConns int) {
	maxSymbols, maxConns = c.Pool.MaxSymbolsPerConnection, c.Pool.MaxConnectionsPerBroker
	if b.MaxSymbolsPerConnection > 0 {
		maxSymbols = b.MaxSymbolsPerConnection
	}
	if b.MaxConnections > 0 {
		maxConns = b.MaxConnections
	}
	return maxSymbols, maxConns
}

// Broker looks a configured broker up by name, case-insensitively.
func (c *Config) Broker(name string) (BrokerConfig, bool) {
	for _, b := range c.Brokers {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return BrokerConfig{}, false
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("TICKPROXY_BUS_BACKEND", &cfg.Bus.Backend)
	str("TICKPROXY_BUS_HOST", &cfg.Bus.Host)
	str("TICKPROXY_NATS_URL", &cfg.Bus.NATSURL)
	str("TICKPROXY_LISTEN_HOST", &cfg.Listener.Host)
	str("TICKPROXY_DATABASE_DSN", &cfg.Database.DSN)

	for _, step := range []error{
		integer("TICKPROXY_BUS_PORT", &cfg.Bus.Port),
		integer("TICKPROXY_LISTEN_PORT", &cfg.Listener.Port),
		integer("TICKPROXY_MAX_SYMBOLS_PER_CONNECTION", &cfg.Pool.MaxSymbolsPerConnection),
		integer("TICKPROXY_MAX_CONNECTIONS_PER_BROKER", &cfg.Pool.MaxConnectionsPerBroker),
		duration("TICKPROXY_THROTTLE_INTERVAL", &cfg.Throttle.Interval),
		duration("TICKPROXY_HEARTBEAT_TIMEOUT", &cfg.Listener.HeartbeatTimeout),
	} {
		if step != nil {
			return step
		}
	}

	if v := strings.TrimSpace(os.Getenv("TICKPROXY_RECONNECT_BACKOFF")); v != "" {
		schedule, err := parseSchedule(v)
		if err != nil {
			return fmt.Errorf("TICKPROXY_RECONNECT_BACKOFF: %w", err)
		}
		cfg.Reconnect.Schedule = schedule
	}

	for i := range cfg.Brokers {
		prefix := "TICKPROXY_BROKER_" + envName(cfg.Brokers[i].Name) + "_"
		str(prefix+"API_KEY", &cfg.Brokers[i].APIKey)
		str(prefix+"API_SECRET", &cfg.Brokers[i].APISecret)
		str(prefix+"URL", &cfg.Brokers[i].URL)
	}
	return nil
}

// parseSchedule reads "1s,2s,4s" into a backoff schedule.
func parseSchedule(v string) ([]time.Duration, error) {
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func validateConfig(cfg *Config) error {
	if cfg.Proxy.Name == "" {
		return fmt.Errorf("tickproxy.name is required")
	}

	switch cfg.Bus.Backend {
	case BusBackendEmbedded, BusBackendNATS:
	default:
		return fmt.Errorf("bus.backend must be %q or %q", BusBackendEmbedded, BusBackendNATS)
	}
	if err := validatePort("bus.port", cfg.Bus.Port); err != nil {
		return err
	}
	if cfg.Bus.Buffer <= 0 {
		return fmt.Errorf("bus.buffer must be greater than 0")
	}
	if cfg.Bus.PollTimeout <= 0 {
		return fmt.Errorf("bus.poll_timeout must be greater than 0")
	}
	if cfg.Bus.Backend == BusBackendNATS && cfg.Bus.SubjectPrefix == "" {
		return fmt.Errorf("bus.subject_prefix is required for the nats backend")
	}

	if err := validatePort("listener.port", cfg.Listener.Port); err != nil {
		return err
	}
	if cfg.Listener.HeartbeatTimeout <= 0 {
		return fmt.Errorf("listener.heartbeat_timeout must be greater than 0")
	}
	if cfg.Listener.WriteTimeout <= 0 {
		return fmt.Errorf("listener.write_timeout must be greater than 0")
	}
	if cfg.Listener.SendBuffer <= 0 {
		return fmt.Errorf("listener.send_buffer must be greater than 0")
	}
	if cfg.Listener.CommandRate < 0 {
		return fmt.Errorf("listener.command_rate must not be negative")
	}
	if !strings.HasPrefix(cfg.Listener.Path, "/") {
		return fmt.Errorf("listener.path must start with /")
	}

	if cfg.Throttle.Interval < 0 {
		return fmt.Errorf("throttle.interval must not be negative")
	}

	if cfg.Pool.MaxSymbolsPerConnection <= 0 {
		return fmt.Errorf("pool.max_symbols_per_connection must be greater than 0")
	}
	if cfg.Pool.MaxConnectionsPerBroker <= 0 {
		return fmt.Errorf("pool.max_connections_per_broker must be greater than 0")
	}

	if len(cfg.Reconnect.Schedule) == 0 {
		if cfg.Reconnect.Min <= 0 {
			return fmt.Errorf("reconnect.min must be greater than 0")
		}
		if cfg.Reconnect.Max < cfg.Reconnect.Min {
			return fmt.Errorf("reconnect.max must not be less than reconnect.min")
		}
		if cfg.Reconnect.Factor < 1 {
			return fmt.Errorf("reconnect.factor must be at least 1")
		}
	}
	for _, step := range cfg.Reconnect.Schedule {
		if step <= 0 {
			return fmt.Errorf("reconnect.schedule steps must be greater than 0")
		}
	}

	seen := make(map[string]struct{}, len(cfg.Brokers))
	for i, b := range cfg.Brokers {
		if b.Name == "" {
			return fmt.Errorf("brokers[%d].name is required", i)
		}
		if b.Kind == "" {
			return fmt.Errorf("brokers[%d].kind is required", i)
		}
		key := strings.ToUpper(b.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("broker '%s' is configured twice", b.Name)
		}
		seen[key] = struct{}{}
	}

	switch cfg.Auth.Source {
	case SourceStatic:
		if len(cfg.Auth.Keys) == 0 && IsProductionLike(AppEnvironment()) {
			return fmt.Errorf("auth.keys must not be empty in %s", AppEnvironment())
		}
		for i, k := range cfg.Auth.Keys {
			if k.Key == "" || k.Broker == "" {
				return fmt.Errorf("auth.keys[%d] requires key and broker", i)
			}
			if _, ok := seen[strings.ToUpper(k.Broker)]; !ok {
				return fmt.Errorf("auth.keys[%d] references unknown broker '%s'", i, k.Broker)
			}
		}
	case SourceSQL:
	default:
		return fmt.Errorf("auth.source must be %q or %q", SourceStatic, SourceSQL)
	}

	switch cfg.Symbols.Source {
	case SourceStatic, SourceSQL, SourceNone:
	default:
		return fmt.Errorf("symbols.source must be %q, %q or %q", SourceStatic, SourceSQL, SourceNone)
	}

	if cfg.Auth.Source == SourceSQL || cfg.Symbols.Source == SourceSQL {
		switch cfg.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("database.driver must be sqlite or postgres when a sql source is used")
		}
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when a sql source is used")
		}
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535", field)
	}
	return nil
}
