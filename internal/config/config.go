// Package config handles configuration loading and validation for xferd.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/bytesize"
	"github.com/xferd/xferd/pkg/proto"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultListen      = ":8750"
	DefaultDataDir     = "/var/lib/xferd"
	DefaultSSHListen   = ":8751"
	DefaultServiceName = "xferd"
	DefaultPoolSize    = 10
	DefaultMinSamples  = 3
)

// Environment variables that override the file.
const (
	EnvAuthToken = "XFERD_AUTH_TOKEN"
	EnvListen    = "XFERD_LISTEN"
	EnvDataDir   = "XFERD_DATA_DIR"
	EnvLogLevel  = "XFERD_LOG_LEVEL"
)

// Config holds the daemon configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	AdvertiseURL string `yaml:"advertise_url"` // URL peers use to reach this daemon
	AuthToken    string `yaml:"auth_token"`
	TicketSecret string `yaml:"ticket_secret"` // Random per process when empty
	DataDir      string `yaml:"data_dir"`
	LogFile      string `yaml:"log_file"` // Rotated with lumberjack when set
	LogLevel     string `yaml:"log_level"`

	Pools      PoolsConfig      `yaml:"pools"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Protocols  ProtocolsConfig  `yaml:"protocols"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Service    ServiceConfig    `yaml:"service"`
	Loki       LokiConfig       `yaml:"loki"`
	Debug      DebugConfig      `yaml:"debug"`
}

// PoolsConfig bounds background transfer work.
type PoolsConfig struct {
	Sender   int `yaml:"sender"`
	Receiver int `yaml:"receiver"`
}

// TransferConfig holds the job defaults. Durations are strings, e.g. "30s".
type TransferConfig struct {
	ChunkSize       bytesize.Size `yaml:"chunk_size"`
	TransferTimeout string        `yaml:"transfer_timeout"`
	ConnectTimeout  string        `yaml:"connect_timeout"`
	ChunkTimeout    string        `yaml:"chunk_timeout"`
	AckTimeout      string        `yaml:"ack_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	MinBandwidth    bytesize.Rate `yaml:"min_bandwidth"`
	MaxFileSize     bytesize.Size `yaml:"max_file_size"`
}

// ProtocolsConfig selects and configures the transports.
type ProtocolsConfig struct {
	Order     []string        `yaml:"order"`
	HTTP      HTTPConfig      `yaml:"http"`
	SSH       SSHConfig       `yaml:"ssh"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Local     LocalConfig     `yaml:"local"`
}

// HTTPConfig configures the http transport.
type HTTPConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// SSHConfig configures the ssh transport. Keys are generated on first use.
type SSHConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	HostKey        string `yaml:"host_key"`
	PrivateKey     string `yaml:"private_key"`
	AuthorizedKeys string `yaml:"authorized_keys"`
	User           string `yaml:"user"`
}

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	Enabled  *bool `yaml:"enabled"`
	Compress bool  `yaml:"compress"`
}

// LocalConfig configures the local transport.
type LocalConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// ClassifierConfig configures protocol selection learning.
type ClassifierConfig struct {
	StatsFile  string `yaml:"stats_file"`
	MinSamples int    `yaml:"min_samples"`
}

// DiscoveryConfig configures SRV based peer discovery.
type DiscoveryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Server      string `yaml:"server"` // host:port of the DNS server; system resolver when empty
	DefaultPort int    `yaml:"default_port"`
}

// ServiceConfig configures the system service.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

// LokiConfig ships logs to Grafana Loki when URL is set.
type LokiConfig struct {
	URL      string            `yaml:"url"`
	Labels   map[string]string `yaml:"labels"`
	Compress bool              `yaml:"compress"`
}

// DebugConfig enables diagnostics.
type DebugConfig struct {
	// Trace keeps a rolling runtime trace served at /debug/trace.
	Trace           bool          `yaml:"trace"`
	TraceBufferSize bytesize.Size `yaml:"trace_buffer_size"`
}

// IsEnabled reports whether an optional switch is on; unset means on.
func IsEnabled(b *bool) bool {
	return b == nil || *b
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies environment
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	_ = godotenv.Load() // .env is optional
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	c.LogFile = expandHome(c.LogFile)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AdvertiseURL == "" {
		c.AdvertiseURL = advertiseFromListen(c.Listen)
	}

	if c.Pools.Sender <= 0 {
		c.Pools.Sender = DefaultPoolSize
	}
	if c.Pools.Receiver <= 0 {
		c.Pools.Receiver = DefaultPoolSize
	}

	if c.Protocols.SSH.Listen == "" {
		c.Protocols.SSH.Listen = DefaultSSHListen
	}
	if c.Protocols.SSH.HostKey == "" {
		c.Protocols.SSH.HostKey = filepath.Join(c.DataDir, "ssh_host_ed25519_key")
	}
	if c.Protocols.SSH.PrivateKey == "" {
		c.Protocols.SSH.PrivateKey = filepath.Join(c.DataDir, "id_ed25519")
	}
	c.Protocols.SSH.HostKey = expandHome(c.Protocols.SSH.HostKey)
	c.Protocols.SSH.PrivateKey = expandHome(c.Protocols.SSH.PrivateKey)
	c.Protocols.SSH.AuthorizedKeys = expandHome(c.Protocols.SSH.AuthorizedKeys)

	if c.Classifier.StatsFile == "" {
		c.Classifier.StatsFile = filepath.Join(c.DataDir, "classifier.yaml")
	}
	c.Classifier.StatsFile = expandHome(c.Classifier.StatsFile)
	if c.Classifier.MinSamples <= 0 {
		c.Classifier.MinSamples = DefaultMinSamples
	}

	if c.Discovery.DefaultPort == 0 {
		c.Discovery.DefaultPort = portOf(DefaultListen)
	}
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if u, err := url.Parse(c.AdvertiseURL); err != nil || u.Host == "" {
		return fmt.Errorf("invalid advertise_url %q", c.AdvertiseURL)
	}

	for name, d := range map[string]string{
		"transfer_timeout": c.Transfer.TransferTimeout,
		"connect_timeout":  c.Transfer.ConnectTimeout,
		"chunk_timeout":    c.Transfer.ChunkTimeout,
		"ack_timeout":      c.Transfer.AckTimeout,
	} {
		if _, err := parseDuration(d); err != nil {
			return fmt.Errorf("invalid transfer.%s: %w", name, err)
		}
	}
	if c.Transfer.ChunkSize < 0 || c.Transfer.MaxFileSize < 0 || c.Transfer.MinBandwidth < 0 {
		return fmt.Errorf("transfer sizes must not be negative")
	}
	if c.Transfer.MaxAttempts < 0 {
		return fmt.Errorf("transfer.max_attempts must not be negative")
	}

	for _, name := range c.Protocols.Order {
		if !slices.Contains(transport.DefaultOrder, name) {
			return fmt.Errorf("unknown protocol %q in protocols.order", name)
		}
	}
	if len(c.EnabledProtocols()) == 0 {
		return fmt.Errorf("at least one protocol must be enabled")
	}
	if IsEnabled(c.Protocols.SSH.Enabled) {
		if _, _, err := net.SplitHostPort(c.Protocols.SSH.Listen); err != nil {
			return fmt.Errorf("invalid protocols.ssh.listen: %w", err)
		}
	}

	if c.Discovery.DefaultPort <= 0 || c.Discovery.DefaultPort > 65535 {
		return fmt.Errorf("discovery.default_port must be between 1 and 65535")
	}
	if c.Loki.URL != "" {
		if u, err := url.Parse(c.Loki.URL); err != nil || u.Host == "" {
			return fmt.Errorf("invalid loki.url %q", c.Loki.URL)
		}
	}
	if c.Debug.TraceBufferSize < 0 {
		return fmt.Errorf("debug.trace_buffer_size must not be negative")
	}
	return nil
}

// EnabledProtocols returns the enabled protocol names in preference order.
func (c *Config) EnabledProtocols() []string {
	enabled := map[string]bool{
		transport.ProtocolHTTP:      IsEnabled(c.Protocols.HTTP.Enabled),
		transport.ProtocolWebSocket: IsEnabled(c.Protocols.WebSocket.Enabled),
		transport.ProtocolSSH:       IsEnabled(c.Protocols.SSH.Enabled),
		transport.ProtocolLocal:     IsEnabled(c.Protocols.Local.Enabled),
	}

	order := c.Protocols.Order
	if len(order) == 0 {
		order = transport.DefaultOrder
	}
	var names []string
	for _, name := range order {
		if enabled[name] && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// ApplyTo fills the job fields left unset from the transfer defaults.
// Validate must have succeeded.
func (t TransferConfig) ApplyTo(job *proto.Job) {
	if job.ChunkSize <= 0 {
		job.ChunkSize = t.ChunkSize.Bytes()
	}
	if job.TransferTimeout <= 0 {
		job.TransferTimeout, _ = parseDuration(t.TransferTimeout)
	}
	if job.ConnectTimeout <= 0 {
		job.ConnectTimeout, _ = parseDuration(t.ConnectTimeout)
	}
	if job.ChunkTimeout <= 0 {
		job.ChunkTimeout, _ = parseDuration(t.ChunkTimeout)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = t.MaxAttempts
	}
	if job.MinBandwidth <= 0 {
		job.MinBandwidth = t.MinBandwidth.BytesPerSecond()
	}
	if job.MaxSize <= 0 {
		job.MaxSize = t.MaxFileSize.Bytes()
	}
}

// AckTimeoutDuration returns the acknowledgment timeout, zero when unset.
func (t TransferConfig) AckTimeoutDuration() time.Duration {
	d, _ := parseDuration(t.AckTimeout)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// advertiseFromListen derives a loopback URL for wildcard listen addresses.
func advertiseFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var p int
	_, _ = fmt.Sscanf(port, "%d", &p)
	return p
}
