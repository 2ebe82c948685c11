package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xferd/xferd/pkg/bytesize"
	"github.com/xferd/xferd/pkg/proto"
	"github.com/xferd/xferd/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: "127.0.0.1:9000"
advertise_url: "http://files.example.com:9000"
auth_token: "test-token-123"
data_dir: "/srv/xferd"
pools:
  sender: 4
  receiver: 2
transfer:
  chunk_size: 64KB
  transfer_timeout: 30m
  connect_timeout: 10s
  ack_timeout: 5s
  max_attempts: 5
  min_bandwidth: 1mbps
  max_file_size: 10GB
protocols:
  order: [websocket, http]
  ssh:
    enabled: false
  websocket:
    compress: true
classifier:
  min_samples: 7
discovery:
  enabled: true
  server: "127.0.0.1:5353"
`
	configPath := testutil.TempFile(t, dir, "xferd.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "http://files.example.com:9000", cfg.AdvertiseURL)
	assert.Equal(t, "test-token-123", cfg.AuthToken)
	assert.Equal(t, "/srv/xferd", cfg.DataDir)
	assert.Equal(t, 4, cfg.Pools.Sender)
	assert.Equal(t, 2, cfg.Pools.Receiver)
	assert.Equal(t, int64(65536), cfg.Transfer.ChunkSize.Bytes())
	assert.Equal(t, int64(10*bytesize.GB), cfg.Transfer.MaxFileSize.Bytes())
	assert.Equal(t, int64(125000), cfg.Transfer.MinBandwidth.BytesPerSecond())
	assert.Equal(t, 5*time.Second, cfg.Transfer.AckTimeoutDuration())
	assert.True(t, cfg.Protocols.WebSocket.Compress)
	assert.Equal(t, []string{"websocket", "http"}, cfg.EnabledProtocols())
	assert.Equal(t, 7, cfg.Classifier.MinSamples)
	assert.Equal(t, "/srv/xferd/classifier.yaml", cfg.Classifier.StatsFile)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "127.0.0.1:5353", cfg.Discovery.Server)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "xferd.yaml", "auth_token: secret\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, "http://localhost:8750", cfg.AdvertiseURL)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DefaultPoolSize, cfg.Pools.Sender)
	assert.Equal(t, DefaultPoolSize, cfg.Pools.Receiver)
	assert.Equal(t, DefaultSSHListen, cfg.Protocols.SSH.Listen)
	assert.Equal(t, filepath.Join(DefaultDataDir, "id_ed25519"), cfg.Protocols.SSH.PrivateKey)
	assert.Equal(t, DefaultMinSamples, cfg.Classifier.MinSamples)
	assert.Equal(t, 8750, cfg.Discovery.DefaultPort)
	assert.Equal(t, DefaultServiceName, cfg.Service.Name)
	assert.Equal(t, []string{"http", "websocket", "ssh", "local"}, cfg.EnabledProtocols())
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Setenv(EnvAuthToken, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Error(t, cfg.Validate(), "auth token is still required")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "xferd.yaml", `
listen: ":9000"
auth_token: from-file
`)
	t.Setenv(EnvAuthToken, "from-env")
	t.Setenv(EnvListen, "127.0.0.1:9100")
	t.Setenv(EnvDataDir, filepath.Join(dir, "data"))
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.AuthToken)
	assert.Equal(t, "127.0.0.1:9100", cfg.Listen)
	assert.Equal(t, "http://127.0.0.1:9100", cfg.AdvertiseURL)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "xferd.yaml", `
auth_token: x
data_dir: "~/xferd"
log_file: "~/xferd/xferd.log"
`)
	t.Setenv(EnvDataDir, "")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "xferd"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "xferd", "xferd.log"), cfg.LogFile)
	assert.Equal(t, filepath.Join(home, "xferd", "ssh_host_ed25519_key"), cfg.Protocols.SSH.HostKey)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "xferd.yaml", "listen: [invalid yaml\n")
	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidSize(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "xferd.yaml", `
transfer:
  chunk_size: "64 parsecs"
`)
	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	disabled := false

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.AuthToken = "" }, "auth_token"},
		{"bad listen", func(c *Config) { c.Listen = "nonsense" }, "listen"},
		{"bad advertise url", func(c *Config) { c.AdvertiseURL = "::" }, "advertise_url"},
		{"bad duration", func(c *Config) { c.Transfer.ConnectTimeout = "soon" }, "connect_timeout"},
		{"negative duration", func(c *Config) { c.Transfer.AckTimeout = "-1s" }, "ack_timeout"},
		{"negative attempts", func(c *Config) { c.Transfer.MaxAttempts = -1 }, "max_attempts"},
		{"unknown protocol", func(c *Config) { c.Protocols.Order = []string{"ftp"} }, "ftp"},
		{"nothing enabled", func(c *Config) {
			c.Protocols.HTTP.Enabled = &disabled
			c.Protocols.WebSocket.Enabled = &disabled
			c.Protocols.SSH.Enabled = &disabled
			c.Protocols.Local.Enabled = &disabled
		}, "at least one protocol"},
		{"bad ssh listen", func(c *Config) { c.Protocols.SSH.Listen = "2222" }, "ssh.listen"},
		{"ssh listen ignored when disabled", func(c *Config) {
			c.Protocols.SSH.Listen = "2222"
			c.Protocols.SSH.Enabled = &disabled
		}, ""},
		{"bad discovery port", func(c *Config) { c.Discovery.DefaultPort = 70000 }, "default_port"},
		{"bad loki url", func(c *Config) { c.Loki.URL = "loki" }, "loki.url"},
		{"loki url", func(c *Config) { c.Loki.URL = "http://loki:3100" }, ""},
		{"negative trace buffer", func(c *Config) { c.Debug.TraceBufferSize = -1 }, "trace_buffer_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.AuthToken = "token"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnabledProtocols_OrderAndDuplicates(t *testing.T) {
	disabled := false
	cfg := Default()
	cfg.Protocols.Order = []string{"ssh", "local", "ssh", "http"}
	cfg.Protocols.Local.Enabled = &disabled

	assert.Equal(t, []string{"ssh", "http"}, cfg.EnabledProtocols())
}

func TestTransferConfig_ApplyTo(t *testing.T) {
	tc := TransferConfig{
		ChunkSize:       bytesize.Size(4096),
		TransferTimeout: "5m",
		ConnectTimeout:  "3s",
		ChunkTimeout:    "2s",
		MaxAttempts:     4,
		MinBandwidth:    bytesize.Rate(1000),
		MaxFileSize:     bytesize.Size(1 << 20),
	}

	job := proto.NewJob("/a", "/b")
	tc.ApplyTo(job)
	assert.Equal(t, int64(4096), job.ChunkSize)
	assert.Equal(t, 5*time.Minute, job.TransferTimeout)
	assert.Equal(t, 3*time.Second, job.ConnectTimeout)
	assert.Equal(t, 2*time.Second, job.ChunkTimeout)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Equal(t, int64(1000), job.MinBandwidth)
	assert.Equal(t, int64(1<<20), job.MaxSize)

	// Explicit job settings win
	job = proto.NewJob("/a", "/b")
	job.ChunkSize = 1024
	job.ConnectTimeout = time.Minute
	tc.ApplyTo(job)
	assert.Equal(t, int64(1024), job.ChunkSize)
	assert.Equal(t, time.Minute, job.ConnectTimeout)

	// Unset defaults leave the job to WithDefaults
	job = proto.NewJob("/a", "/b")
	TransferConfig{}.ApplyTo(job)
	job = job.WithDefaults()
	assert.Equal(t, proto.DefaultChunkSize, job.ChunkSize)
	assert.Equal(t, proto.DefaultConnectTimeout, job.ConnectTimeout)
}
