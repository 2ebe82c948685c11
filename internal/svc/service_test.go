package svc

import (
	"context"
	"errors"
	"testing"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceConfig(t *testing.T) {
	cfg := NewServiceConfig(Config{ConfigPath: "/etc/xferd/test.yaml", AuthToken: "secret"})

	assert.Equal(t, "xferd", cfg.Name)
	assert.NotEmpty(t, cfg.DisplayName)
	assert.Equal(t, []string{"--config", "/etc/xferd/test.yaml", "service", "run"}, cfg.Arguments)
	assert.Equal(t, "secret", cfg.EnvVars["XFERD_AUTH_TOKEN"])
	assert.NotContains(t, cfg.Arguments, "secret")
}

func TestNewServiceConfig_Defaults(t *testing.T) {
	cfg := NewServiceConfig(Config{Name: "xferd-edge"})
	assert.Equal(t, "xferd-edge", cfg.Name)
	assert.Contains(t, cfg.Arguments, DefaultConfigPath())
	assert.Empty(t, cfg.EnvVars)
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/tmp/xferd.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "/tmp/xferd.yaml", <-started)
	assert.NoError(t, prg.Stop(nil), "cancellation is a clean stop")
}

func TestProgram_StopReportsFailure(t *testing.T) {
	prg := &Program{
		Run: func(context.Context, string) error { return errors.New("bind: address in use") },
	}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "bind: address in use")
}

func TestProgram_RequiresRunFunc(t *testing.T) {
	prg := &Program{}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}
