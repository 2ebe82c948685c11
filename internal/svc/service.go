// Package svc runs the xferd daemon as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop signals the daemon to stop and waits for it.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config holds configuration for service installation.
type Config struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux and macOS only
	// AuthToken is handed to the service through the environment so it
	// does not show in process listings.
	AuthToken string
}

// DefaultConfigPath returns the platform's default config file path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "xferd", "xferd.yaml")
	}
	return "/etc/xferd/xferd.yaml"
}

// withDefaults fills in unset names.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "xferd"
	}
	if c.DisplayName == "" {
		c.DisplayName = "xferd file transfer daemon"
	}
	if c.Description == "" {
		c.Description = "Moves files between hosts over multiple protocols at once"
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath()
	}
	return c
}

// NewServiceConfig builds the service manager configuration.
func NewServiceConfig(cfg Config) *service.Config {
	cfg = cfg.withDefaults()

	env := make(map[string]string)
	if cfg.AuthToken != "" {
		env["XFERD_AUTH_TOKEN"] = cfg.AuthToken
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"--config", cfg.ConfigPath, "service", "run"},
		EnvVars:     env,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

// New creates the service handle for prg.
func New(prg *Program, cfg Config) (service.Service, error) {
	if prg.ConfigPath == "" {
		prg.ConfigPath = cfg.withDefaults().ConfigPath
	}
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service, replacing an existing one when force is set.
func Install(cfg Config, force bool) error {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return err
	}

	status, err := s.Status()
	if err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", s.String())
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg Config) error {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the service manager.
func Control(cfg Config, action string) error {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status as text.
func Status(cfg Config) (string, error) {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if err != nil {
		return "", err
	}
	return StatusString(status), nil
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager, or in the foreground when
// started interactively.
func Run(prg *Program, cfg Config) error {
	s, err := New(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges checks that the user may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
