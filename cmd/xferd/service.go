package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/xferd/xferd/internal/config"
	"github.com/xferd/xferd/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the xferd system service",
		Long: `Install, control, and manage xferd as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install with a config file
  sudo xferd service install --config /etc/xferd/xferd.yaml

  # Control the service
  sudo xferd service start
  sudo xferd service stop
  sudo xferd service status`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: xferd)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install xferd as a system service",
		Long: `Install xferd as a system service that starts automatically at boot.

The auth token is taken from XFERD_AUTH_TOKEN when set and handed to the
service through its environment. Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the xferd system service",
		Args:  cobra.NoArgs,
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the xferd service", capitalize(action)),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show xferd service status",
		Args:  cobra.NoArgs,
		RunE:  runServiceStatus,
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the daemon under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runServiceRun,
	})

	return serviceCmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func getServiceConfig() svc.Config {
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	name := serviceName
	if name == "" {
		name = config.DefaultServiceName
	}
	return svc.Config{
		Name:       name,
		ConfigPath: configPath,
		UserName:   serviceUser,
		AuthToken:  os.Getenv(config.EnvAuthToken),
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n")
	_, _ = fmt.Fprintf(out, "  xferd service start --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", cfg.Name)
	return nil
}

func runServiceControl(action string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	log.Info().Str("name", cfg.Name).Str("action", action).Msg("service control sent")
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	status, err := svc.Status(cfg)
	if err != nil {
		return fmt.Errorf("query service: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s\n", cfg.Name, status)
	return nil
}

func runServiceRun(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run: func(ctx context.Context, configPath string) error {
			cfgFile = configPath
			daemonCfg, err := loadConfig()
			if err != nil {
				return err
			}
			closer := setupLogging(daemonCfg)
			defer func() { _ = closer.Close() }()
			return serve(ctx, daemonCfg)
		},
	}
	return svc.Run(prg, cfg)
}
