// xferd moves files between hosts over several protocols at once.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/xferd/xferd/internal/config"
	"github.com/xferd/xferd/internal/daemon"
	"github.com/xferd/xferd/internal/logging/loki"
	"github.com/xferd/xferd/internal/metrics"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "xferd",
		Short: "xferd - multi-protocol file transfer daemon",
		Long: `xferd moves files between hosts. A transfer is split into chunks that
travel over every protocol both sides support (http, websocket, ssh and
local), and the receiver reassembles and verifies them.

Examples:
  # Run the daemon
  xferd serve --config /etc/xferd/xferd.yaml

  # Push a file to another daemon
  xferd send ./backup.tar files.example.com /srv/backup.tar

  # Pull a file from another daemon
  xferd recv files.example.com /srv/backup.tar ./backup.tar

  # Fetch from a plain web server
  xferd recv --direct https://mirror.example.com/backup.tar ./backup.tar`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides the config file)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer daemon",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newRecvCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "xferd %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// loadConfig loads the config file named by --config and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// closers closes every element, in order.
type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, closer := range c {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// setupLogging configures the global logger. The returned closer flushes
// the log file and the Loki shipper, if any.
func setupLogging(cfg *config.Config) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var open closers
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		writers = append(writers, rotator)
		open = append(open, rotator)
	}

	if cfg.Loki.URL != "" {
		labels := map[string]string{}
		for k, v := range cfg.Loki.Labels {
			labels[k] = v
		}
		if _, ok := labels["instance"]; !ok {
			if host, err := os.Hostname(); err == nil {
				labels["instance"] = host
			}
		}
		shipper := loki.NewWriter(loki.Config{
			URL:      cfg.Loki.URL,
			Labels:   labels,
			Compress: cfg.Loki.Compress,
		})
		writers = append(writers, shipper)
		open = append(open, shipper)
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))
	return open
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer := setupLogging(cfg)
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

// serve runs the daemon until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	instance, err := os.Hostname()
	if err != nil {
		instance = "xferd"
	}

	d, err := daemon.New(daemon.Options{
		Config:  cfg,
		Version: Version,
		Metrics: metrics.InitMetrics(instance, Version),
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("advertise", d.AdvertiseURL()).
		Msg("xferd started")

	err = d.Serve(ctx)
	log.Info().Msg("xferd stopped")
	return err
}
