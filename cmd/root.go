package cmd

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tphakala/audiobridge/cmd/config"
	"github.com/tphakala/audiobridge/cmd/devices"
	"github.com/tphakala/audiobridge/cmd/play"
	"github.com/tphakala/audiobridge/cmd/serve"
	"github.com/tphakala/audiobridge/cmd/stream"
	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command. settings holds the
// configuration loaded at startup; flags write straight into it.
func RootCommand(settings *conf.Settings, version string) *cobra.Command {
	var configFile string
	var central *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:           "audiobridge",
		Short:         "Audio device bridge and node graph player",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd, settings, &configFile)

	rootCmd.AddCommand(
		devices.Command(settings),
		stream.Command(settings),
		play.Command(settings),
		serve.Command(settings),
		config.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := reload(cmd, settings, configFile); err != nil {
				return err
			}
		}

		var err error
		central, err = initialize(settings, version)
		return err
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if settings.Telemetry.Enabled {
			sentry.Flush(sentryFlushTimeout)
		}
		if central != nil {
			_ = central.Close()
		}
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings, configFile *string) {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search standard locations)")
	flags.BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
	flags.StringVar(&settings.Device.Backend, "backend", settings.Device.Backend, "Audio backend (alsa, pulse, wasapi, coreaudio, null)")
	flags.StringVar(&settings.Device.ID, "device", settings.Device.ID, "Playback device name or id")
}

// reload replaces settings with the contents of configFile and re-applies
// every flag given on the command line so flags keep precedence.
func reload(cmd *cobra.Command, settings *conf.Settings, configFile string) error {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return err
	}
	*settings = *loaded

	var setErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		if err := f.Value.Set(f.Value.String()); err != nil {
			setErr = fmt.Errorf("re-applying --%s: %w", f.Name, err)
		}
	})
	return setErr
}

// initialize sets up logging and optional error telemetry before any
// subcommand runs.
func initialize(settings *conf.Settings, version string) (*logger.CentralLogger, error) {
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if err := initTelemetry(&settings.Telemetry, version); err != nil {
		// Telemetry failures are not fatal.
		central.Module("main").Warn("error telemetry disabled", logger.Error(err))
	}
	return central, nil
}

func initTelemetry(t *conf.TelemetrySettings, version string) error {
	if !t.Enabled {
		errors.SetTelemetryReporter(errors.NewSentryReporter(false))
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              t.DSN,
		Environment:      t.Environment,
		Release:          "audiobridge@" + version,
		AttachStacktrace: true,
		SendDefaultPII:   false,
	})
	if err != nil {
		t.Enabled = false
		return err
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	return nil
}
