package main

import (
	"fmt"

	"codeberg.org/mutker/vitalsd/internal/config"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sensor"
	"codeberg.org/mutker/vitalsd/internal/sysfs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg *config.Config
	vpr *viper.Viper
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vitalsd",
		Short: "Poll host vitals and report them as percentages",
		Long: `vitalsd samples processor load, memory pressure, storage usage,
thermal state and GPU load on independent schedules.

Each vital is read through its own circuit breaker; a source that keeps
failing is disabled and reports 0 until it is reset (SIGHUP resets all).`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Once {
				return probeCommand(cmd)
			}
			return runCommand(cmd)
		},
	}
	root.PersistentFlags().AddFlagSet(config.Flags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start polling until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCommand(cmd)
			},
		},
		&cobra.Command{
			Use:   "probe",
			Short: "Probe every vital once and print the values",
			Long: `Probe every vital once through its breaker and print the values.

With --debug the detected thermal zones, GPU backend and breaker state are
printed as well.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return probeCommand(cmd)
			},
		},
		&cobra.Command{
			Use:               "version",
			Short:             "Print version information",
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "vitalsd %s (%s)\n", version, commit)
			},
		},
	)

	return root
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, vpr, err = config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Str("file", cfg.ConfigFile).Msg("Config loaded")

	return nil
}

func newSources() sensor.Set {
	return sensor.NewSet(sysfs.OS(), sysfs.Exec(), sensor.Options{
		Mount: cfg.Mount,
		Thermal: sensor.ThermalOptions{
			MinTemp: cfg.MinTemp,
			MaxTemp: cfg.MaxTemp,
		},
		Graphics: sensor.GraphicsOptions{
			NVML:     cfg.NVML,
			CardScan: cfg.CardScan,
		},
	}, logger.New("sensor"))
}
