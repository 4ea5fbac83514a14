package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/vitalsd/internal/config"
	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/history"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/pid"
	"codeberg.org/mutker/vitalsd/internal/sink"
	"codeberg.org/mutker/vitalsd/internal/vitals"
	"github.com/spf13/cobra"
)

func runCommand(cmd *cobra.Command) error {
	pidFile := pid.New(cfg.PIDFile)
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	histCfg := history.DefaultConfig()
	histCfg.Enabled = cfg.History
	histCfg.DBPath = cfg.HistoryDB
	recorder, err := history.NewService(histCfg, logger.New("history"))
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logError(err, "Failed to close history")
		}
	}()

	store := config.NewStore(vpr, logger.New("config"))
	if cfg.ConfigFile != "" {
		store.Watch()
	}

	var sinks sink.Multi
	if logger.IsService() {
		sinks = append(sinks, sink.NewConsole(logger.New("sink")))
	} else {
		term := sink.NewTerminal(cmd.OutOrStdout())
		defer term.Follow(store)()
		sinks = append(sinks, term)
	}
	if !recorder.IsNoop() {
		sinks = append(sinks, sink.NewHistory(recorder, nil, logger.New("history")))
	}

	var opts vitals.Options
	opts.Logger = logger.New("vitals")

	var textfile *sink.Textfile
	if cfg.Textfile != "" {
		textfile = sink.NewTextfile(cfg.Textfile, 0, logger.New("textfile"))
		sinks = append(sinks, textfile)
		opts.OnFailure = textfile.ProbeFailed
		opts.OnTrip = textfile.Tripped
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sys, err := vitals.New(ctx, store, sinks, newSources(), opts)
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		sys.Teardown()
		return err
	}

	handleSignals(ctx, sys)
	sys.Teardown()

	if textfile != nil {
		if err := textfile.Flush(); err != nil {
			logError(err, "Failed to write final textfile")
		}
	}
	logger.Info().Msg("Exiting...")

	return nil
}

// logError logs err with its code when it carries one.
func logError(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}

// handleSignals blocks until SIGINT or SIGTERM. SIGHUP resets every breaker.
func handleSignals(ctx context.Context, sys *vitals.Subsystem) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("Received SIGHUP, resetting sources")
				sys.ResetAll()
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Received termination signal.")
			return
		}
	}
}
