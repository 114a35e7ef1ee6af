// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/config"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/catalogue"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/evaluator"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/journal"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/report"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/runner"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/sink"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/store"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/telemetry"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
	"github.com/AleutianAI/blimpeval/pkg/logging"
)

const (
	envRank      = "RANK"
	envWorldSize = "WORLD_SIZE"

	telemetryShutdownTimeout = 10 * time.Second
)

func newRunCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <model_path> <model_type>",
		Short: "Evaluate this worker's share of the benchmark",
		Long:  "Evaluate this worker's share of the benchmark.\n\nUsage: blimpeval run " + modelArgsUsage(),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, g, f, args[0], args[1], stdout, stderr)
		},
	}
	addTaskFlags(cmd, f)
	addModelFlags(cmd, f)
	addWorkerFlags(cmd, f)
	return cmd
}

// runWorker wires the collaborators for one worker and runs it.
//
// Everything that can be rejected without touching the model (config
// file, architecture, worker identity, options) is checked first.
func runWorker(cmd *cobra.Command, g *globalFlags, f *runFlags, modelPath, modelType string, stdout, stderr io.Writer) error {
	ctx := cmd.Context()

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	backend, err := evaluator.ParseArchitecture(modelType)
	if err != nil {
		return err
	}
	index, count, err := workerIdentity(cmd, f)
	if err != nil {
		return err
	}
	policy, err := cfg.Retry.Policy()
	if err != nil {
		return err
	}

	opts := runner.Options{
		ModelPath:         modelPath,
		Backend:           backend,
		Selector:          f.tasks,
		Device:            f.device,
		TrustRemoteCode:   f.trustRemoteCode,
		WorkerIndex:       index,
		WorkerCount:       count,
		DryRun:            f.dryRun,
		NumFewshot:        f.numFewshot,
		Seed:              evaluator.DefaultSeed,
		RunAnalysis:       f.runAoA,
		AnalysisBatchSize: cfg.Analysis.BatchSize,
		RunID:             uuid.NewString(),
	}
	registry := catalogue.Builtin()
	if err := opts.Validate(registry); err != nil {
		return err
	}

	logCfg, err := cfg.Logging.Logger(g.logLevel)
	if err != nil {
		return util.NewConfigurationError("log-level", g.logLevel, util.ErrInvalidOption, err.Error())
	}
	logCfg.Output = stderr
	logger := logging.New(logCfg)
	defer logger.Close()

	st, err := store.New(modelPath)
	if err != nil {
		return err
	}

	provider := openTelemetry(ctx, cfg, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter("blimpeval"))
	if err != nil {
		return err
	}

	var j *journal.Journal
	if cfg.Journal.Enabled {
		jcfg := journal.DefaultConfig(journal.WorkerDir(cfg.Journal.Path(modelPath), index))
		jcfg.Logger = logger.Slog()
		j, err = journal.Open(jcfg)
		if err != nil {
			logger.Warn("journal disabled", "error", err)
			j = nil
		} else {
			defer j.Close()
		}
	}

	fanout := sink.NewFanout(logger, func(name string, _ error) {
		metrics.RecordSinkError(context.Background(), name)
	}, openSinks(ctx, cfg, modelPath, logger)...)
	defer func() {
		if err := fanout.Close(); err != nil {
			logger.Warn("closing sinks failed", "error", err)
		}
	}()

	r, err := runner.New(opts, runner.Dependencies{
		Registry: registry,
		Loader:   evaluator.NewCommandLoader(cfg.Bridge.Command, cfg.Bridge.Env, logger),
		Analyzer: evaluator.NewCommandAnalyzer(),
		Store:    st,
		Reporter: report.New(stdout),
		Policy:   policy,
		Journal:  j,
		Sinks:    fanout,
		Metrics:  metrics,
		Tracer:   provider.Tracer("blimpeval"),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	_, err = r.Run(ctx)
	return err
}

// workerIdentity resolves the worker index and count. Explicit flags win
// over RANK/WORLD_SIZE, which win over the flag defaults.
func workerIdentity(cmd *cobra.Command, f *runFlags) (int, int, error) {
	index, count := f.processIndex, f.worldSize

	if !cmd.Flags().Changed("process-index") {
		if v, ok := os.LookupEnv(envRank); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, 0, util.NewConfigurationError(envRank, v, util.ErrWorkerRange, "not an integer")
			}
			index = n
		}
	}
	if !cmd.Flags().Changed("world-size") {
		if v, ok := os.LookupEnv(envWorldSize); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, 0, util.NewConfigurationError(envWorldSize, v, util.ErrWorkerRange, "not an integer")
			}
			count = n
		}
	}
	return index, count, nil
}

// openTelemetry starts the configured exporters. Telemetry never blocks a
// run: a provider that cannot be built is replaced by a no-op one.
func openTelemetry(ctx context.Context, cfg config.BlimpevalConfig, logger *logging.Logger) *telemetry.Provider {
	for _, note := range telemetry.UnsupportedEnv() {
		logger.Warn("ignoring telemetry environment", "detail", note)
	}
	tcfg := cfg.Telemetry.Provider(version)
	tcfg.Logger = logger.Slog()

	provider, err := telemetry.Init(ctx, tcfg)
	if err == nil {
		return provider
	}
	logger.Warn("telemetry disabled", "error", err)

	tcfg.TraceExporter = telemetry.ExporterNone
	tcfg.MetricExporter = telemetry.ExporterNone
	provider, _ = telemetry.Init(ctx, tcfg)
	return provider
}

// openSinks builds the enabled sinks. A sink that cannot be constructed is
// logged and skipped; exports never block a run.
func openSinks(ctx context.Context, cfg config.BlimpevalConfig, modelPath string, logger *logging.Logger) []sink.Sink {
	var sinks []sink.Sink

	if cfg.Sinks.Influx.Enabled {
		s, err := sink.NewInflux(cfg.Sinks.Influx.Sink())
		if err != nil {
			logger.Warn("influxdb sink disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Sinks.GCS.Enabled {
		s, err := sink.NewGCS(ctx, cfg.Sinks.GCS.Sink(), modelPath)
		if err != nil {
			logger.Warn("gcs sink disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks
}
