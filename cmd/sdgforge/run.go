package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/buffer"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/executor"
	"github.com/lamim/sdgforge/internal/hfhub"
	"github.com/lamim/sdgforge/internal/pipeline"
	"github.com/lamim/sdgforge/internal/progress"
	"github.com/lamim/sdgforge/internal/retrieval"
	"github.com/lamim/sdgforge/internal/writer"
	"github.com/lamim/sdgforge/pkg/models"
)

func runPipeline(cmd *cobra.Command, args []string) error {
	return execute("")
}

func resumeRun(cmd *cobra.Command, args []string) error {
	return execute(args[0])
}

func execute(resumeSession string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if resumeSession != "" {
		cfg.Run.ResumeFromSession = filepath.Base(resumeSession)
	}
	resumeMode := cfg.Run.ResumeFromSession != ""

	sessionMgr, err := writer.NewSessionManager(slog.Default(), cfg.Run.OutputDir, cfg.Run.ResumeFromSession)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("SDGForge starting",
		"version", Version,
		"task", cfg.Task.Name,
		"source", cfg.Task.Source,
		"config", configPath,
		"session_dir", sessionMgr.GetSessionDir())

	if !resumeMode {
		if err := sessionMgr.BackupConfig(configPath); err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}

	apiClient := api.NewClient(logger)
	if len(cfg.ProviderRateLimits) > 0 {
		apiClient.SetProviderRateLimits(cfg.ProviderRateLimits)
		logger.Info("Provider rate limits configured", "providers", cfg.ProviderRateLimits)
	}

	var log *buffer.Log
	if cfg.Checkpoint.Disabled {
		logger.Warn("Checkpointing disabled - interrupted runs cannot be resumed")
		log = buffer.OpenMemory(logger)
	} else {
		log, err = buffer.Open(sessionMgr.GetCheckpointPath(), logger)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint log: %w", err)
		}
	}
	defer func() {
		if err := log.Close(); err != nil {
			logger.Error("Failed to close checkpoint log", "error", err)
		}
	}()
	if resumeMode {
		logger.Info("Loaded checkpoint", "records", log.Len())
	}

	deps := executor.Deps{
		Caller:  apiClient,
		Secrets: secrets,
		Logger:  logger,
	}
	switch cfg.Task.Source {
	case models.SourceLocal:
		retriever, err := retrieval.NewFileRetriever(cfg.Task.DocumentsDir, logger)
		if err != nil {
			return fmt.Errorf("failed to index documents: %w", err)
		}
		deps.Retriever = retriever
	case models.SourceWeb:
		deps.Searcher = hfhub.NewClient(secrets.APIKeys["huggingface"], logger)
	}

	exec, err := executor.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	exporter := writer.NewExporter(sessionMgr, cfg.Task.Name, cfg.Task.ExportFormat, logger)
	reporter := progress.New(logger, 64)
	consumerDone := consumeEvents(reporter.Events(), logger)

	pipe, err := pipeline.New(cfg, secrets, apiClient, apiClient, log, exec, exporter, reporter, logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := pipe.Run(ctx)
	<-consumerDone
	if err != nil {
		if ctx.Err() != nil {
			sessionDir := filepath.Base(sessionMgr.GetSessionDir())
			logger.Warn("Run interrupted - resume from checkpoint",
				"session_dir", sessionDir,
				"resume_command", fmt.Sprintf("sdgforge resume %s", sessionDir))
			return fmt.Errorf("run interrupted (resume with: sdgforge resume %s)", sessionDir)
		}
		return fmt.Errorf("run failed: %w", err)
	}

	if err := sessionMgr.WriteStats(stats); err != nil {
		logger.Error("Failed to write run stats", "error", err)
	}
	logger.Info("Run complete",
		"generated", stats.Generated,
		"solved", stats.Solved,
		"learnable", stats.Learnable,
		"unsolved", stats.Unsolved,
		"raw", stats.Raw,
		"errors", stats.ErrorCount,
		"tokens", stats.TotalTokens,
		"duration", stats.Elapsed,
		"session_dir", sessionMgr.GetSessionDir())
	return nil
}

// consumeEvents renders the progress stream until the terminal event
// arrives. The returned channel closes when rendering is done.
func consumeEvents(events <-chan models.ProgressEvent, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var bar *progressbar.ProgressBar
		for ev := range events {
			switch ev.Kind {
			case models.EventPhaseStarted:
				finishBar(bar)
				bar = nil
				if ev.Total > 0 {
					bar = progressbar.Default(int64(ev.Total), ev.Phase)
				} else {
					fmt.Fprintf(os.Stderr, "==> %s\n", ev.Phase)
				}
			case models.EventStepUpdate, models.EventStepComplete:
				if bar != nil {
					_ = bar.Set(ev.Completed)
				}
			case models.EventWarning:
				logger.Warn(ev.Message, "phase", ev.Phase)
			case models.EventError:
				logger.Warn("Sample failed", "phase", ev.Phase, "error", ev.Message)
			case models.EventRunComplete:
				finishBar(bar)
			case models.EventFatalError:
				finishBar(bar)
				logger.Error("Fatal error", "error", ev.Err)
			}
		}
	}()
	return done
}

func finishBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}
