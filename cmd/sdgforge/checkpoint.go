package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lamim/sdgforge/internal/buffer"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/pipeline"
	"github.com/lamim/sdgforge/internal/writer"
	"github.com/lamim/sdgforge/pkg/models"
)

// outputDir resolves the session root without requiring a valid config:
// checkpoint commands should work even when the config has moved on.
func outputDir() string {
	if cfg, _, err := config.Load(configPath); err == nil && cfg.Run.OutputDir != "" {
		return cfg.Run.OutputDir
	}
	return "output"
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	dir := outputDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No sessions found")
			return nil
		}
		return fmt.Errorf("failed to read output directory: %w", err)
	}

	type session struct {
		name     string
		records  int
		finished bool
	}
	var sessions []session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), buffer.LogFilename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_, statErr := os.Stat(filepath.Join(dir, e.Name(), writer.StatsFilename))
		log, err := buffer.Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			sessions = append(sessions, session{name: e.Name(), records: -1})
			continue
		}
		sessions = append(sessions, session{name: e.Name(), records: log.Len(), finished: statErr == nil})
		_ = log.Close()
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions with checkpoints found")
		return nil
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].name < sessions[j].name })

	fmt.Printf("Sessions under %s:\n", dir)
	for _, s := range sessions {
		if s.records < 0 {
			fmt.Printf("  %s  (corrupt checkpoint)\n", s.name)
			continue
		}
		state := "resumable"
		if s.finished {
			state = "complete"
		}
		fmt.Printf("  %s  %d records  %s\n", s.name, s.records, state)
	}
	return nil
}

func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	sessionDir := filepath.Join(outputDir(), filepath.Base(args[0]))
	path := filepath.Join(sessionDir, buffer.LogFilename)

	log, err := buffer.Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer log.Close()

	records := log.Records()
	byStage := make(map[models.Stage]int)
	errors := 0
	tokens := 0
	history := make(map[string][]models.StageRecord)
	for _, rec := range records {
		byStage[rec.Stage]++
		tokens += rec.Usage.Tokens
		if rec.Status == models.StatusError {
			errors++
		}
		history[rec.Fingerprint] = append(history[rec.Fingerprint], rec)
	}

	byCategory := make(map[models.Category]int)
	for _, recs := range history {
		byCategory[pipeline.Categorize(recs)]++
	}

	fmt.Printf("Checkpoint: %s\n", path)
	fmt.Printf("Records:    %d (%d errors)\n", len(records), errors)
	fmt.Printf("Samples:    %d\n", len(history))
	fmt.Printf("Tokens:     %d\n", tokens)
	fmt.Println("Per stage:")
	for _, stage := range []models.Stage{
		models.StageGeneration,
		models.StageEvaluation,
		models.StageRefinement,
		models.StageFinalEvaluation,
	} {
		fmt.Printf("  %-17s %d\n", stage, byStage[stage])
	}
	fmt.Println("Categories so far:")
	for _, cat := range []models.Category{
		models.CategoryRaw,
		models.CategorySolved,
		models.CategoryLearnable,
		models.CategoryUnsolved,
	} {
		fmt.Printf("  %-10s %d\n", cat, byCategory[cat])
	}
	return nil
}
