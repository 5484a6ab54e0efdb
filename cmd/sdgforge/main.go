package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sdgforge",
		Short: "SDGForge - Synthetic Training Data Pipeline",
		Long: `SDGForge generates LLM training data end to end: it synthesizes
candidate samples from documents, existing datasets, or a teacher model,
has a student model attempt each one, rewrites the samples the student
could not solve, and exports the results partitioned by learnability.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the data synthesis pipeline",
		Long: `Run the complete synthesis pipeline:
1. Generate candidate samples from the configured source
2. Evaluate every sample against the student model
3. Refine samples the student failed and re-evaluate them
4. Categorize into solved / learnable / unsolved and export`,
		RunE: runPipeline,
	}
	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	resumeCmd := &cobra.Command{
		Use:   "resume <session-dir>",
		Short: "Resume an interrupted run from its checkpoint",
		Long:  "Resume a run from the checkpoint log in an existing session directory. Completed stage records are skipped; work restarts at the first incomplete stage.",
		Args:  cobra.ExactArgs(1),
		RunE:  resumeRun,
	}
	resumeCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	resumeCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	resumeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoint logs",
		Long:  "Inspect the checkpoint logs of past sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions that have a checkpoint log",
		RunE:  listCheckpoints,
	}
	listCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	inspectCmd := &cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Show per-stage progress recorded in a session's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}
	inspectCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	checkpointCmd.AddCommand(listCmd)
	checkpointCmd.AddCommand(inspectCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
