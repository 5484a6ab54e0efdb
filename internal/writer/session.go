// Package writer owns everything the pipeline leaves on disk: the session
// directory layout, run logging, and the category-partitioned export files.
package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lamim/sdgforge/internal/buffer"
)

// StatsFilename is the run statistics file written on successful completion.
// Its presence marks a session as finished.
const StatsFilename = "run_stats.json"

// SessionManager manages session directories and files
type SessionManager struct {
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates or reopens a session directory. An empty
// resumeFromSession starts a fresh timestamped session; otherwise the named
// session must already exist.
func NewSessionManager(logger *slog.Logger, outputDir, resumeFromSession string) (*SessionManager, error) {
	if outputDir == "" {
		outputDir = "output"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var sessionDir string
	if resumeFromSession != "" {
		sessionDir = filepath.Join(outputDir, resumeFromSession)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		logger.Info("Resuming from existing session", "path", sessionDir)
	} else {
		timestamp := time.Now().Format("2006-01-02T15-04-05")
		sessionDir = filepath.Join(outputDir, "session_"+timestamp)

		if err := os.MkdirAll(sessionDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}

		logger.Info("Created new session directory", "path", sessionDir)
	}

	return &SessionManager{
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetCheckpointPath returns the full path to the checkpoint log
func (sm *SessionManager) GetCheckpointPath() string {
	return filepath.Join(sm.sessionDir, buffer.LogFilename)
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetConfigBackupPath returns the full path to the config backup
func (sm *SessionManager) GetConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// GetStatsPath returns the full path to the run statistics file
func (sm *SessionManager) GetStatsPath() string {
	return filepath.Join(sm.sessionDir, StatsFilename)
}

// WriteStats persists the final run statistics next to the exported files
func (sm *SessionManager) WriteStats(stats any) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run stats: %w", err)
	}
	if err := os.WriteFile(sm.GetStatsPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write run stats: %w", err)
	}
	return nil
}

// BackupConfig copies the config file to the session directory so a resumed
// run can be checked against the settings that produced the checkpoint
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
