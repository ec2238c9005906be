package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lamim/selfplay/pkg/models"
)

// SessionManager owns one session directory under the output directory:
//
//	<output>/session_<timestamp>/
//	  session.log  games.jsonl  summary.json  config.toml.bak  checkpoints/
type SessionManager struct {
	outputDir  string
	sessionDir string
	resumed    bool
	logger     *slog.Logger
}

// NewSessionManager creates a timestamped session directory, or reopens
// resumeFromSession (a bare session_<timestamp> name) inside outputDir.
func NewSessionManager(outputDir string, logger *slog.Logger, resumeFromSession string) (*SessionManager, error) {
	if outputDir == "" {
		outputDir = "output"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var sessionDir string
	if resumeFromSession != "" {
		if err := ValidateSessionPath(outputDir, resumeFromSession); err != nil {
			return nil, err
		}
		sessionDir = filepath.Join(outputDir, resumeFromSession)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		logger.Info("Resuming in existing session directory", "path", sessionDir)
	} else {
		timestamp := time.Now().Format("2006-01-02T15-04-05")
		sessionDir = filepath.Join(outputDir, "session_"+timestamp)

		if err := os.MkdirAll(sessionDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		logger.Info("Created new session directory", "path", sessionDir)
	}

	return &SessionManager{
		outputDir:  outputDir,
		sessionDir: sessionDir,
		resumed:    resumeFromSession != "",
		logger:     logger,
	}, nil
}

// SessionDir returns the session directory path
func (sm *SessionManager) SessionDir() string {
	return sm.sessionDir
}

// Resumed reports whether the directory existed before this run
func (sm *SessionManager) Resumed() bool {
	return sm.resumed
}

// GameLogPath returns the path of the per-game JSONL log
func (sm *SessionManager) GameLogPath() string {
	return filepath.Join(sm.sessionDir, "games.jsonl")
}

// LogPath returns the path of the session log
func (sm *SessionManager) LogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// CheckpointDir returns the default checkpoint directory of the session
func (sm *SessionManager) CheckpointDir() string {
	return filepath.Join(sm.sessionDir, "checkpoints")
}

// SummaryPath returns the path of the end-of-session summary
func (sm *SessionManager) SummaryPath() string {
	return filepath.Join(sm.sessionDir, "summary.json")
}

// ConfigBackupPath returns the path of the config backup
func (sm *SessionManager) ConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// BackupConfig copies the config file into the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.ConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}

// Summary is written to summary.json when a session ends
type Summary struct {
	Stats      models.SessionStats       `json:"stats"`
	Seeds      *models.SeedConfiguration `json:"seeds,omitempty"`
	Iterations []models.IterationMetrics `json:"iterations"`
	Error      string                    `json:"error,omitempty"`
}

// WriteSummary writes summary.json atomically, replacing an earlier summary
func (sm *SessionManager) WriteSummary(s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	path := sm.SummaryPath()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp summary: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename summary: %w", err)
	}

	sm.logger.Debug("Session summary written", "path", path)
	return nil
}
