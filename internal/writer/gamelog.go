package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lamim/selfplay/pkg/models"
)

// GameRecord is one line of games.jsonl
type GameRecord struct {
	Timestamp         time.Time                `json:"timestamp"`
	SessionID         string                   `json:"session_id,omitempty"`
	GameID            string                   `json:"game_id"`
	GameIndex         int                      `json:"game_index"`
	WhitePolicy       string                   `json:"white_policy"`
	GameLength        int                      `json:"game_length"`
	GameOutcome       models.GameOutcome       `json:"game_outcome"`
	TerminationReason models.TerminationReason `json:"termination_reason"`
	DurationMillis    int64                    `json:"duration_ms"`
	Experiences       int                      `json:"experiences"`
	AverageQuality    float64                  `json:"average_quality"`
	IllegalActions    int                      `json:"illegal_actions"`
	DomainMetrics     map[string]float64       `json:"domain_metrics,omitempty"`
	FinalPosition     string                   `json:"final_position,omitempty"`
}

// GameLog appends completed game summaries to a JSONL file. It is safe for
// concurrent use by game workers.
type GameLog struct {
	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	sessionID string
	written   int
	logger    *slog.Logger
}

// NewGameLog opens the session's games.jsonl. In append mode an existing log
// is extended, otherwise it is truncated.
func NewGameLog(sessionMgr *SessionManager, logger *slog.Logger, appendMode bool) (*GameLog, error) {
	path := sessionMgr.GameLogPath()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open game log: %w", err)
	}

	logger.Info("Opened game log", "path", path, "append", appendMode)

	return &GameLog{
		file:   file,
		buf:    bufio.NewWriter(file),
		logger: logger,
	}, nil
}

// SetSessionID tags subsequent records
func (g *GameLog) SetSessionID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = id
}

// WriteGame implements orchestrator.GameRecorder
func (g *GameLog) WriteGame(result models.SelfPlayGameResult) error {
	var quality float64
	for _, e := range result.Experiences {
		quality += e.QualityScore
	}
	if n := len(result.Experiences); n > 0 {
		quality /= float64(n)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	data, err := json.Marshal(GameRecord{
		Timestamp:         time.Now().UTC(),
		SessionID:         g.sessionID,
		GameID:            result.GameID,
		GameIndex:         result.GameIndex,
		WhitePolicy:       result.WhitePolicy,
		GameLength:        result.GameLength,
		GameOutcome:       result.GameOutcome,
		TerminationReason: result.TerminationReason,
		DurationMillis:    result.GameDuration.Milliseconds(),
		Experiences:       len(result.Experiences),
		AverageQuality:    quality,
		IllegalActions:    result.IllegalActions,
		DomainMetrics:     result.DomainMetrics,
		FinalPosition:     result.FinalPosition,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal game record: %w", err)
	}

	if _, err := g.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write game record: %w", err)
	}
	g.written++
	return nil
}

// Written returns the number of records written by this GameLog
func (g *GameLog) Written() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.written
}

// Flush writes buffered records to disk
func (g *GameLog) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush game log: %w", err)
	}
	return nil
}

// Close flushes and closes the game log
func (g *GameLog) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.buf.Flush(); err != nil {
		g.logger.Warn("Failed to flush game log", "error", err)
	}
	if err := g.file.Sync(); err != nil {
		g.logger.Warn("Failed to sync game log", "error", err)
	}
	if err := g.file.Close(); err != nil {
		return fmt.Errorf("failed to close game log: %w", err)
	}

	g.logger.Info("Closed game log", "games", g.written)
	return nil
}

// ReadGameLog decodes every record of a games.jsonl file
func ReadGameLog(path string) ([]GameRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open game log: %w", err)
	}
	defer f.Close()

	var records []GameRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r GameRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("game log line %d: %w", line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read game log: %w", err)
	}
	return records, nil
}
