package writer

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lamim/selfplay/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSession(t testing.TB) *SessionManager {
	t.Helper()
	sm, err := NewSessionManager(t.TempDir(), testLogger(), "")
	if err != nil {
		t.Fatalf("NewSessionManager() failed: %v", err)
	}
	return sm
}

func sampleResult(i int) models.SelfPlayGameResult {
	return models.SelfPlayGameResult{
		GameID:            fmt.Sprintf("game-%d", i),
		GameIndex:         i,
		WhitePolicy:       "candidate",
		GameLength:        7,
		GameOutcome:       models.OutcomeWhiteWins,
		TerminationReason: models.TerminationGameEnded,
		GameDuration:      1500 * time.Microsecond,
		Experiences: []models.EnhancedExperience{
			{QualityScore: 0.8},
			{QualityScore: 0.4},
		},
		DomainMetrics: map[string]float64{"illegal_actions": 0},
		FinalPosition: "XXX\nOO.\n...",
	}
}

func TestGameLogWritesRecords(t *testing.T) {
	sm := testSession(t)
	log, err := NewGameLog(sm, testLogger(), false)
	if err != nil {
		t.Fatalf("NewGameLog() failed: %v", err)
	}
	log.SetSessionID("s1")

	for i := 0; i < 3; i++ {
		if err := log.WriteGame(sampleResult(i)); err != nil {
			t.Fatalf("WriteGame() failed: %v", err)
		}
	}
	if log.Written() != 3 {
		t.Errorf("Written() = %d, want 3", log.Written())
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	records, err := ReadGameLog(sm.GameLogPath())
	if err != nil {
		t.Fatalf("ReadGameLog() failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	r := records[1]
	if r.GameID != "game-1" || r.SessionID != "s1" || r.Experiences != 2 {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.AverageQuality < 0.599 || r.AverageQuality > 0.601 {
		t.Errorf("AverageQuality = %f, want 0.6", r.AverageQuality)
	}
	if r.DurationMillis != 1 {
		t.Errorf("DurationMillis = %d, want 1", r.DurationMillis)
	}
	if r.TerminationReason != models.TerminationGameEnded {
		t.Errorf("TerminationReason = %s", r.TerminationReason)
	}
}

func TestGameLogAppendMode(t *testing.T) {
	sm := testSession(t)

	first, err := NewGameLog(sm, testLogger(), false)
	if err != nil {
		t.Fatal(err)
	}
	_ = first.WriteGame(sampleResult(0))
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := NewGameLog(sm, testLogger(), true)
	if err != nil {
		t.Fatal(err)
	}
	_ = second.WriteGame(sampleResult(1))
	if err := second.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := ReadGameLog(sm.GameLogPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("append mode kept %d records, want 2", len(records))
	}

	// Truncating mode starts over
	third, err := NewGameLog(sm, testLogger(), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := third.Close(); err != nil {
		t.Fatal(err)
	}
	records, err = ReadGameLog(sm.GameLogPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("truncating mode kept %d records, want 0", len(records))
	}
}

func TestGameLogConcurrentWrites(t *testing.T) {
	sm := testSession(t)
	log, err := NewGameLog(sm, testLogger(), false)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := log.WriteGame(sampleResult(w*100 + i)); err != nil {
					t.Errorf("WriteGame() failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := ReadGameLog(sm.GameLogPath())
	if err != nil {
		t.Fatalf("interleaved lines: %v", err)
	}
	if len(records) != 200 {
		t.Errorf("got %d records, want 200", len(records))
	}
}

func TestReadGameLogReportsBadLine(t *testing.T) {
	sm := testSession(t)
	if err := os.WriteFile(sm.GameLogPath(), []byte("{\"game_id\":\"a\"}\nnot json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadGameLog(sm.GameLogPath())
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("ReadGameLog() error = %v, want line 2", err)
	}
}

func TestSetupLoggerWritesBothDestinations(t *testing.T) {
	sm := testSession(t)
	var console bytes.Buffer

	logger, file, err := SetupLogger(sm, slog.LevelInfo, &console)
	if err != nil {
		t.Fatalf("SetupLogger() failed: %v", err)
	}
	logger.With("session_id", "s1").Info("Iteration completed", "iteration", 3)
	logger.Debug("Worker started")
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(console.String(), "Iteration completed") {
		t.Errorf("console missing info record: %q", console.String())
	}
	if strings.Contains(console.String(), "Worker started") {
		t.Error("console should not carry debug records at info level")
	}

	data, err := os.ReadFile(sm.LogPath())
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, `"session_id":"s1"`) || !strings.Contains(content, `"iteration":3`) {
		t.Errorf("session log missing JSON attributes: %s", content)
	}
	if !strings.Contains(content, "Worker started") {
		t.Error("session log should carry debug records")
	}
}
