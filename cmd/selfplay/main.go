package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/muesli/termenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lamim/selfplay/internal/checkpoint"
	"github.com/lamim/selfplay/internal/config"
	"github.com/lamim/selfplay/internal/metrics"
	"github.com/lamim/selfplay/internal/sim"
	"github.com/lamim/selfplay/internal/training"
	"github.com/lamim/selfplay/internal/writer"
	"github.com/lamim/selfplay/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	resumeFrom  string
	sessionName string
	overrides   []string
	backend     string
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "selfplay",
		Short: "selfplay - Self-play training orchestrator",
		Long: `selfplay runs iterative self-play training sessions: concurrent games
feed a replay buffer, a learner trains on sampled batches, and versioned
checkpoints make every session resumable.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training session",
		Long: `Run a training session. Each iteration:
1. Plays a batch of self-play games concurrently
2. Stores the enriched experiences in the replay buffer
3. Trains the policy on sampled batches (standard controller only)
4. Optional: Plays an evaluation match against a uniform baseline
5. Writes a checkpoint when due`,
		RunE: runTraining,
	}

	trainCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file (defaults are used if it does not exist)")
	trainCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	trainCmd.Flags().StringVar(&resumeFrom, "resume", "", "Checkpoint file or directory to resume from")
	trainCmd.Flags().StringVar(&sessionName, "session", "", "Continue in an existing session directory (e.g. session_2026-01-02T15-04-05)")
	trainCmd.Flags().StringArrayVar(&overrides, "set", nil, "Adjust a session parameter (name=value, repeatable)")
	trainCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  writeExampleConfig,
	}

	// Checkpoint management commands
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoints",
		Long:  "Inspect and verify policy checkpoints written by training sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list <checkpoint-dir>",
		Short: "List checkpoint versions",
		Long:  "List checkpoint versions in a directory, using its catalog when one exists",
		Args:  cobra.ExactArgs(1),
		RunE:  listCheckpoints,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Inspect a checkpoint",
		Long:  "Display the metadata stored with a checkpoint file, or the latest version in a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}
	inspectCmd.Flags().StringVar(&configPath, "config", "", "Configuration to check resume compatibility against")

	verifyCmd := &cobra.Command{
		Use:   "verify <checkpoint>",
		Short: "Check that a checkpoint can be loaded",
		Long:  "Resolve a checkpoint path and report whether the requested backend can read it",
		Args:  cobra.ExactArgs(1),
		RunE:  verifyCheckpoint,
	}
	verifyCmd.Flags().StringVar(&backend, "backend", "", "Backend to verify against (archive, plain; empty detects)")

	checkpointCmd.AddCommand(listCmd)
	checkpointCmd.AddCommand(inspectCmd)
	checkpointCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkpointCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTraining(cmd *cobra.Command, args []string) error {
	// Load environment variables from file if it exists
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
			}
		} else if verbose {
			fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
		}
	}

	// A missing default config file means built-in defaults
	path := configPath
	if _, err := os.Stat(path); err != nil {
		if cmd.Flags().Changed("config") {
			return fmt.Errorf("config file not found: %s", path)
		}
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if resumeFrom != "" {
		cfg.Session.ResumeFrom = resumeFrom
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	sessionMgr, err := writer.NewSessionManager(cfg.Session.OutputDir, slog.Default(), sessionName)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel, nil)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
	}()

	logger.Info("selfplay starting",
		"version", Version,
		"session_dir", sessionMgr.SessionDir(),
		"controller", cfg.Session.ControllerType,
		"iterations", cfg.Session.Iterations)

	if path != "" {
		if err := sessionMgr.BackupConfig(path); err != nil {
			logger.Warn("Failed to backup config", "error", err)
		}
	}

	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = sessionMgr.CheckpointDir()
	}
	// A reused session continues from its own checkpoints
	if sessionMgr.Resumed() && cfg.Session.ResumeFrom == "" {
		if infos, err := checkpoint.ListDir(sessionMgr.CheckpointDir()); err == nil && len(infos) > 0 {
			cfg.Session.ResumeFrom = sessionMgr.CheckpointDir()
			logger.Info("Resuming session from its latest checkpoint", "dir", cfg.Session.ResumeFrom)
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(logger)
		srv := serveMetrics(cfg.Metrics.ListenAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	gameLog, err := writer.NewGameLog(sessionMgr, logger, sessionMgr.Resumed())
	if err != nil {
		return fmt.Errorf("failed to open game log: %w", err)
	}
	defer func() {
		if err := gameLog.Close(); err != nil {
			logger.Error("Failed to close game log", "error", err)
		}
	}()

	policy := sim.NewTabularPolicy("candidate", cfg.Policy.Temperature, cfg.Policy.LearningRate)
	deps := training.Dependencies{
		NewEnv:    sim.Factory,
		Policy:    policy,
		Baseline:  sim.NewUniformPolicy("uniform"),
		Learner:   sim.NewLearner(policy),
		Recorder:  gameLog,
		Collector: collector,
	}
	if cfg.Policy.UseEvaluator {
		deps.Evaluator = sim.LineEvaluator{}
	}

	ctrl, err := training.NewController(deps, logger)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Configure(cfg); err != nil {
		return err
	}
	for _, raw := range overrides {
		update, err := training.ParseUpdate(raw)
		if err != nil {
			return fmt.Errorf("invalid --set: %w", err)
		}
		if res := ctrl.AdjustConfiguration(update, false); !res.OK() {
			return fmt.Errorf("invalid --set %s: %s", raw, res.Message)
		}
	}

	// Setup context with cancellation on interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Start(ctx, nil); err != nil {
		return fmt.Errorf("failed to start training: %w", err)
	}
	gameLog.SetSessionID(ctrl.SessionID())

	runErr := ctrl.Wait()

	summary := writer.Summary{
		Stats:      ctrl.Stats(),
		Iterations: ctrl.Metrics(),
	}
	if seeds, ok := ctrl.SeedConfiguration(); ok {
		summary.Seeds = &seeds
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if err := sessionMgr.WriteSummary(summary); err != nil {
		logger.Error("Failed to write session summary", "error", err)
	}

	stats := summary.Stats
	if runErr != nil {
		logger.Error("Training failed", "error", runErr, "iterations", stats.IterationsCompleted)
		return runErr
	}

	logger.Info("Training complete",
		"session_id", stats.SessionID,
		"iterations", stats.IterationsCompleted,
		"games", stats.GamesPlayed,
		"failed_games", stats.FailedGames,
		"experiences", stats.ExperiencesStored,
		"checkpoints", stats.CheckpointsWritten,
		"games_logged", gameLog.Written(),
		"duration", stats.TotalDuration,
		"output_dir", sessionMgr.SessionDir())

	return nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func writeExampleConfig(cmd *cobra.Command, args []string) error {
	path := "config.toml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.WriteExample(path); err != nil {
		return err
	}
	fmt.Printf("Wrote example configuration to %s\n", path)
	return nil
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	dir := args[0]

	var infos []models.CheckpointInfo
	var best, latest *models.CheckpointInfo

	catalogPath := filepath.Join(dir, checkpoint.CatalogFilename)
	if _, err := os.Stat(catalogPath); err == nil {
		ctx := cmd.Context()
		catalog, err := checkpoint.OpenCatalog(ctx, catalogPath)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		defer func() { _ = catalog.Close() }()

		if infos, err = catalog.List(ctx, ""); err != nil {
			return fmt.Errorf("failed to list catalog: %w", err)
		}
		latest, _ = catalog.Latest(ctx)
		best, _ = catalog.Best(ctx)
	} else {
		var err error
		if infos, err = checkpoint.ListDir(dir); err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		if len(infos) > 0 {
			latest = &infos[len(infos)-1]
			// highest performance, newest on ties
			best = &infos[0]
			for i := range infos {
				if infos[i].Metadata.Performance >= best.Metadata.Performance {
					best = &infos[i]
				}
			}
		}
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found")
		return nil
	}

	out := termenv.NewOutput(os.Stdout)
	fmt.Printf("\nFound %d checkpoint(s) in %s:\n\n", len(infos), dir)
	fmt.Printf("%-8s %-9s %-8s %-12s %-20s %s\n", "VERSION", "BACKEND", "CYCLE", "PERFORMANCE", "CREATED", "")
	fmt.Println(strings.Repeat("-", 80))

	for _, info := range infos {
		meta := info.Metadata
		var marks []string
		if latest != nil && meta.ID == latest.Metadata.ID {
			marks = append(marks, out.String("latest").Foreground(out.Color("4")).String())
		}
		if best != nil && meta.ID == best.Metadata.ID {
			marks = append(marks, out.String("best").Foreground(out.Color("2")).Bold().String())
		}
		fmt.Printf("v%-7d %-9s %-8d %-12.3f %-20s %s\n",
			meta.Version,
			info.Backend,
			meta.Cycle,
			meta.Performance,
			meta.CreatedAt.Format("2006-01-02 15:04:05"),
			strings.Join(marks, " "))
	}
	fmt.Println()

	return nil
}

func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	meta, res, err := checkpoint.ReadMetadata(args[0], models.BackendAuto)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Checkpoint v%d: %s\n", meta.Version, res.Path)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("ID:           %s\n", meta.ID)
	fmt.Printf("Session:      %s\n", meta.SessionID)
	fmt.Printf("Backend:      %s (%s container)\n", meta.Backend, res.Format)
	fmt.Printf("Created:      %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Cycle:        %d\n", meta.Cycle)
	fmt.Printf("Performance:  %.3f\n", meta.Performance)
	fmt.Printf("Config hash:  %s\n", meta.ConfigHash)
	if meta.Description != "" {
		fmt.Printf("Description:  %s\n", meta.Description)
	}
	if meta.SeedConfiguration != nil {
		fmt.Printf("Master seed:  %d (deterministic: %t)\n",
			meta.SeedConfiguration.MasterSeed, meta.SeedConfiguration.IsDeterministic)
	}

	if len(meta.TrainingMetrics) > 0 {
		fmt.Println("\nTraining metrics:")
		for _, name := range slices.Sorted(maps.Keys(meta.TrainingMetrics)) {
			fmt.Printf("  %-22s %.4f\n", name, meta.TrainingMetrics[name])
		}
	}

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		fmt.Println("\nResume:")
		fmt.Printf("  Progress:   %.1f%% (%d iterations remaining)\n",
			checkpoint.ProgressPercentage(meta, cfg), checkpoint.RemainingIterations(meta, cfg))
		if err := checkpoint.ValidateCheckpoint(meta, cfg); err != nil {
			fmt.Printf("  Compatible: no (%v)\n", err)
		} else {
			fmt.Println("  Compatible: yes")
		}
	}
	fmt.Println()

	return nil
}

func verifyCheckpoint(cmd *cobra.Command, args []string) error {
	res := checkpoint.ResolveCheckpointPath(args[0], models.Backend(backend))

	out := termenv.NewOutput(os.Stdout)
	status := out.String(strings.ToUpper(string(res.Kind)))
	if res.OK() {
		status = status.Foreground(out.Color("2"))
	} else {
		status = status.Foreground(out.Color("1"))
	}

	fmt.Printf("Status:   %s\n", status)
	if res.Path != "" {
		fmt.Printf("Path:     %s\n", res.Path)
	}
	if res.Format != "" {
		fmt.Printf("Format:   %s\n", res.Format)
	}
	if res.Backend != "" {
		fmt.Printf("Backend:  %s\n", res.Backend)
	}
	if res.Message != "" {
		fmt.Printf("Message:  %s\n", res.Message)
	}
	if res.Suggestion != "" {
		fmt.Printf("Suggest:  %s\n", res.Suggestion)
	}

	return res.Err()
}
