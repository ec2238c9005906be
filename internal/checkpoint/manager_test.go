package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lamim/selfplay/pkg/models"
)

// fakePolicy stores a weight map. Load rejects states with a negative "reject" weight.
type fakePolicy struct {
	Weights map[string]float64 `json:"weights"`
}

func (p *fakePolicy) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(p)
}

func (p *fakePolicy) Load(r io.Reader) error {
	var next fakePolicy
	if err := json.NewDecoder(r).Decode(&next); err != nil {
		return err
	}
	if next.Weights["reject"] < 0 {
		return errors.New("rejected state")
	}
	p.Weights = next.Weights
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, backend models.Backend) *Manager {
	t.Helper()
	mgr, err := NewManager(Options{
		Dir:        filepath.Join(t.TempDir(), "checkpoints"),
		Backend:    backend,
		SessionID:  "session-1",
		ConfigHash: "abc123",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return mgr
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager(Options{}, testLogger()); err == nil {
		t.Error("NewManager() should require a directory")
	}
	if _, err := NewManager(Options{Dir: t.TempDir(), Backend: "pickle"}, testLogger()); err == nil {
		t.Error("NewManager() should reject unknown backends")
	}

	mgr := newTestManager(t, models.BackendAuto)
	if mgr.backend != models.BackendArchive {
		t.Errorf("auto backend should write archives, got %s", mgr.backend)
	}
	if _, err := os.Stat(mgr.Dir()); err != nil {
		t.Errorf("checkpoint directory not created: %v", err)
	}
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	for _, backend := range []models.Backend{models.BackendArchive, models.BackendPlain} {
		t.Run(string(backend), func(t *testing.T) {
			mgr := newTestManager(t, backend)
			policy := &fakePolicy{Weights: map[string]float64{"a": 1.5, "b": -2}}

			info, err := mgr.CreateCheckpoint(policy, 3, models.CheckpointMetadata{
				Performance:     0.75,
				Description:     "after iteration 3",
				TrainingMetrics: map[string]float64{"average_loss": 0.42, "win_rate": 0.75},
				SeedConfiguration: &models.SeedConfiguration{
					MasterSeed:      42,
					ComponentSeeds:  map[models.ComponentName]int64{models.ComponentReplay: 7},
					IsDeterministic: true,
				},
			})
			if err != nil {
				t.Fatalf("CreateCheckpoint() failed: %v", err)
			}
			if info.Metadata.Version != 1 || info.Metadata.Cycle != 3 {
				t.Errorf("unexpected version/cycle: %+v", info.Metadata)
			}
			if info.Metadata.SessionID != "session-1" || info.Metadata.ConfigHash != "abc123" {
				t.Errorf("manager fields not filled: %+v", info.Metadata)
			}

			restored := &fakePolicy{}
			meta, err := mgr.LoadCheckpoint(info.Path, backend, restored)
			if err != nil {
				t.Fatalf("LoadCheckpoint() failed: %v", err)
			}
			if restored.Weights["a"] != 1.5 || restored.Weights["b"] != -2 {
				t.Errorf("policy not restored: %+v", restored.Weights)
			}
			if meta.TrainingMetrics["average_loss"] != 0.42 || meta.TrainingMetrics["win_rate"] != 0.75 {
				t.Errorf("training metrics not restored: %+v", meta.TrainingMetrics)
			}
			if meta.SeedConfiguration == nil || meta.SeedConfiguration.ComponentSeeds[models.ComponentReplay] != 7 {
				t.Errorf("seed configuration not restored: %+v", meta.SeedConfiguration)
			}
			if meta.Backend != backend {
				t.Errorf("backend = %s, want %s", meta.Backend, backend)
			}
		})
	}
}

func TestVersionsAreMonotonicAndImmutable(t *testing.T) {
	mgr := newTestManager(t, models.BackendArchive)
	policy := &fakePolicy{Weights: map[string]float64{"a": 1}}

	var paths []string
	for i := 1; i <= 3; i++ {
		info, err := mgr.CreateCheckpoint(policy, i, models.CheckpointMetadata{})
		if err != nil {
			t.Fatalf("CreateCheckpoint() failed: %v", err)
		}
		if info.Metadata.Version != i {
			t.Errorf("version = %d, want %d", info.Metadata.Version, i)
		}
		paths = append(paths, info.Path)
	}

	before, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}

	// A new manager on the same directory continues the sequence
	again, err := NewManager(Options{Dir: mgr.Dir()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	info, err := again.CreateCheckpoint(policy, 4, models.CheckpointMetadata{})
	if err != nil {
		t.Fatalf("CreateCheckpoint() failed: %v", err)
	}
	if info.Metadata.Version != 4 {
		t.Errorf("version = %d, want 4", info.Metadata.Version)
	}

	after, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("existing checkpoint was rewritten")
	}

	if err := writeImmutable(paths[1], []byte("x")); err == nil {
		t.Error("writeImmutable() should refuse an existing path")
	}
}

func TestConcurrentCreateAllocatesDistinctVersions(t *testing.T) {
	mgr := newTestManager(t, models.BackendPlain)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &fakePolicy{Weights: map[string]float64{"i": float64(i)}}
			if _, err := mgr.CreateCheckpoint(p, i, models.CheckpointMetadata{}); err != nil {
				t.Errorf("CreateCheckpoint() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	infos, err := mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 8 {
		t.Fatalf("List() returned %d checkpoints, want 8", len(infos))
	}
	for i, info := range infos {
		if info.Metadata.Version != i+1 {
			t.Errorf("infos[%d].Version = %d, want %d", i, info.Metadata.Version, i+1)
		}
	}
}

func TestLoadIsAllOrNothing(t *testing.T) {
	mgr := newTestManager(t, models.BackendArchive)
	bad := &fakePolicy{Weights: map[string]float64{"reject": -1}}
	info, err := mgr.CreateCheckpoint(bad, 1, models.CheckpointMetadata{})
	if err != nil {
		t.Fatal(err)
	}

	live := &fakePolicy{Weights: map[string]float64{"keep": 9}}
	if _, err := mgr.LoadCheckpoint(info.Path, models.BackendAuto, live); err == nil {
		t.Fatal("LoadCheckpoint() should fail when the policy rejects the state")
	}
	if len(live.Weights) != 1 || live.Weights["keep"] != 9 {
		t.Errorf("policy changed by failed load: %+v", live.Weights)
	}
}

func TestLoadErrors(t *testing.T) {
	mgr := newTestManager(t, models.BackendArchive)
	policy := &fakePolicy{Weights: map[string]float64{"a": 1}}
	info, err := mgr.CreateCheckpoint(policy, 1, models.CheckpointMetadata{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = mgr.LoadCheckpoint(filepath.Join(mgr.Dir(), "missing.zip"), models.BackendAuto, policy)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file error = %v, want ErrNotFound", err)
	}

	_, err = mgr.LoadCheckpoint(info.Path, models.BackendPlain, policy)
	if !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("wrong backend error = %v, want ErrFormatMismatch", err)
	}

	foreign := filepath.Join(mgr.Dir(), "foreign.json")
	if err := os.WriteFile(foreign, []byte(`{"hello":"world"}`), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = mgr.LoadCheckpoint(foreign, models.BackendAuto, policy)
	if !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("foreign JSON error = %v, want ErrFormatMismatch", err)
	}
}

func TestLatestAndBest(t *testing.T) {
	mgr := newTestManager(t, models.BackendArchive)
	if _, err := mgr.Latest(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest() on empty dir = %v, want ErrNotFound", err)
	}

	policy := &fakePolicy{Weights: map[string]float64{}}
	for i, perf := range []float64{0.2, 0.9, 0.5, 0.9} {
		if _, err := mgr.CreateCheckpoint(policy, i+1, models.CheckpointMetadata{Performance: perf}); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := mgr.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Metadata.Version != 4 {
		t.Errorf("Latest() version = %d, want 4", latest.Metadata.Version)
	}

	best, err := mgr.Best()
	if err != nil {
		t.Fatal(err)
	}
	if best.Metadata.Version != 4 || best.Metadata.Performance != 0.9 {
		t.Errorf("Best() = v%d perf %.2f, want v4 perf 0.90", best.Metadata.Version, best.Metadata.Performance)
	}
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	catalog, err := OpenCatalog(ctx, filepath.Join(dir, CatalogFilename))
	if err != nil {
		t.Fatalf("OpenCatalog() failed: %v", err)
	}
	defer catalog.Close()

	mgr, err := NewManager(Options{Dir: dir, SessionID: "s1", Catalog: catalog}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	policy := &fakePolicy{Weights: map[string]float64{}}
	for i, perf := range []float64{0.3, 0.8, 0.1} {
		if _, err := mgr.CreateCheckpoint(policy, i+1, models.CheckpointMetadata{Performance: perf}); err != nil {
			t.Fatal(err)
		}
	}
	mgr.SetSessionID("s2")
	if _, err := mgr.CreateCheckpoint(policy, 1, models.CheckpointMetadata{Performance: 0.5}); err != nil {
		t.Fatal(err)
	}

	all, err := mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("List() returned %d rows, want 4", len(all))
	}

	s1, err := catalog.List(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 3 {
		t.Errorf("List(s1) returned %d rows, want 3", len(s1))
	}

	best, err := mgr.Best()
	if err != nil {
		t.Fatal(err)
	}
	if best.Metadata.Version != 2 {
		t.Errorf("Best() version = %d, want 2", best.Metadata.Version)
	}

	latest, err := mgr.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Metadata.SessionID != "s2" {
		t.Errorf("Latest() session = %s, want s2", latest.Metadata.SessionID)
	}

	// A fresh catalog rebuilt from the files sees the same versions
	rebuilt, err := OpenCatalog(ctx, filepath.Join(t.TempDir(), "rebuilt.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer rebuilt.Close()
	n, err := rebuilt.Sync(ctx, dir)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Sync() recorded %d checkpoints, want 4", n)
	}
}
