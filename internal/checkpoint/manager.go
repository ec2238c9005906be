package checkpoint

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/selfplay/internal/metrics"
	"github.com/lamim/selfplay/pkg/models"
)

const (
	metadataEntry = "metadata.json"
	modelEntry    = "model.json"

	plainFormatTag = "selfplay-checkpoint"
)

// Snapshotter is the part of a policy a checkpoint captures
type Snapshotter interface {
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// Options configure a Manager
type Options struct {
	Dir        string
	Backend    models.Backend // BackendAuto writes archives
	SessionID  string
	ConfigHash string
	Catalog    *Catalog // optional SQLite index
	Collector  *metrics.Collector
}

// Manager writes immutable, versioned checkpoints to a directory
type Manager struct {
	dir        string
	backend    models.Backend
	configHash string
	catalog    *Catalog
	collector  *metrics.Collector
	logger     *slog.Logger

	mu        sync.Mutex // serializes version allocation and writes
	sessionID string
}

// plainDocument is the single-file JSON container
type plainDocument struct {
	Format   string                    `json:"format"`
	Metadata models.CheckpointMetadata `json:"metadata"`
	Model    []byte                    `json:"model"`
}

// NewManager creates a new checkpoint manager, creating the directory if needed
func NewManager(opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	backend := opts.Backend
	if backend == models.BackendAuto {
		backend = models.BackendArchive
	}
	if backend != models.BackendArchive && backend != models.BackendPlain {
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:        opts.Dir,
		backend:    backend,
		configHash: opts.ConfigHash,
		catalog:    opts.Catalog,
		collector:  opts.Collector,
		logger:     logger.With("component", "checkpoint"),
		sessionID:  opts.SessionID,
	}, nil
}

// Dir returns the checkpoint directory
func (m *Manager) Dir() string {
	return m.dir
}

// SetSessionID tags subsequent checkpoints with a new session
func (m *Manager) SetSessionID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
}

// CreateCheckpoint captures the policy and metadata as the next version. The
// caller must not mutate the policy concurrently. ID, SessionID, Version,
// Cycle, Backend, CreatedAt and ConfigHash in meta are filled by the manager.
func (m *Manager) CreateCheckpoint(policy Snapshotter, cycle int, meta models.CheckpointMetadata) (*models.CheckpointInfo, error) {
	start := time.Now()
	info, err := m.createCheckpoint(policy, cycle, meta)
	m.collector.RecordCheckpoint("create", time.Since(start), err == nil)
	return info, err
}

func (m *Manager) createCheckpoint(policy Snapshotter, cycle int, meta models.CheckpointMetadata) (*models.CheckpointInfo, error) {
	var model bytes.Buffer
	if err := policy.Save(&model); err != nil {
		return nil, fmt.Errorf("failed to snapshot policy: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := scanVersions(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint directory: %w", err)
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].version + 1
	}

	meta.ID = uuid.New().String()
	meta.SessionID = m.sessionID
	meta.Version = next
	meta.Cycle = cycle
	meta.Backend = m.backend
	meta.CreatedAt = time.Now().UTC()
	meta.ConfigHash = m.configHash

	var data []byte
	switch m.backend {
	case models.BackendPlain:
		data, err = encodePlain(meta, model.Bytes())
	default:
		data, err = encodeArchive(meta, model.Bytes())
	}
	if err != nil {
		return nil, err
	}

	path := filepath.Join(m.dir, fmt.Sprintf("checkpoint_v%04d.%s", next, extensionFor(m.backend)))
	if err := writeImmutable(path, data); err != nil {
		return nil, err
	}

	info := &models.CheckpointInfo{Path: path, Backend: m.backend, Metadata: meta}
	if m.catalog != nil {
		if err := m.catalog.Record(context.Background(), *info); err != nil {
			// The file is the source of truth; the catalog can be rebuilt by Sync
			m.logger.Warn("Failed to record checkpoint in catalog", "path", path, "error", err)
		}
	}

	m.logger.Info("Checkpoint created",
		"version", next,
		"cycle", cycle,
		"backend", m.backend,
		"path", path,
		"bytes", len(data))

	return info, nil
}

// writeImmutable writes data to a temp file and moves it into place. It
// refuses to replace an existing version.
func writeImmutable(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("checkpoint %s already exists", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tempPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

func encodePlain(meta models.CheckpointMetadata, model []byte) ([]byte, error) {
	data, err := json.MarshalIndent(plainDocument{
		Format:   plainFormatTag,
		Metadata: meta,
		Model:    model,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

func encodeArchive(meta models.CheckpointMetadata, model []byte) ([]byte, error) {
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{metadataEntry, metaJSON},
		{modelEntry, model},
	} {
		w, err := zw.Create(entry.name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", entry.name, err)
		}
		if _, err := w.Write(entry.data); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// readContainer decodes a resolved checkpoint into metadata and model bytes
func readContainer(res Resolution) (*models.CheckpointMetadata, []byte, error) {
	data, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	switch res.Format {
	case models.FormatJSON:
		var doc plainDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		if doc.Format != plainFormatTag {
			return nil, nil, fmt.Errorf("%w: %s is JSON but not a checkpoint document", ErrFormatMismatch, res.Path)
		}
		return &doc.Metadata, doc.Model, nil

	case models.FormatZip:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint archive: %w", err)
		}
		metaJSON, err := readEntry(zr, metadataEntry)
		if err != nil {
			return nil, nil, err
		}
		model, err := readEntry(zr, modelEntry)
		if err != nil {
			return nil, nil, err
		}
		var meta models.CheckpointMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal checkpoint metadata: %w", err)
		}
		return &meta, model, nil
	}
	return nil, nil, res.Err()
}

func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: archive has no %s", ErrFormatMismatch, name)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// ReadMetadata resolves path and returns its metadata without touching any policy
func ReadMetadata(path string, requested models.Backend) (*models.CheckpointMetadata, Resolution, error) {
	res := ResolveCheckpointPath(path, requested)
	if !res.OK() {
		return nil, res, res.Err()
	}
	meta, _, err := readContainer(res)
	if err != nil {
		return nil, res, err
	}
	return meta, res, nil
}

// LoadCheckpoint restores policy from the checkpoint at path. Loading is
// all-or-nothing: if the policy rejects the state it is restored to what it
// held before the call.
func (m *Manager) LoadCheckpoint(path string, requested models.Backend, policy Snapshotter) (*models.CheckpointMetadata, error) {
	start := time.Now()
	meta, err := LoadCheckpoint(path, requested, policy, m.logger)
	m.collector.RecordCheckpoint("load", time.Since(start), err == nil)
	return meta, err
}

// LoadCheckpoint is the manager-less form used by tools that only read checkpoints
func LoadCheckpoint(path string, requested models.Backend, policy Snapshotter, logger *slog.Logger) (*models.CheckpointMetadata, error) {
	res := ResolveCheckpointPath(path, requested)
	if !res.OK() {
		return nil, res.Err()
	}

	meta, model, err := readContainer(res)
	if err != nil {
		return nil, err
	}

	var backup bytes.Buffer
	if err := policy.Save(&backup); err != nil {
		return nil, fmt.Errorf("failed to snapshot policy before load: %w", err)
	}
	if err := policy.Load(bytes.NewReader(model)); err != nil {
		if rerr := policy.Load(bytes.NewReader(backup.Bytes())); rerr != nil {
			return nil, fmt.Errorf("failed to load policy state: %w (restore also failed: %v)", err, rerr)
		}
		return nil, fmt.Errorf("failed to load policy state: %w", err)
	}

	if logger != nil {
		logger.Info("Checkpoint loaded",
			"path", res.Path,
			"version", meta.Version,
			"cycle", meta.Cycle,
			"session_id", meta.SessionID)
	}
	return meta, nil
}

// List returns the checkpoints of the directory ordered by version
func (m *Manager) List() ([]models.CheckpointInfo, error) {
	if m.catalog != nil {
		return m.catalog.List(context.Background(), "")
	}
	return ListDir(m.dir)
}

// Latest returns the highest version
func (m *Manager) Latest() (*models.CheckpointInfo, error) {
	if m.catalog != nil {
		return m.catalog.Latest(context.Background())
	}
	infos, err := ListDir(m.dir)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNotFound
	}
	return &infos[len(infos)-1], nil
}

// Best returns the checkpoint with the highest performance, newest first on ties
func (m *Manager) Best() (*models.CheckpointInfo, error) {
	if m.catalog != nil {
		return m.catalog.Best(context.Background())
	}
	infos, err := ListDir(m.dir)
	if err != nil {
		return nil, err
	}
	return bestOf(infos)
}

func bestOf(infos []models.CheckpointInfo) (*models.CheckpointInfo, error) {
	if len(infos) == 0 {
		return nil, ErrNotFound
	}
	best := 0
	for i, info := range infos {
		if info.Metadata.Performance >= infos[best].Metadata.Performance {
			best = i
		}
	}
	return &infos[best], nil
}

// ListDir reads the metadata of every checkpoint file in dir. Unreadable
// files are skipped.
func ListDir(dir string) ([]models.CheckpointInfo, error) {
	versions, err := scanVersions(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to scan checkpoint directory: %w", err)
	}
	infos := make([]models.CheckpointInfo, 0, len(versions))
	for _, v := range versions {
		meta, res, err := ReadMetadata(v.path, models.BackendAuto)
		if err != nil {
			continue
		}
		infos = append(infos, models.CheckpointInfo{Path: res.Path, Backend: res.Backend, Metadata: *meta})
	}
	return infos, nil
}
