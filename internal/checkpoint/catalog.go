package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lamim/selfplay/pkg/models"
)

// CatalogFilename is the default catalog name inside a checkpoint directory
const CatalogFilename = "catalog.db"

// Catalog is a SQLite index of checkpoint versions. Checkpoint files remain
// the source of truth and Sync rebuilds the index from a directory.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens or creates the catalog database at path
func OpenCatalog(ctx context.Context, path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// A single connection keeps writes serialized
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			path        TEXT PRIMARY KEY,
			id          TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			version     INTEGER NOT NULL UNIQUE,
			cycle       INTEGER NOT NULL,
			performance REAL NOT NULL,
			backend     TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			metadata    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_performance ON checkpoints(performance);
	`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create catalog tables: %w", err)
	}
	return nil
}

// Record stores a checkpoint. Recording the same path again replaces the row.
func (c *Catalog) Record(ctx context.Context, info models.CheckpointInfo) error {
	metadataJSON, err := json.Marshal(info.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(path, id, session_id, version, cycle, performance, backend, config_hash, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		info.Path, info.Metadata.ID, info.Metadata.SessionID, info.Metadata.Version, info.Metadata.Cycle,
		info.Metadata.Performance, string(info.Backend), info.Metadata.ConfigHash,
		info.Metadata.CreatedAt.UnixNano(), string(metadataJSON))
	if err != nil {
		return fmt.Errorf("failed to record checkpoint: %w", err)
	}
	return nil
}

const selectColumns = `SELECT path, backend, created_at, metadata FROM checkpoints`

func scanInfo(row interface{ Scan(...any) error }) (models.CheckpointInfo, error) {
	var (
		info         models.CheckpointInfo
		backend      string
		createdAt    int64
		metadataJSON string
	)
	if err := row.Scan(&info.Path, &backend, &createdAt, &metadataJSON); err != nil {
		return info, err
	}
	info.Backend = models.Backend(backend)
	if err := json.Unmarshal([]byte(metadataJSON), &info.Metadata); err != nil {
		return info, fmt.Errorf("failed to deserialize metadata: %w", err)
	}
	info.Metadata.CreatedAt = time.Unix(0, createdAt).UTC()
	return info, nil
}

// List returns catalogued checkpoints ordered by version. An empty sessionID
// lists every session.
func (c *Catalog) List(ctx context.Context, sessionID string) ([]models.CheckpointInfo, error) {
	query := selectColumns + ` ORDER BY version`
	var args []any
	if sessionID != "" {
		query = selectColumns + ` WHERE session_id = ? ORDER BY version`
		args = append(args, sessionID)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []models.CheckpointInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (c *Catalog) one(ctx context.Context, order string) (*models.CheckpointInfo, error) {
	info, err := scanInfo(c.db.QueryRowContext(ctx, selectColumns+` ORDER BY `+order+` LIMIT 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return &info, nil
}

// Latest returns the highest version
func (c *Catalog) Latest(ctx context.Context) (*models.CheckpointInfo, error) {
	return c.one(ctx, "version DESC")
}

// Best returns the highest performance, newest version first on ties
func (c *Catalog) Best(ctx context.Context) (*models.CheckpointInfo, error) {
	return c.one(ctx, "performance DESC, version DESC")
}

// Sync indexes every readable checkpoint file in dir and returns how many were recorded
func (c *Catalog) Sync(ctx context.Context, dir string) (int, error) {
	infos, err := ListDir(dir)
	if err != nil {
		return 0, err
	}
	for _, info := range infos {
		if err := c.Record(ctx, info); err != nil {
			return 0, err
		}
	}
	return len(infos), nil
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}
