package models

import "time"

// ComponentName names an independently seeded randomness consumer
type ComponentName string

const (
	ComponentNeuralNetwork ComponentName = "neural_network"
	ComponentExploration   ComponentName = "exploration"
	ComponentReplay        ComponentName = "replay_sampling"
	ComponentGeneral       ComponentName = "general"
)

// SeedConfiguration is the exportable state of a RandomContext
type SeedConfiguration struct {
	MasterSeed      int64                   `json:"master_seed"`
	ComponentSeeds  map[ComponentName]int64 `json:"component_seeds"`
	IsDeterministic bool                    `json:"is_deterministic"`
}

// Backend identifies a checkpoint loader compatibility class
type Backend string

const (
	// BackendAuto lets the manager pick the backend from the detected format
	BackendAuto Backend = ""
	// BackendArchive reads and writes zip containers
	BackendArchive Backend = "archive"
	// BackendPlain reads and writes a single JSON document
	BackendPlain Backend = "plain"
)

// ContainerFormat is the on-disk container detected from file contents
type ContainerFormat string

const (
	FormatZip     ContainerFormat = "zip"
	FormatJSON    ContainerFormat = "json"
	FormatUnknown ContainerFormat = "unknown"
)

// CheckpointMetadata is serialized next to the policy state. Versions are
// append-only; a checkpoint is never rewritten once created.
type CheckpointMetadata struct {
	ID                    string             `json:"id"`
	SessionID             string             `json:"session_id,omitempty"`
	Version               int                `json:"version"`
	Cycle                 int                `json:"cycle"`
	Performance           float64            `json:"performance"`
	Description           string             `json:"description,omitempty"`
	Backend               Backend            `json:"backend"`
	CreatedAt             time.Time          `json:"created_at"`
	ConfigHash            string             `json:"config_hash,omitempty"`
	SeedConfiguration     *SeedConfiguration `json:"seed_configuration,omitempty"`
	TrainingConfiguration map[string]any     `json:"training_configuration,omitempty"`
	TrainingMetrics       map[string]float64 `json:"training_metrics,omitempty"`
}

// CheckpointInfo locates a written checkpoint
type CheckpointInfo struct {
	Path     string             `json:"path"`
	Backend  Backend            `json:"backend"`
	Metadata CheckpointMetadata `json:"metadata"`
}
