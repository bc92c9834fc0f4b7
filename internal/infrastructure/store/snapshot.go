package store

import (
	"encoding/json"
	"time"
)

// SnapshotSchemaVersion identifies the snapshot state layout. Snapshots with
// a different schema version are ignored on load and the full history is
// replayed instead; the event stream stays authoritative.
const SnapshotSchemaVersion = 1

// Snapshot is a point-in-time materialization of aggregate state. At most
// one exists per aggregate; SaveSnapshot replaces it.
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	Version       int             `json:"version"`
	SchemaVersion int             `json:"schema_version"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}
