// Package record defines the value objects that flow through the pipeline:
// raw sensor readings, processed records, time-windowed chunks and
// alarm-derived events. All types are plain values with no shared state;
// once produced they are never mutated.
package record

import "time"

// Raw is the uniform shape every source adapter produces. Timestamp is kept
// as the original string so the processor can decide how to coerce it.
type Raw struct {
	Timestamp string         `json:"timestamp"`
	SourceID  string         `json:"source_id"`
	Tags      map[string]any `json:"tags,omitempty"`
	Location  string         `json:"location,omitempty"`
}

// Metadata is stamped onto every record that survives processing.
type Metadata struct {
	ProcessingTime string   `json:"processing_time"`
	RecordID       string   `json:"record_id"`
	SchemaVersion  string   `json:"schema_version"`
	DetectedFields []string `json:"detected_fields"`
}

// Processed is a Raw record after schema validation, value normalization
// and metadata stamping. Tags is always non-nil, possibly empty.
type Processed struct {
	Timestamp time.Time      `json:"timestamp"`
	SourceID  string         `json:"source_id"`
	Tags      map[string]any `json:"tags"`
	Location  string         `json:"location,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// KGReady summarizes what the knowledge-graph layer can derive from a chunk.
type KGReady struct {
	EntityTypes []string `json:"entity_types"`
	EventType   string   `json:"event_type"` // "high_frequency" or "normal"
}

// ChunkMetadata carries the window bounds and derived summary for a chunk.
type ChunkMetadata struct {
	ChunkStart      string  `json:"chunk_start"`
	ChunkEnd        string  `json:"chunk_end"`
	RecordCount     int     `json:"record_count"`
	ProcessingStage string  `json:"processing_stage"`
	ChunkID         string  `json:"chunk_id"`
	KGReady         KGReady `json:"kg_ready"`
}

// Chunk is a time-bounded, size-bounded batch of processed records.
// Records are ordered ascending by timestamp.
type Chunk struct {
	SourceID string        `json:"source_id"`
	Records  []Processed   `json:"records"`
	Metadata ChunkMetadata `json:"metadata"`
}

// Event is a discrete alarm-driven occurrence derived from processed
// records. Events are never persisted directly; they pass through entity
// validation in the graph layer first.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	AssetType   string    `json:"asset_type"`
	Severity    string    `json:"severity"`
	Tag         string    `json:"tag,omitempty"`
}
