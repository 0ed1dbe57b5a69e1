package pipeline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/plantops/plantkg/internal/metrics"
	"github.com/plantops/plantkg/record"
)

// maxChunkerInput bounds memory: datasets beyond this are truncated with a
// warning. Truncation is an approximation, not a data-loss-safe path.
const maxChunkerInput = 10_000

// highFrequencyThreshold marks chunks dense enough to be flagged for the
// knowledge-graph layer.
const highFrequencyThreshold = 1000

// Chunker groups processed records into time-bounded, semantically coherent
// batches. Chunking is a batch operation over a sorted slice, not a
// streaming algorithm.
type Chunker struct {
	chunkSize time.Duration
	overlap   time.Duration
	maxBatch  int
	log       *zap.SugaredLogger
}

func NewChunker(chunkSize, overlap time.Duration, maxBatch int, log *zap.SugaredLogger) *Chunker {
	log.Infow("initialized chunker", "window_seconds", chunkSize.Seconds())
	return &Chunker{chunkSize: chunkSize, overlap: overlap, maxBatch: maxBatch, log: log}
}

// Chunk windows records by time with semantic boundary detection. Overlap
// shortens the next window; records are never duplicated across chunks.
// Empty input yields an empty slice.
func (c *Chunker) Chunk(records []record.Processed, sourceID string) []record.Chunk {
	if len(records) == 0 {
		c.log.Warnw("received empty dataset, skipping chunking", "source_id", sourceID)
		return nil
	}
	if len(records) > maxChunkerInput {
		c.log.Warnw("large dataset detected, truncating", "limit", maxChunkerInput, "got", len(records))
		records = records[:maxChunkerInput]
	}

	sorted := make([]record.Processed, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var chunks []record.Chunk
	var current []record.Processed
	var windowEnd time.Time

	for _, rec := range sorted {
		ts := rec.Timestamp
		if windowEnd.IsZero() {
			windowEnd = ts.Add(c.chunkSize)
		}

		if !ts.Before(windowEnd) || len(current) >= c.maxBatch || c.semanticBoundary(current, rec) {
			if len(current) > 0 {
				chunks = append(chunks, c.finalize(current, sourceID))
			}
			current = []record.Processed{rec}
			windowEnd = ts.Add(c.chunkSize - c.overlap)
		} else {
			current = append(current, rec)
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, c.finalize(current, sourceID))
	}

	c.log.Debugw("created chunks", "count", len(chunks), "source_id", sourceID)
	return chunks
}

// semanticBoundary reports whether the new record deviates more than 10%
// from the chunk's running average. Only tags that are numeric in the
// chunk's *first* record are inspected; a tag appearing later never
// triggers a boundary. The asymmetry is preserved for compatibility with
// historical chunk boundaries.
func (c *Chunker) semanticBoundary(current []record.Processed, rec record.Processed) bool {
	if len(current) == 0 {
		return false
	}

	for tag, first := range current[0].Tags {
		if _, ok := numericValue(first); !ok {
			continue
		}
		newVal, ok := numericValue(rec.Tags[tag])
		if !ok {
			continue
		}

		var sum float64
		var n int
		for _, prev := range current {
			if v, ok := numericValue(prev.Tags[tag]); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			continue
		}
		avg := sum / float64(n)
		if math.Abs(newVal-avg) > avg*0.1 {
			return true
		}
	}
	return false
}

func (c *Chunker) finalize(records []record.Processed, sourceID string) record.Chunk {
	start := records[0].Timestamp
	end := records[0].Timestamp
	for _, rec := range records[1:] {
		if rec.Timestamp.Before(start) {
			start = rec.Timestamp
		}
		if rec.Timestamp.After(end) {
			end = rec.Timestamp
		}
	}

	seen := map[string]struct{}{}
	var entityTypes []string
	for _, rec := range records {
		st, ok := rec.Tags["sensor_type"]
		if !ok {
			continue
		}
		name := fmt.Sprint(st)
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			entityTypes = append(entityTypes, name)
		}
	}

	eventType := "normal"
	if len(records) > highFrequencyThreshold {
		eventType = "high_frequency"
	}

	metrics.TrackChunkCreated()
	return record.Chunk{
		SourceID: sourceID,
		Records:  records,
		Metadata: record.ChunkMetadata{
			ChunkStart:      start.Format(time.RFC3339Nano),
			ChunkEnd:        end.Format(time.RFC3339Nano),
			RecordCount:     len(records),
			ProcessingStage: "chunked",
			ChunkID:         fmt.Sprintf("%s_%d", sourceID, start.Unix()),
			KGReady: record.KGReady{
				EntityTypes: entityTypes,
				EventType:   eventType,
			},
		},
	}
}

// numericValue extracts a float64 from the value shapes cleanValue emits.
func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}
