// Package pipeline holds the record processing stages: schema-aware
// cleaning, time-windowed chunking and alarm-driven event detection.
package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/internal/metrics"
	"github.com/plantops/plantkg/record"
)

// ErrSchemaMismatch marks records that match no known schema version.
var ErrSchemaMismatch = errors.New("record matches no known schema version")

// timestamp layouts accepted from source adapters, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Processor validates raw records against versioned schemas, normalizes tag
// values and stamps processing metadata.
type Processor struct {
	log *zap.SugaredLogger
	now func() time.Time
}

func NewProcessor(log *zap.SugaredLogger) *Processor {
	return &Processor{log: log, now: time.Now}
}

// Process cleans a single raw record. A schema mismatch or cleaning failure
// rejects the record; rejection is never fatal for the batch.
func (p *Processor) Process(raw record.Raw) (record.Processed, error) {
	version, err := p.detectSchema(raw)
	if err != nil {
		metrics.TrackRecordProcessed(true)
		p.log.Errorw("invalid schema", "source_id", raw.SourceID, "timestamp", raw.Timestamp)
		return record.Processed{}, err
	}

	ts := p.parseTimestamp(raw.Timestamp)

	tags := make(map[string]any, len(raw.Tags))
	for k, v := range raw.Tags {
		tags[k] = cleanValue(v)
	}

	fields := make([]string, 0, len(tags))
	for k := range tags {
		fields = append(fields, k)
	}

	metrics.TrackRecordProcessed(false)
	return record.Processed{
		Timestamp: ts,
		SourceID:  raw.SourceID,
		Tags:      tags,
		Location:  raw.Location,
		Metadata: record.Metadata{
			ProcessingTime: p.now().UTC().Format(time.RFC3339Nano),
			RecordID:       uuid.NewString(),
			SchemaVersion:  version,
			DetectedFields: fields,
		},
	}, nil
}

// ProcessBatch processes records in order, dropping rejects.
func (p *Processor) ProcessBatch(raws []record.Raw) []record.Processed {
	out := make([]record.Processed, 0, len(raws))
	for _, raw := range raws {
		processed, err := p.Process(raw)
		if err != nil {
			continue
		}
		out = append(out, processed)
	}
	return out
}

// detectSchema resolves the schema version. The 1.1 check runs first: it
// only requires timestamp and source_id, with tags and location optional.
func (p *Processor) detectSchema(raw record.Raw) (string, error) {
	if raw.Timestamp != "" && raw.SourceID != "" {
		return "1.1", nil
	}
	if raw.Timestamp != "" && raw.SourceID != "" && raw.Tags != nil {
		return "1.0", nil
	}
	return "", ErrSchemaMismatch
}

// parseTimestamp coerces the raw timestamp to an instant. An unparseable
// timestamp substitutes the current time rather than dropping the record.
func (p *Processor) parseTimestamp(raw string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	p.log.Warnw("invalid ISO timestamp, using current time", "timestamp", raw)
	return p.now()
}

// cleanValue normalizes a tag value: nil becomes 0.0, numerics and booleans
// pass through, numeric strings are coerced, everything else is trimmed.
func cleanValue(v any) any {
	switch val := v.(type) {
	case nil:
		return 0.0
	case bool, int, int32, int64, float32, float64:
		return val
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
		return strings.TrimSpace(val)
	default:
		return val
	}
}
