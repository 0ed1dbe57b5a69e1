package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/graph"
	"github.com/plantops/plantkg/record"
	"github.com/plantops/plantkg/relation"
)

// fakeStore commits a transaction's writes only when the callback returns
// nil, mirroring managed-transaction semantics.
type fakeStore struct {
	entities      []graph.Entity
	relationships []graph.Relationship
	registry      graph.Registry

	failEntity string // label whose insert fails with a non-validation error
}

type fakeWriter struct {
	store         *fakeStore
	entities      []graph.Entity
	relationships []graph.Relationship
}

func (s *fakeStore) InsertEntity(ctx context.Context, e graph.Entity) error {
	return s.WithTransaction(ctx, func(w graph.Writer) error {
		return w.InsertEntity(ctx, e)
	})
}

func (s *fakeStore) InsertRelationship(ctx context.Context, r graph.Relationship) error {
	return s.WithTransaction(ctx, func(w graph.Writer) error {
		return w.InsertRelationship(ctx, r)
	})
}

func (s *fakeStore) WithTransaction(ctx context.Context, fn func(graph.Writer) error) error {
	w := &fakeWriter{store: s}
	if err := fn(w); err != nil {
		return err
	}
	s.entities = append(s.entities, w.entities...)
	s.relationships = append(s.relationships, w.relationships...)
	return nil
}

func (w *fakeWriter) InsertEntity(ctx context.Context, e graph.Entity) error {
	if e.Label == w.store.failEntity {
		return errors.New("connection reset")
	}
	if _, err := w.store.registry.Validate(e.Label, e.Properties); err != nil {
		return err
	}
	w.entities = append(w.entities, e)
	return nil
}

func (w *fakeWriter) InsertRelationship(ctx context.Context, r graph.Relationship) error {
	w.relationships = append(w.relationships, r)
	return nil
}

func newTestBuilder(t *testing.T, store *fakeStore) *Builder {
	t.Helper()
	if store.registry == nil {
		store.registry = graph.DefaultRegistry()
	}

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	doc := "verbs:\n  INDICATES:\n    - exceeded\nassets:\n  boiler:\n    - drum\nfallback: RELATED_TO\n"
	require.NoError(t, os.WriteFile(rulesPath, []byte(doc), 0o644))
	rules, err := relation.LoadRules(rulesPath)
	require.NoError(t, err)

	log := zap.NewNop().Sugar()
	return New(store, relation.NewExtractor(rules, log), nil, log)
}

func alarmEvent(ts time.Time) record.Event {
	return record.Event{
		Timestamp:   ts,
		EventType:   "High Alarm",
		Description: "BLR_TEMP_01 = 110 degC exceeded HIGH threshold (100)",
		AssetType:   "boiler",
		Severity:    "critical",
		Tag:         "BLR_TEMP_01",
	}
}

func TestBuildEventsCreatesEventConceptsAndRelations(t *testing.T) {
	store := &fakeStore{}
	b := newTestBuilder(t, store)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	built := b.BuildEvents(context.Background(), []record.Event{alarmEvent(ts)})
	assert.Equal(t, 1, built)

	require.NotEmpty(t, store.entities)
	ev := store.entities[0]
	assert.Equal(t, "Event", ev.Label)
	assert.Equal(t, "2024-03-01T10:00:00Z", ev.Properties["timestamp"])
	assert.Equal(t, "High Alarm", ev.Properties["event_type"])

	concepts := 0
	for _, e := range store.entities[1:] {
		assert.Equal(t, "Concept", e.Label)
		concepts++
	}
	assert.Greater(t, concepts, 0)

	// Keyword match on "exceeded" wins over the fallback.
	var conceptRels, ackRels int
	for _, r := range store.relationships {
		switch r.To.Label {
		case "Concept":
			assert.Equal(t, "INDICATES", r.Type)
			conceptRels++
		case "Alarm":
			assert.Equal(t, "ACKNOWLEDGES", r.Type)
			assert.Equal(t, "BLR_TEMP_01_High", r.To.Value)
			ackRels++
		}
	}
	assert.Equal(t, concepts, conceptRels)
	assert.Equal(t, 1, ackRels)
}

func TestBuildEventsSkipsInvalidEvent(t *testing.T) {
	store := &fakeStore{}
	b := newTestBuilder(t, store)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	invalid := alarmEvent(ts)
	invalid.EventType = "" // fails required-field validation

	built := b.BuildEvents(context.Background(), []record.Event{
		invalid,
		alarmEvent(ts.Add(time.Minute)),
	})

	// The invalid event is skipped, the valid one still commits.
	assert.Equal(t, 1, built)
	require.NotEmpty(t, store.entities)
	assert.Equal(t, "2024-03-01T10:01:00Z", store.entities[0].Properties["timestamp"])
}

func TestBuildEventsIsolatesFailures(t *testing.T) {
	store := &fakeStore{failEntity: "Concept"}
	b := newTestBuilder(t, store)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	built := b.BuildEvents(context.Background(), []record.Event{alarmEvent(ts)})

	// The transaction rolled back: not even the event node survives.
	assert.Equal(t, 0, built)
	assert.Empty(t, store.entities)
	assert.Empty(t, store.relationships)
}

func TestBuildEventsNoTagSkipsAlarmLink(t *testing.T) {
	store := &fakeStore{}
	b := newTestBuilder(t, store)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	ev := alarmEvent(ts)
	ev.Tag = ""
	built := b.BuildEvents(context.Background(), []record.Event{ev})
	assert.Equal(t, 1, built)

	for _, r := range store.relationships {
		assert.NotEqual(t, "Alarm", r.To.Label)
	}
}

func TestBuildEventsEmptyInput(t *testing.T) {
	store := &fakeStore{}
	b := newTestBuilder(t, store)
	assert.Equal(t, 0, b.BuildEvents(context.Background(), nil))
}
