// Package builder turns detected events into graph mutations: one
// transaction per event covering the event node, its extracted concepts and
// every derived relationship.
package builder

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/graph"
	"github.com/plantops/plantkg/nlp"
	"github.com/plantops/plantkg/record"
	"github.com/plantops/plantkg/relation"
)

// Builder orchestrates per-event graph construction.
type Builder struct {
	store     graph.Store
	relations *relation.Extractor
	extractor nlp.Extractor
	log       *zap.SugaredLogger
}

func New(store graph.Store, relations *relation.Extractor, extractor nlp.Extractor, log *zap.SugaredLogger) *Builder {
	if extractor == nil {
		extractor = nlp.KeywordExtractor{}
	}
	return &Builder{store: store, relations: relations, extractor: extractor, log: log}
}

// BuildEvents processes events sequentially, each inside its own
// transaction. A failure on event N rolls back N's changes only; event N+1
// proceeds. Returns the number of events committed.
func (b *Builder) BuildEvents(ctx context.Context, events []record.Event) int {
	built := 0
	for _, ev := range events {
		err := b.store.WithTransaction(ctx, func(w graph.Writer) error {
			return b.buildEvent(ctx, w, ev)
		})
		if err != nil {
			if errors.Is(err, graph.ErrInvalidEntity) {
				b.log.Warnw("skipping event that failed validation",
					"event_type", ev.EventType, "error", err)
			} else {
				b.log.Errorw("transaction failed for event",
					"event_type", ev.EventType, "timestamp", ev.Timestamp, "error", err)
			}
			continue
		}
		built++
	}
	b.log.Infow("graph construction finished", "events", len(events), "committed", built)
	return built
}

func (b *Builder) buildEvent(ctx context.Context, w graph.Writer, ev record.Event) error {
	ts := ev.Timestamp.UTC().Format(time.RFC3339Nano)

	if err := w.InsertEntity(ctx, graph.Entity{
		Label: "Event",
		Properties: map[string]any{
			"timestamp":   ts,
			"event_type":  ev.EventType,
			"description": ev.Description,
			"severity":    ev.Severity,
			"asset_type":  ev.AssetType,
			"tag":         ev.Tag,
		},
	}); err != nil {
		return err
	}

	// Model extraction with keyword fallback when it yields nothing.
	entities := b.extractor.Extract(ev.Description)
	terms := nlp.TermSet(entities)
	if len(terms) == 0 {
		terms = nlp.TermSet(nlp.KeywordExtractor{}.Extract(ev.Description))
	}

	relType := b.relations.Infer(ev.Description, ev.AssetType)
	for _, term := range terms {
		if err := w.InsertEntity(ctx, graph.Entity{
			Label:      "Concept",
			Properties: map[string]any{"text": term},
		}); err != nil {
			return err
		}
		if err := w.InsertRelationship(ctx, graph.Relationship{
			From: graph.Endpoint{Label: "Event", Key: "timestamp", Value: ts},
			To:   graph.Endpoint{Label: "Concept", Key: "text", Value: term},
			Type: relType,
		}); err != nil {
			return err
		}
	}

	// Link back to the alarm definition when the triggering tag is known.
	if ev.Tag != "" {
		alarmID := ev.Tag + "_High"
		if err := w.InsertRelationship(ctx, graph.Relationship{
			From: graph.Endpoint{Label: "Event", Key: "timestamp", Value: ts},
			To:   graph.Endpoint{Label: "Alarm", Key: "id", Value: alarmID},
			Type: "ACKNOWLEDGES",
		}); err != nil {
			return err
		}
	}

	return nil
}
