package graph

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/relation"
)

// SeedPaths names the static metadata tables the plant exports.
type SeedPaths struct {
	Asset       string
	PlantConfig string
	Alarm       string
}

// SeedStatic builds the foundational graph structure from plant metadata:
// assets, tags, systems, categories, alarms and the edges between them.
// Every write is an upsert, so reseeding is always safe. A table that
// cannot be read aborts the seed; an individual row that fails validation
// is skipped.
func SeedStatic(ctx context.Context, w Writer, paths SeedPaths, log *zap.SugaredLogger) error {
	assetRows, err := readTable(paths.Asset)
	if err != nil {
		return errors.Wrap(err, "load asset table")
	}
	configRows, err := readTable(paths.PlantConfig)
	if err != nil {
		return errors.Wrap(err, "load plant config table")
	}
	alarmRows, err := readTable(paths.Alarm)
	if err != nil {
		return errors.Wrap(err, "load alarm table")
	}
	log.Infow("seeding static graph",
		"assets", len(assetRows), "plant_config", len(configRows), "alarms", len(alarmRows))

	for _, row := range assetRows {
		assetID := row["element"]
		tagName := row["attribute"]
		system := row["system"]
		category := row["category"]

		inserts := []Entity{
			{Label: "Asset", Properties: map[string]any{"id": assetID, "system": system}},
			{Label: "Tag", Properties: map[string]any{"name": tagName, "category": category}},
			{Label: "System", Properties: map[string]any{"name": system}},
			{Label: "Category", Properties: map[string]any{"name": category}},
		}
		for _, e := range inserts {
			if err := insertSeed(ctx, w, e, log); err != nil {
				return err
			}
		}

		if err := w.InsertRelationship(ctx, Relationship{
			From: Endpoint{Label: "Asset", Key: "id", Value: assetID},
			To:   Endpoint{Label: "Tag", Key: "name", Value: tagName},
			Type: "MEASURES",
		}); err != nil {
			return err
		}

		candidates := relation.GenerateFromMetadata([]relation.TagMetadata{
			{TagName: tagName, System: system, Category: category},
		})
		for _, c := range candidates {
			rel, ok := candidateRelationship(c)
			if !ok {
				continue
			}
			if err := w.InsertRelationship(ctx, rel); err != nil {
				return err
			}
		}
	}

	// Enrich tags from the plant configuration export.
	for _, row := range configRows {
		tag := row["tag name"]
		if tag == "" {
			continue
		}
		props := map[string]any{"name": tag}
		for csvField, prop := range map[string]string{
			"unit":              "unit",
			"description":       "description",
			"min value":         "min_value",
			"max value":         "max_value",
			"engineering units": "engineering_units",
			"scan":              "scan",
			"display limits":    "display_limits",
			"alarm limits":      "alarm_limit",
			"category":          "category",
		} {
			if v := row[csvField]; v != "" {
				props[prop] = coerceScalar(v)
			}
		}
		if err := insertSeed(ctx, w, Entity{Label: "Tag", Properties: props}, log); err != nil {
			return err
		}
	}

	for _, row := range alarmRows {
		tag := row["tag name"]
		alarmType := row["alarm type"]
		if tag == "" || alarmType == "" {
			continue
		}
		alarmID := tag + "_" + alarmType

		e := Entity{Label: "Alarm", Properties: map[string]any{
			"id":          alarmID,
			"type":        alarmType,
			"priority":    row["priority"],
			"threshold":   coerceScalar(row["threshold"]),
			"hysteresis":  coerceScalar(row["hysteresis"]),
			"description": row["description"],
		}}
		if err := insertSeed(ctx, w, e, log); err != nil {
			return err
		}

		if err := w.InsertRelationship(ctx, Relationship{
			From: Endpoint{Label: "Tag", Key: "name", Value: tag},
			To:   Endpoint{Label: "Alarm", Key: "id", Value: alarmID},
			Type: "TRIGGERS_ON",
		}); err != nil {
			return err
		}
	}

	return nil
}

// candidateRelationship maps a relation candidate onto graph endpoints.
// Candidates carry names only, so the node labels come from the edge type.
func candidateRelationship(c relation.Candidate) (Relationship, bool) {
	var toLabel string
	switch c.Type {
	case "PART_OF":
		toLabel = "System"
	case "IS_TYPE":
		toLabel = "Category"
	case "MEASURES":
		toLabel = "Unit"
	default:
		return Relationship{}, false
	}
	return Relationship{
		From: Endpoint{Label: "Tag", Key: "name", Value: c.From},
		To:   Endpoint{Label: toLabel, Key: "name", Value: c.To},
		Type: c.Type,
	}, true
}

// insertSeed writes one entity, downgrading validation rejections to a
// logged skip so one malformed metadata row cannot block the seed.
func insertSeed(ctx context.Context, w Writer, e Entity, log *zap.SugaredLogger) error {
	err := w.InsertEntity(ctx, e)
	if errors.Is(err, ErrInvalidEntity) {
		log.Warnw("skipping invalid metadata row", "label", e.Label, "error", err)
		return nil
	}
	return err
}

// readTable loads a CSV into lower-cased-header keyed rows.
func readTable(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var rows []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func coerceScalar(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
