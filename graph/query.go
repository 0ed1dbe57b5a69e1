package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Stats summarizes the current graph contents.
type Stats struct {
	Timestamp    time.Time        `json:"timestamp"`
	NodesByLabel map[string]int64 `json:"nodes_by_label"`
	EdgesByType  map[string]int64 `json:"edges_by_type"`
}

// EventSummary is one persisted Event node plus its linked concepts.
type EventSummary struct {
	Timestamp   string   `json:"timestamp"`
	EventType   string   `json:"event_type"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Concepts    []string `json:"concepts"`
}

// TagDetail is one Tag node with its structural context.
type TagDetail struct {
	Name     string         `json:"name"`
	Props    map[string]any `json:"properties"`
	Systems  []string       `json:"systems"`
	Alarms   []string       `json:"alarms"`
	Category string         `json:"category,omitempty"`
}

func (p *Persistor) readSession(ctx context.Context) neo4j.SessionWithContext {
	return p.drv.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: p.database,
	})
}

// GraphStats counts nodes by label and edges by type.
func (p *Persistor) GraphStats(ctx context.Context) (*Stats, error) {
	s := p.readSession(ctx)
	defer s.Close(ctx)

	stats := &Stats{
		Timestamp:    time.Now().UTC(),
		NodesByLabel: map[string]int64{},
		EdgesByType:  map[string]int64{},
	}

	res, err := s.Run(ctx, `
MATCH (n) UNWIND labels(n) AS label
RETURN label, count(*) AS c`, nil)
	if err != nil {
		return nil, err
	}
	for res.Next(ctx) {
		rec := res.Record()
		label, _ := rec.Get("label")
		c, _ := rec.Get("c")
		if l, ok := label.(string); ok {
			stats.NodesByLabel[l], _ = c.(int64)
		}
	}
	if err := res.Err(); err != nil {
		return nil, err
	}

	res, err = s.Run(ctx, `
MATCH ()-[r]->()
RETURN type(r) AS t, count(*) AS c`, nil)
	if err != nil {
		return nil, err
	}
	for res.Next(ctx) {
		rec := res.Record()
		t, _ := rec.Get("t")
		c, _ := rec.Get("c")
		if ty, ok := t.(string); ok {
			stats.EdgesByType[ty], _ = c.(int64)
		}
	}
	return stats, res.Err()
}

// RecentEvents returns events at or after since, newest first, with their
// related concepts.
func (p *Persistor) RecentEvents(ctx context.Context, since string, limit int) ([]EventSummary, error) {
	s := p.readSession(ctx)
	defer s.Close(ctx)

	res, err := s.Run(ctx, `
MATCH (e:Event)
WHERE $since = '' OR e.timestamp >= $since
OPTIONAL MATCH (e)-[]->(c:Concept)
RETURN e.timestamp AS ts, e.event_type AS etype, e.description AS description,
       e.severity AS severity, collect(DISTINCT c.text) AS concepts
ORDER BY ts DESC
LIMIT $limit`, map[string]any{"since": since, "limit": limit})
	if err != nil {
		return nil, err
	}

	var out []EventSummary
	for res.Next(ctx) {
		rec := res.Record()
		ev := EventSummary{
			Timestamp:   stringValue(rec, "ts"),
			EventType:   stringValue(rec, "etype"),
			Description: stringValue(rec, "description"),
			Severity:    stringValue(rec, "severity"),
		}
		if raw, ok := rec.Get("concepts"); ok {
			if list, ok := raw.([]any); ok {
				for _, item := range list {
					if t, ok := item.(string); ok && t != "" {
						ev.Concepts = append(ev.Concepts, t)
					}
				}
			}
		}
		out = append(out, ev)
	}
	return out, res.Err()
}

// TagByName returns a tag with the systems and alarms it is linked to, or
// nil when the tag does not exist.
func (p *Persistor) TagByName(ctx context.Context, name string) (*TagDetail, error) {
	s := p.readSession(ctx)
	defer s.Close(ctx)

	res, err := s.Run(ctx, `
MATCH (t:Tag {name: $name})
OPTIONAL MATCH (t)-[:PART_OF]->(sys:System)
OPTIONAL MATCH (t)-[:TRIGGERS_ON]->(a:Alarm)
RETURN properties(t) AS props,
       collect(DISTINCT sys.name) AS systems,
       collect(DISTINCT a.id) AS alarms`, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	if !res.Next(ctx) {
		return nil, res.Err()
	}

	rec := res.Record()
	detail := &TagDetail{Name: name}
	if raw, ok := rec.Get("props"); ok {
		if props, ok := raw.(map[string]any); ok {
			detail.Props = props
			if cat, ok := props["category"].(string); ok {
				detail.Category = cat
			}
		}
	}
	detail.Systems = stringList(rec, "systems")
	detail.Alarms = stringList(rec, "alarms")
	if detail.Props == nil {
		return nil, nil
	}
	return detail, nil
}

func stringValue(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func stringList(rec *neo4j.Record, key string) []string {
	var out []string
	if raw, ok := rec.Get(key); ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
