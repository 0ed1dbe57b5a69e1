// Package graph persists entities and relationships into a Neo4j property
// graph. All writes are MERGE-based idempotent upserts; per-event work runs
// inside a single managed transaction so a failure rolls back that event
// and nothing else.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/internal/metrics"
)

// Entity is a labeled node submitted for upsert.
type Entity struct {
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

// Endpoint names one end of a relationship by label and natural key.
type Endpoint struct {
	Label string `json:"label"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Relationship is a typed edge. Inserting it upserts both endpoint nodes
// first, so edges never dangle even if the caller never inserted an
// endpoint entity.
type Relationship struct {
	From       Endpoint       `json:"from"`
	To         Endpoint       `json:"to"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Writer accepts graph mutations, either auto-committed or inside a
// transaction.
type Writer interface {
	InsertEntity(ctx context.Context, e Entity) error
	InsertRelationship(ctx context.Context, r Relationship) error
}

// Store is the full graph contract the pipeline builds against.
type Store interface {
	Writer
	WithTransaction(ctx context.Context, fn func(Writer) error) error
}

// Persistor implements Store over the Neo4j driver.
type Persistor struct {
	drv      neo4j.DriverWithContext
	database string
	registry Registry
	log      *zap.SugaredLogger
}

func NewPersistor(uri, user, pass, database string, log *zap.SugaredLogger) (*Persistor, error) {
	drv, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, errors.Wrap(err, "create neo4j driver")
	}
	return &Persistor{
		drv:      drv,
		database: database,
		registry: DefaultRegistry(),
		log:      log,
	}, nil
}

func (p *Persistor) Close(ctx context.Context) { _ = p.drv.Close(ctx) }

// VerifyConnectivity confirms the graph store is reachable.
func (p *Persistor) VerifyConnectivity(ctx context.Context) error {
	return errors.Wrap(p.drv.VerifyConnectivity(ctx), "neo4j connectivity")
}

// EnsureSchema creates the uniqueness constraints backing idempotent
// upserts. All statements are IF NOT EXISTS, so rerunning is safe.
func (p *Persistor) EnsureSchema(ctx context.Context) error {
	s := p.newSession(ctx)
	defer s.Close(ctx)
	stmts := []string{
		`CREATE CONSTRAINT concept_text IF NOT EXISTS FOR (c:Concept) REQUIRE c.text IS UNIQUE`,
		`CREATE CONSTRAINT tag_name IF NOT EXISTS FOR (t:Tag) REQUIRE t.name IS UNIQUE`,
		`CREATE CONSTRAINT asset_id IF NOT EXISTS FOR (a:Asset) REQUIRE a.id IS UNIQUE`,
		`CREATE CONSTRAINT alarm_id IF NOT EXISTS FOR (a:Alarm) REQUIRE a.id IS UNIQUE`,
		`CREATE CONSTRAINT system_name IF NOT EXISTS FOR (s:System) REQUIRE s.name IS UNIQUE`,
		`CREATE CONSTRAINT category_name IF NOT EXISTS FOR (c:Category) REQUIRE c.name IS UNIQUE`,
		`CREATE INDEX event_timestamp IF NOT EXISTS FOR (e:Event) ON (e.timestamp)`,
	}
	for _, q := range stmts {
		if _, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, q, nil)
			return nil, err
		}); err != nil {
			return errors.Wrapf(err, "ensure schema: %s", q)
		}
	}
	return nil
}

// InsertEntity upserts one node in its own write transaction.
func (p *Persistor) InsertEntity(ctx context.Context, e Entity) error {
	query, params, err := p.entityQuery(e)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.write(ctx, query, params)
	metrics.TrackGraphOperation("insert_entity", time.Since(start), err)
	return errors.Wrapf(err, "insert %s", e.Label)
}

// InsertRelationship upserts both endpoints and the edge in its own write
// transaction.
func (p *Persistor) InsertRelationship(ctx context.Context, r Relationship) error {
	query, params, err := p.relationshipQuery(r)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.write(ctx, query, params)
	metrics.TrackGraphOperation("insert_relationship", time.Since(start), err)
	return errors.Wrapf(err, "insert relationship %s", r.Type)
}

// WithTransaction runs fn against a Writer whose mutations commit together
// or not at all. The scope is one event's full processing.
func (p *Persistor) WithTransaction(ctx context.Context, fn func(Writer) error) error {
	s := p.newSession(ctx)
	defer s.Close(ctx)
	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&txWriter{p: p, tx: tx})
	})
	return err
}

func (p *Persistor) newSession(ctx context.Context) neo4j.SessionWithContext {
	return p.drv.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: p.database,
	})
}

// write runs one statement with retry on constraint races: two concurrent
// MERGEs of the same key can collide, and a short backoff resolves it.
func (p *Persistor) write(ctx context.Context, query string, params map[string]any) error {
	s := p.newSession(ctx)
	defer s.Close(ctx)

	var last error
	for i := 0; i < 3; i++ {
		_, last = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, query, params)
			return nil, err
		})
		if last == nil {
			return nil
		}
		if isConstraintErr(last) {
			time.Sleep(time.Duration(i+1) * 120 * time.Millisecond)
			continue
		}
		break
	}
	return last
}

func isConstraintErr(err error) bool {
	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) {
		return strings.Contains(ne.Code, "ConstraintValidationFailed")
	}
	return false
}

// txWriter routes mutations through one managed transaction.
type txWriter struct {
	p  *Persistor
	tx neo4j.ManagedTransaction
}

func (w *txWriter) InsertEntity(ctx context.Context, e Entity) error {
	query, params, err := w.p.entityQuery(e)
	if err != nil {
		return err
	}
	_, err = w.tx.Run(ctx, query, params)
	return errors.Wrapf(err, "insert %s", e.Label)
}

func (w *txWriter) InsertRelationship(ctx context.Context, r Relationship) error {
	query, params, err := w.p.relationshipQuery(r)
	if err != nil {
		return err
	}
	_, err = w.tx.Run(ctx, query, params)
	return errors.Wrapf(err, "insert relationship %s", r.Type)
}

// entityQuery validates, sanitizes and builds the MERGE statement for an
// entity. Labels with a registered natural key merge on that key and SET
// the rest; unregistered labels merge on the full property map.
func (p *Persistor) entityQuery(e Entity) (string, map[string]any, error) {
	label := safeLabelName(e.Label)

	props, err := p.registry.Validate(e.Label, e.Properties)
	if err != nil {
		p.log.Warnw("skipping invalid entity", "label", e.Label, "error", err)
		return "", nil, err
	}

	if rule, ok := p.registry[e.Label]; ok {
		if err := checkIdentifier(rule.Key); err != nil {
			return "", nil, err
		}
		query := fmt.Sprintf("MERGE (n:%s {%s: $keyValue})\nSET n += $props", label, rule.Key)
		return query, map[string]any{"keyValue": props[rule.Key], "props": props}, nil
	}

	// No registered key: merge on every property, matching how ad-hoc
	// labels were historically written.
	keys := make([]string, 0, len(props))
	for k := range props {
		if err := checkIdentifier(k); err != nil {
			return "", nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: $p_%s", k, k)
	}
	params := make(map[string]any, len(props))
	for k, v := range props {
		params["p_"+k] = v
	}
	query := fmt.Sprintf("MERGE (n:%s { %s })", label, strings.Join(parts, ", "))
	return query, params, nil
}

// relationshipQuery builds the endpoint-then-edge MERGE. Upserting both
// endpoints first is what keeps the graph consistent regardless of entity
// insert order.
func (p *Persistor) relationshipQuery(r Relationship) (string, map[string]any, error) {
	if err := checkIdentifier(r.From.Key); err != nil {
		return "", nil, err
	}
	if err := checkIdentifier(r.To.Key); err != nil {
		return "", nil, err
	}

	query := fmt.Sprintf(`
MERGE (a:%s {%s: $fromValue})
MERGE (b:%s {%s: $toValue})
MERGE (a)-[r:%s]->(b)
SET r += $props`,
		safeLabelName(r.From.Label), r.From.Key,
		safeLabelName(r.To.Label), r.To.Key,
		safeRelTypeName(r.Type))

	props := r.Properties
	if props == nil {
		props = map[string]any{}
	}
	params := map[string]any{
		"fromValue": r.From.Value,
		"toValue":   r.To.Value,
		"props":     props,
	}
	return query, params, nil
}

// safeLabelName restricts a node label to letters, digits and underscores.
func safeLabelName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "L_Unknown"
	}
	var b []rune
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b = append(b, r)
		} else {
			b = append(b, '_')
		}
	}
	if len(b) == 0 || !unicode.IsLetter(b[0]) {
		return "L_" + string(b)
	}
	return string(b)
}

// safeRelTypeName restricts a relationship type to upper-case letters,
// digits and underscores.
func safeRelTypeName(s string) string {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return "R_REL"
	}
	var b []rune
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b = append(b, r)
		} else {
			b = append(b, '_')
		}
	}
	if len(b) == 0 || !unicode.IsLetter(b[0]) {
		return "R_" + string(b)
	}
	return string(b)
}

func checkIdentifier(s string) error {
	if s == "" {
		return errors.New("empty property identifier")
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return errors.Newf("unsafe property identifier %q", s)
	}
	return nil
}
