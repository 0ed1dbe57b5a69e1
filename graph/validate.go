package graph

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidEntity marks entities rejected by label validation. Callers
// skip the entity (or its whole event transaction); nothing was mutated.
var ErrInvalidEntity = errors.New("entity failed validation")

// LabelRule declares the natural key and required fields for one label.
type LabelRule struct {
	Key      string
	Required []string
}

// Registry maps labels to validation rules. New entity types are additive
// configuration, not new code paths.
type Registry map[string]LabelRule

// DefaultRegistry covers the labels this pipeline emits.
func DefaultRegistry() Registry {
	return Registry{
		"Event":    {Key: "timestamp", Required: []string{"timestamp", "event_type"}},
		"Concept":  {Key: "text", Required: []string{"text"}},
		"Tag":      {Key: "name", Required: []string{"name"}},
		"Asset":    {Key: "id", Required: []string{"id"}},
		"Alarm":    {Key: "id", Required: []string{"id"}},
		"System":   {Key: "name", Required: []string{"name"}},
		"Category": {Key: "name", Required: []string{"name"}},
	}
}

// Validate checks required fields and returns sanitized properties.
// Optional empty properties are stripped; required fields are kept even
// when present-but-empty so the required check fires consistently.
func (reg Registry) Validate(label string, props map[string]any) (map[string]any, error) {
	rule := reg[label]

	var missing []string
	for _, field := range rule.Required {
		if isEmpty(props[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrInvalidEntity,
			"%s missing required fields: %s", label, strings.Join(missing, ", "))
	}

	return sanitizeProperties(props, rule.Required), nil
}

// sanitizeProperties drops nil and blank-string values unless the field is
// required.
func sanitizeProperties(props map[string]any, required []string) map[string]any {
	keep := make(map[string]struct{}, len(required))
	for _, f := range required {
		keep[f] = struct{}{}
	}

	out := make(map[string]any, len(props))
	for k, v := range props {
		if _, req := keep[k]; req {
			out[k] = v
			continue
		}
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// isEmpty mirrors the falsy check used for required fields: nil, blank
// strings, zero numbers and false all count as missing.
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case bool:
		return !val
	case int:
		return val == 0
	case int64:
		return val == 0
	case float64:
		return val == 0
	default:
		return false
	}
}
