// Package relation infers typed relationships between events and extracted
// terms using keyword rules loaded from a YAML file, plus bulk candidate
// generation from static plant metadata.
package relation

import (
	"os"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PartOf is the structural relation asset-context matches resolve to.
const PartOf = "PART_OF"

// VerbRule maps one relation type to its trigger keywords. Rules are kept
// in file order because the first matching rule wins.
type VerbRule struct {
	Relation string
	Keywords []string

	patterns []*regexp.Regexp
}

// Rules is the parsed relation rule file.
type Rules struct {
	Verbs    []VerbRule
	Assets   map[string][]string
	Fallback string
}

// ruleFile mirrors the YAML document. The verbs mapping is decoded through
// a yaml.Node so the configured rule order survives.
type ruleFile struct {
	Verbs    yaml.Node           `yaml:"verbs"`
	Assets   map[string][]string `yaml:"assets"`
	Fallback string              `yaml:"fallback"`
}

// LoadRules reads and compiles the rule file. An unreadable or malformed
// file is fatal: relation inference without rules has no safe behavior.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read relation rules")
	}

	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, errors.Wrap(err, "parse relation rules")
	}

	rules := &Rules{
		Assets:   rf.Assets,
		Fallback: rf.Fallback,
	}
	if rules.Fallback == "" {
		rules.Fallback = "RELATED_TO"
	}

	if rf.Verbs.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(rf.Verbs.Content); i += 2 {
			var keywords []string
			if err := rf.Verbs.Content[i+1].Decode(&keywords); err != nil {
				return nil, errors.Wrapf(err, "relation %q keywords", rf.Verbs.Content[i].Value)
			}
			rule := VerbRule{Relation: rf.Verbs.Content[i].Value, Keywords: keywords}
			for _, kw := range keywords {
				rule.patterns = append(rule.patterns,
					regexp.MustCompile(`\b`+regexp.QuoteMeta(strings.ToLower(kw))+`\b`))
			}
			rules.Verbs = append(rules.Verbs, rule)
		}
	}

	// Lower-case asset terms once so Infer is a pure scan.
	for asset, terms := range rules.Assets {
		lowered := make([]string, len(terms))
		for i, t := range terms {
			lowered[i] = strings.ToLower(t)
		}
		delete(rules.Assets, asset)
		rules.Assets[strings.ToLower(asset)] = lowered
	}

	return rules, nil
}

// Extractor applies the rules. It holds no per-call state: the asset
// context is an explicit parameter, so Infer is safe from concurrent
// workers.
type Extractor struct {
	rules *Rules
	log   *zap.SugaredLogger
}

func NewExtractor(rules *Rules, log *zap.SugaredLogger) *Extractor {
	log.Infow("loaded relation rules", "verbs", len(rules.Verbs), "assets", len(rules.Assets))
	return &Extractor{rules: rules, log: log}
}

// Infer returns the relation type for a phrase given the asset-type
// context. Asset-term matches take priority over verb keywords; verb rules
// are scanned in configured order and the first whole-word match wins.
func (e *Extractor) Infer(phrase, assetType string) string {
	lower := strings.ToLower(phrase)

	if terms, ok := e.rules.Assets[strings.ToLower(assetType)]; ok {
		for _, term := range terms {
			if strings.Contains(lower, term) {
				return PartOf
			}
		}
	}

	for _, rule := range e.rules.Verbs {
		for _, pat := range rule.patterns {
			if pat.MatchString(lower) {
				return rule.Relation
			}
		}
	}

	return e.rules.Fallback
}

// TagMetadata is one row of the static plant metadata table.
type TagMetadata struct {
	TagName  string
	System   string
	Category string
	Unit     string
}

// Candidate is a relationship proposal between two named things.
type Candidate struct {
	From string
	To   string
	Type string
}

// GenerateFromMetadata emits static relationship candidates so the graph
// can be populated before live events arrive. Purely deterministic.
func GenerateFromMetadata(rows []TagMetadata) []Candidate {
	var out []Candidate
	for _, row := range rows {
		if row.TagName == "" {
			continue
		}
		if row.System != "" {
			out = append(out, Candidate{From: row.TagName, To: row.System, Type: "PART_OF"})
		}
		if row.Category != "" {
			out = append(out, Candidate{From: row.TagName, To: row.Category, Type: "IS_TYPE"})
		}
		if row.Unit != "" {
			out = append(out, Candidate{From: row.TagName, To: row.Unit, Type: "MEASURES"})
		}
	}
	return out
}
