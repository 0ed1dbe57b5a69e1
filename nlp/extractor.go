// Package nlp defines the entity-extraction contract. The NER model itself
// is an external collaborator consumed as a pure function; the pipeline
// only depends on this interface and ships a keyword fallback.
package nlp

import "strings"

// Extractor maps free text to labeled terms, e.g.
// {"equipment": ["steam valve"], "keyword": ["startup"]}.
type Extractor interface {
	Extract(text string) map[string][]string
}

// KeywordExtractor is the fallback used when no model is configured or the
// model returns nothing: lower-cased whitespace-split keywords.
type KeywordExtractor struct{}

func (KeywordExtractor) Extract(text string) map[string][]string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return nil
	}
	return map[string][]string{"keyword": fields}
}

// TermSet flattens an extraction result into the distinct non-empty terms.
func TermSet(entities map[string][]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, terms := range entities {
		for _, t := range terms {
			if t == "" {
				continue
			}
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out
}
