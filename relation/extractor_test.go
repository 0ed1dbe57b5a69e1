package relation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRules = `
verbs:
  CAUSES:
    - caused
    - led to
  INDICATES:
    - exceeded
    - indicates
  MEASURES:
    - measures
assets:
  boiler:
    - drum
    - economizer
  turbine:
    - rotor
fallback: RELATED_TO
`

func loadTestRules(t *testing.T, doc string) *Extractor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	rules, err := LoadRules(path)
	require.NoError(t, err)
	return NewExtractor(rules, zap.NewNop().Sugar())
}

func TestInferAssetTermsTakePriority(t *testing.T) {
	e := loadTestRules(t, testRules)

	// "exceeded" would match INDICATES, but the asset term wins.
	got := e.Infer("drum pressure exceeded limit", "boiler")
	assert.Equal(t, PartOf, got)
}

func TestInferAssetContextScopesTerms(t *testing.T) {
	e := loadTestRules(t, testRules)

	// Same phrase, different asset context: "drum" is not a turbine term.
	assert.Equal(t, PartOf, e.Infer("drum level low", "boiler"))
	assert.Equal(t, "RELATED_TO", e.Infer("drum level low", "turbine"))
}

func TestInferVerbOrder(t *testing.T) {
	e := loadTestRules(t, testRules)

	// Both CAUSES and INDICATES keywords present: first configured rule wins.
	got := e.Infer("leak caused pressure drop and indicates wear", "")
	assert.Equal(t, "CAUSES", got)
}

func TestInferWholeWordMatching(t *testing.T) {
	e := loadTestRules(t, testRules)

	// "measurest" must not match the "measures" keyword.
	assert.Equal(t, "RELATED_TO", e.Infer("sensor measurest nothing", ""))
	assert.Equal(t, "MEASURES", e.Infer("sensor measures flow", ""))
}

func TestInferCaseInsensitive(t *testing.T) {
	e := loadTestRules(t, testRules)

	assert.Equal(t, "INDICATES", e.Infer("TEMPERATURE EXCEEDED THRESHOLD", ""))
	assert.Equal(t, PartOf, e.Infer("ROTOR VIBRATION", "Turbine"))
}

func TestInferFallback(t *testing.T) {
	e := loadTestRules(t, testRules)

	assert.Equal(t, "RELATED_TO", e.Infer("no keywords here", ""))
	assert.Equal(t, "RELATED_TO", e.Infer("", ""))
}

func TestLoadRulesDefaultFallback(t *testing.T) {
	e := loadTestRules(t, "verbs:\n  CAUSES:\n    - caused\n")
	assert.Equal(t, "RELATED_TO", e.Infer("nothing", ""))
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRulesMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verbs: [unclosed"), 0o644))
	_, err := LoadRules(path)
	assert.Error(t, err)
}

func TestGenerateFromMetadata(t *testing.T) {
	rows := []TagMetadata{
		{TagName: "BLR_TEMP_01", System: "Boiler", Category: "Temperature", Unit: "degC"},
		{TagName: "TBN_SPD_01", System: "Turbine"},
		{TagName: ""},
	}

	out := GenerateFromMetadata(rows)
	assert.Equal(t, []Candidate{
		{From: "BLR_TEMP_01", To: "Boiler", Type: "PART_OF"},
		{From: "BLR_TEMP_01", To: "Temperature", Type: "IS_TYPE"},
		{From: "BLR_TEMP_01", To: "degC", Type: "MEASURES"},
		{From: "TBN_SPD_01", To: "Turbine", Type: "PART_OF"},
	}, out)
}
