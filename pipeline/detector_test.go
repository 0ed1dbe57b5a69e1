package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/plantkg/record"
)

func highRule(tag string) map[string]AlarmRule {
	return map[string]AlarmRule{
		tag: {
			TagName:    tag,
			AlarmType:  "high",
			Threshold:  100,
			Hysteresis: 5,
			Priority:   "Critical",
			Unit:       "degC",
			Enabled:    true,
		},
	}
}

func TestDetectHighAlarmHysteresisBand(t *testing.T) {
	d := NewDetector(testLogger())
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		value float64
		fired bool
	}{
		{104, false}, // inside the band
		{105, true},  // threshold + hysteresis fires
		{106, true},
	}
	for _, tc := range cases {
		events := d.Detect([]record.Processed{
			procRecord(base, map[string]any{"BLR_TEMP_01": tc.value}),
		}, highRule("BLR_TEMP_01"))
		if tc.fired {
			assert.Len(t, events, 1, "value %v", tc.value)
		} else {
			assert.Empty(t, events, "value %v", tc.value)
		}
	}
}

func TestDetectLowAlarm(t *testing.T) {
	d := NewDetector(testLogger())
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rules := map[string]AlarmRule{
		"BLR_LVL_01": {TagName: "BLR_LVL_01", AlarmType: "low", Threshold: 20, Hysteresis: 2, Priority: "High", Enabled: true},
	}

	events := d.Detect([]record.Processed{
		procRecord(base, map[string]any{"BLR_LVL_01": 19.0}),
	}, rules)
	assert.Empty(t, events)

	events = d.Detect([]record.Processed{
		procRecord(base, map[string]any{"BLR_LVL_01": 18.0}),
	}, rules)
	require.Len(t, events, 1)
	assert.Equal(t, "Low Alarm", events[0].EventType)
	assert.Equal(t, "high", events[0].Severity)
}

func TestDetectEventShape(t *testing.T) {
	d := NewDetector(testLogger())
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	events := d.Detect([]record.Processed{
		procRecord(ts, map[string]any{"BLR_TEMP_01": 110.0}),
	}, highRule("BLR_TEMP_01"))
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, ts, ev.Timestamp)
	assert.Equal(t, "High Alarm", ev.EventType)
	assert.Equal(t, "BLR_TEMP_01 = 110 degC exceeded HIGH threshold (100)", ev.Description)
	assert.Equal(t, "boiler", ev.AssetType)
	assert.Equal(t, "critical", ev.Severity)
	assert.Equal(t, "BLR_TEMP_01", ev.Tag)
}

func TestDetectAssetTypeByNaming(t *testing.T) {
	d := NewDetector(testLogger())
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	events := d.Detect([]record.Processed{
		procRecord(ts, map[string]any{"TBN_SPD_01": 110.0}),
	}, highRule("TBN_SPD_01"))
	require.Len(t, events, 1)
	assert.Equal(t, "turbine", events[0].AssetType)
}

func TestDetectSkipsDisabledAndUnruledTags(t *testing.T) {
	d := NewDetector(testLogger())
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rules := highRule("BLR_TEMP_01")
	disabled := rules["BLR_TEMP_01"]
	disabled.Enabled = false
	rules["BLR_TEMP_01"] = disabled

	events := d.Detect([]record.Processed{
		procRecord(ts, map[string]any{"BLR_TEMP_01": 200.0, "UNRULED": 9999.0}),
	}, rules)
	assert.Empty(t, events)
}

func TestDetectSkipsNonNumericValues(t *testing.T) {
	d := NewDetector(testLogger())
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	events := d.Detect([]record.Processed{
		procRecord(ts, map[string]any{"BLR_TEMP_01": "offline"}),
	}, highRule("BLR_TEMP_01"))
	assert.Empty(t, events)
}

func TestDetectEmptyRuleSet(t *testing.T) {
	d := NewDetector(testLogger())
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	events := d.Detect([]record.Processed{
		procRecord(ts, map[string]any{"BLR_TEMP_01": 200.0}),
	}, nil)
	assert.Empty(t, events)
}

func TestLoadAlarmRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alarm.csv")
	csv := "Tag Name,Alarm Type,Threshold,Hysteresis,Priority,Unit,Description,Enabled\n" +
		"BLR_TEMP_01,High,100,5,Critical,degC,Boiler outlet temperature,yes\n" +
		"TBN_SPD_01,Low,3000,50,High,rpm,Turbine speed,no\n" +
		"BAD_ROW,High,not-a-number,5,High,,,yes\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	rules, err := LoadAlarmRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	temp := rules["BLR_TEMP_01"]
	assert.Equal(t, "high", temp.AlarmType)
	assert.Equal(t, 100.0, temp.Threshold)
	assert.Equal(t, 5.0, temp.Hysteresis)
	assert.True(t, temp.Enabled)

	assert.False(t, rules["TBN_SPD_01"].Enabled)
}

func TestLoadAlarmRulesMissingFile(t *testing.T) {
	_, err := LoadAlarmRules(filepath.Join(t.TempDir(), "absent.csv"))
	assert.Error(t, err)
}
