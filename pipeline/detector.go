package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/internal/metrics"
	"github.com/plantops/plantkg/record"
)

// AlarmRule holds the threshold configuration for one plant tag.
type AlarmRule struct {
	TagName     string
	AlarmType   string // high | highhigh | alert | low | lowlow
	Threshold   float64
	Hysteresis  float64
	Priority    string
	Unit        string
	Description string
	Enabled     bool
}

var highAlarmTypes = map[string]bool{"high": true, "highhigh": true, "alert": true}
var lowAlarmTypes = map[string]bool{"low": true, "lowlow": true}

// Detector evaluates processed records against alarm rules to produce
// discrete events. Detection is best-effort: it never aborts the pipeline.
type Detector struct {
	log  *zap.SugaredLogger
	rate *RateTracker
}

func NewDetector(log *zap.SugaredLogger) *Detector {
	return &Detector{log: log, rate: NewRateTracker(5*time.Minute, 3.0)}
}

// Detect walks every tag of every record; a tag with a matching enabled
// rule emits an event when the value crosses the hysteresis band. Tags
// without a rule are skipped silently.
func (d *Detector) Detect(records []record.Processed, rules map[string]AlarmRule) []record.Event {
	if len(rules) == 0 {
		return nil
	}

	var events []record.Event
	for _, rec := range records {
		for tag, value := range rec.Tags {
			rule, ok := rules[tag]
			if !ok || !rule.Enabled {
				continue
			}
			v, ok := numericValue(value)
			if !ok {
				continue
			}

			alarmType := strings.ToLower(rule.AlarmType)
			fired := false
			switch {
			case highAlarmTypes[alarmType]:
				fired = v >= rule.Threshold+rule.Hysteresis
			case lowAlarmTypes[alarmType]:
				fired = v <= rule.Threshold-rule.Hysteresis
			}
			if !fired {
				continue
			}

			ev := record.Event{
				Timestamp: rec.Timestamp,
				EventType: fmt.Sprintf("%s Alarm", capitalize(alarmType)),
				Description: fmt.Sprintf("%s = %v %s exceeded %s threshold (%v)",
					tag, v, rule.Unit, strings.ToUpper(alarmType), rule.Threshold),
				AssetType: assetTypeFor(tag),
				Severity:  strings.ToLower(rule.Priority),
				Tag:       tag,
			}
			events = append(events, ev)
			metrics.TrackEventDetected(alarmType)
			d.rate.Track(ev.Severity)
		}
	}

	d.log.Infow("detected alarm-driven events", "count", len(events))
	return events
}

// assetTypeFor maps a tag name to an asset type by naming convention:
// turbine tags carry a TBN marker, everything else is boiler equipment.
func assetTypeFor(tag string) string {
	if strings.Contains(tag, "TBN") {
		return "turbine"
	}
	return "boiler"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// LoadAlarmRules reads the alarm table CSV (Tag Name, Alarm Type,
// Threshold, Hysteresis, Priority, Unit, Description, Enabled). Rows that
// fail to parse are skipped; an unreadable table is an error the caller
// logs, and detection over an empty rule set yields no events.
func LoadAlarmRules(path string) (map[string]AlarmRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open alarm table")
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read alarm table header")
	}
	col := headerIndex(header)

	rules := make(map[string]AlarmRule)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read alarm table row")
		}

		tag := field(row, col, "tag name")
		if tag == "" {
			continue
		}
		threshold, err1 := strconv.ParseFloat(field(row, col, "threshold"), 64)
		hysteresis, err2 := strconv.ParseFloat(field(row, col, "hysteresis"), 64)
		if err1 != nil || err2 != nil {
			continue
		}

		rules[tag] = AlarmRule{
			TagName:     tag,
			AlarmType:   strings.ToLower(field(row, col, "alarm type")),
			Threshold:   threshold,
			Hysteresis:  hysteresis,
			Priority:    field(row, col, "priority"),
			Unit:        field(row, col, "unit"),
			Description: field(row, col, "description"),
			Enabled:     strings.EqualFold(field(row, col, "enabled"), "yes"),
		}
	}
	return rules, nil
}

func headerIndex(header []string) map[string]int {
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return col
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
