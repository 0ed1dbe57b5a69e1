// Package config loads pipeline settings from environment variables. Every
// value has a development default; Validate reports the fatal
// misconfigurations that make a run impossible.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Settings holds everything the pipeline binaries read from the environment.
type Settings struct {
	AppEnv string

	// Message broker
	BrokerType      string // kafka | mqtt
	KafkaBrokerURLs []string
	KafkaTopicRaw   string
	MQTTBrokerHost  string
	MQTTBrokerPort  int

	// Neo4j
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// Chunking
	ChunkSizeSeconds    int
	ChunkOverlapSeconds int
	MaxBatchRecords     int

	// Fallback queue
	FallbackQueueDir string

	// Rule files
	RelationRulesPath string
	AlarmTablePath    string
	AssetTablePath    string
	PlantConfigPath   string

	// Serving
	MetricsAddr string
	APIPort     string
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// Load reads all settings from the environment, applying defaults.
func Load() Settings {
	return Settings{
		AppEnv: strings.ToLower(getenv("APP_ENV", "development")),

		BrokerType:      strings.ToLower(getenv("MESSAGE_BROKER_TYPE", "kafka")),
		KafkaBrokerURLs: strings.Split(getenv("KAFKA_BROKER_URLS", "localhost:9092"), ","),
		KafkaTopicRaw:   getenv("KAFKA_TOPIC_RAW", "opcua_raw_data"),
		MQTTBrokerHost:  getenv("MQTT_BROKER_HOST", "localhost"),
		MQTTBrokerPort:  getenvInt("MQTT_BROKER_PORT", 1883),

		Neo4jURI:      getenv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:     getenv("NEO4J_USER", "neo4j"),
		Neo4jPassword: getenv("NEO4J_PASS", "password"),
		Neo4jDatabase: getenv("NEO4J_DATABASE", "neo4j"),

		ChunkSizeSeconds:    getenvInt("CHUNK_SIZE_SECONDS", 300),
		ChunkOverlapSeconds: getenvInt("CHUNK_OVERLAP_SECONDS", 0),
		MaxBatchRecords:     getenvInt("MAX_BATCH_RECORDS", 1000),

		FallbackQueueDir: getenv("FALLBACK_QUEUE_DIR", "data/queue"),

		RelationRulesPath: getenv("RELATION_RULES_PATH", "config/relation_rules.yaml"),
		AlarmTablePath:    getenv("ALARM_TABLE_PATH", "plant_data/alarm.csv"),
		AssetTablePath:    getenv("ASSET_TABLE_PATH", "plant_data/asset.csv"),
		PlantConfigPath:   getenv("PLANT_CONFIG_PATH", "plant_data/plant_config.csv"),

		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
		APIPort:     getenv("API_PORT", "8080"),
	}
}

// Validate returns an error describing every fatal configuration problem.
func (s Settings) Validate() error {
	var problems []string

	switch s.BrokerType {
	case "kafka", "mqtt":
	default:
		problems = append(problems, "MESSAGE_BROKER_TYPE must be kafka or mqtt, got "+strconv.Quote(s.BrokerType))
	}
	if s.MQTTBrokerPort < 1 || s.MQTTBrokerPort > 65535 {
		problems = append(problems, "MQTT_BROKER_PORT out of range: "+strconv.Itoa(s.MQTTBrokerPort))
	}
	if s.ChunkSizeSeconds <= 0 {
		problems = append(problems, "CHUNK_SIZE_SECONDS must be positive")
	}
	if s.ChunkOverlapSeconds < 0 || s.ChunkOverlapSeconds >= s.ChunkSizeSeconds {
		problems = append(problems, "CHUNK_OVERLAP_SECONDS must be in [0, CHUNK_SIZE_SECONDS)")
	}
	if s.MaxBatchRecords <= 0 {
		problems = append(problems, "MAX_BATCH_RECORDS must be positive")
	}
	if s.FallbackQueueDir == "" {
		problems = append(problems, "FALLBACK_QUEUE_DIR must not be empty")
	}

	if len(problems) > 0 {
		return errors.Newf("configuration errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// NewLogger builds the process logger for the configured environment.
func (s Settings) NewLogger() (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if s.AppEnv == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return l.Sugar(), nil
}
