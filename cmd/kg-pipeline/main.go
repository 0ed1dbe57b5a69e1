package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/plantops/plantkg/builder"
	"github.com/plantops/plantkg/config"
	"github.com/plantops/plantkg/graph"
	"github.com/plantops/plantkg/ingest"
	"github.com/plantops/plantkg/internal/metrics"
	"github.com/plantops/plantkg/pipeline"
	"github.com/plantops/plantkg/reader"
	"github.com/plantops/plantkg/record"
	"github.com/plantops/plantkg/relation"
)

const replayMaxRetries = 3

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		if err := runHealthcheck(); err != nil {
			fmt.Printf("not ok: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	input := flag.String("input", "", "path to sensor data file (csv, json, jsonl or parquet)")
	seed := flag.Bool("seed", true, "load static plant metadata before processing")
	flag.Parse()
	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: kg-pipeline -input <file> [-seed=false]")
		os.Exit(2)
	}

	settings := config.Load()
	if err := settings.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := settings.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ok := run(ctx, settings, *input, *seed, log)
	if !ok {
		os.Exit(1)
	}
}

func run(ctx context.Context, settings config.Settings, input string, seed bool, log *zap.SugaredLogger) bool {
	start := time.Now()

	store, err := graph.NewPersistor(settings.Neo4jURI, settings.Neo4jUser, settings.Neo4jPassword, settings.Neo4jDatabase, log)
	if err != nil {
		log.Errorw("neo4j connect failed", "uri", settings.Neo4jURI, "error", err)
		return false
	}
	defer store.Close(context.Background())

	if err := store.VerifyConnectivity(ctx); err != nil {
		log.Errorw("neo4j unreachable", "uri", settings.Neo4jURI, "error", err)
		return false
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Errorw("ensure schema failed", "error", err)
		return false
	}
	log.Infow("schema ready")

	ingestor, err := newIngestor(settings, log)
	if err != nil {
		log.Errorw("ingestor setup failed", "type", settings.BrokerType, "error", err)
		return false
	}
	defer ingestor.Close()

	go func() {
		if err := metrics.StartServer(settings.MetricsAddr, ingestor.Healthy); err != nil {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	if seed {
		err := store.WithTransaction(ctx, func(w graph.Writer) error {
			return graph.SeedStatic(ctx, w, graph.SeedPaths{
				Asset:       settings.AssetTablePath,
				PlantConfig: settings.PlantConfigPath,
				Alarm:       settings.AlarmTablePath,
			}, log)
		})
		if err != nil {
			log.Errorw("metadata seed failed", "error", err)
			return false
		}
		log.Infow("static metadata seeded")
	}

	// Drain anything a previous run left behind before producing more.
	if err := ingestor.RetryFallbackQueue(ctx, replayMaxRetries); err != nil {
		log.Warnw("fallback replay incomplete", "error", err)
	}

	raws, err := reader.New(log).ReadRecords(input)
	if err != nil {
		log.Errorw("read input failed", "path", input, "error", err)
		return false
	}
	if len(raws) == 0 {
		log.Warnw("no records in input", "path", input)
		return true
	}

	processed := pipeline.NewProcessor(log).ProcessBatch(raws)
	log.Infow("records processed", "raw", len(raws), "clean", len(processed))

	chunker := pipeline.NewChunker(
		time.Duration(settings.ChunkSizeSeconds)*time.Second,
		time.Duration(settings.ChunkOverlapSeconds)*time.Second,
		settings.MaxBatchRecords,
		log,
	)
	chunks := chunker.Chunk(processed, sourceOf(processed))
	log.Infow("chunks created", "count", len(chunks))

	delivered, queued := 0, 0
	for _, chunk := range chunks {
		if ingestor.Ingest(ctx, chunk) {
			delivered++
		} else {
			queued++
		}
	}
	log.Infow("chunks ingested", "delivered", delivered, "queued", queued)

	rules, err := pipeline.LoadAlarmRules(settings.AlarmTablePath)
	if err != nil {
		log.Errorw("load alarm rules failed", "path", settings.AlarmTablePath, "error", err)
		return false
	}
	events := pipeline.NewDetector(log).Detect(processed, rules)
	log.Infow("events detected", "count", len(events))

	relRules, err := relation.LoadRules(settings.RelationRulesPath)
	if err != nil {
		log.Errorw("load relation rules failed", "path", settings.RelationRulesPath, "error", err)
		return false
	}
	b := builder.New(store, relation.NewExtractor(relRules, log), nil, log)
	built := b.BuildEvents(ctx, events)

	elapsed := time.Since(start).Seconds()
	success := built == len(events) && queued == 0
	log.Infow("pipeline finished",
		"success", success,
		"elapsed_seconds", elapsed,
		"events_built", built,
		"events_total", len(events),
	)
	return success
}

// newIngestor connects the configured broker. An unreachable broker is a
// degraded start, not a fatal one: the ingestor runs with no client and
// every payload lands in the fallback queue for a later replay.
func newIngestor(settings config.Settings, log *zap.SugaredLogger) (*ingest.Ingestor, error) {
	var client ingest.BrokerClient
	var err error
	switch settings.BrokerType {
	case "mqtt":
		client, err = ingest.NewMQTTClient(settings.MQTTBrokerHost, settings.MQTTBrokerPort, "kg-pipeline")
	default:
		client, err = ingest.NewKafkaClient(settings.KafkaBrokerURLs, "kg-pipeline")
	}
	if err != nil {
		log.Warnw("broker unreachable, starting in disk-only mode",
			"type", settings.BrokerType, "error", err)
		client = nil
	}
	return ingest.New(client, settings.BrokerType, settings.KafkaTopicRaw, settings.FallbackQueueDir, log)
}

func sourceOf(processed []record.Processed) string {
	if len(processed) == 0 {
		return "unknown"
	}
	return processed[0].SourceID
}

func runHealthcheck() error {
	required := []string{
		"NEO4J_URI",
		"NEO4J_USER",
		"NEO4J_PASS",
	}
	for _, k := range required {
		if os.Getenv(k) == "" {
			return fmt.Errorf("missing env %s", k)
		}
	}
	if v := os.Getenv("CHUNK_SIZE_SECONDS"); v != "" {
		if i, err := strconv.Atoi(v); err != nil || i <= 0 {
			return fmt.Errorf("CHUNK_SIZE_SECONDS must be a positive integer, got %q", v)
		}
	}
	return nil
}
