package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/plantops/plantkg/config"
	"github.com/plantops/plantkg/ingest"
)

func main() {
	maxRetries := flag.Int("max-retries", 3, "delivery attempts per queued record")
	flag.Parse()

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

	var client ingest.BrokerClient
	switch settings.BrokerType {
	case "mqtt":
		client, err = ingest.NewMQTTClient(settings.MQTTBrokerHost, settings.MQTTBrokerPort, "queue-replay")
	default:
		client, err = ingest.NewKafkaClient(settings.KafkaBrokerURLs, "queue-replay")
	}
	if err != nil {
		log.Fatalw("broker setup failed", "type", settings.BrokerType, "error", err)
	}

	ingestor, err := ingest.New(client, settings.BrokerType, settings.KafkaTopicRaw, settings.FallbackQueueDir, log)
	if err != nil {
		log.Fatalw("queue setup failed", "dir", settings.FallbackQueueDir, "error", err)
	}
	defer ingestor.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ingestor.RetryFallbackQueue(ctx, *maxRetries); err != nil {
		log.Fatalw("replay failed", "error", err)
	}
	log.Infow("replay complete")
}
