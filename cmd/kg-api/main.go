package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/plantops/plantkg/api"
	"github.com/plantops/plantkg/config"
	"github.com/plantops/plantkg/graph"
)

func main() {
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

	store, err := graph.NewPersistor(settings.Neo4jURI, settings.Neo4jUser, settings.Neo4jPassword, settings.Neo4jDatabase, log)
	if err != nil {
		log.Fatalw("neo4j connect failed", "uri", settings.Neo4jURI, "error", err)
	}
	defer store.Close(context.Background())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := api.NewServer(store, ":"+settings.APIPort, log)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalw("api server failed", "error", err)
	}
	log.Infow("shutdown")
}
