// Package api exposes the knowledge graph over a small read-only HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/graph"
)

const defaultEventLimit = 50

// Server serves graph queries over HTTP.
type Server struct {
	store *graph.Persistor
	log   *zap.SugaredLogger
	addr  string
}

func NewServer(store *graph.Persistor, addr string, log *zap.SugaredLogger) *Server {
	return &Server{store: store, log: log, addr: addr}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/graph/stats", s.handleGraphStats).Methods("GET")
	router.HandleFunc("/api/v1/events", s.handleRecentEvents).Methods("GET")
	router.HandleFunc("/api/v1/tags/{name}", s.handleTagByName).Methods("GET")

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/readyz", s.handleReadiness).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

// ListenAndServe blocks until the server exits or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GraphStats(r.Context())
	if err != nil {
		s.log.Errorw("graph stats query failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.store.RecentEvents(r.Context(), since, limit)
	if err != nil {
		s.log.Errorw("event query failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTagByName(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	detail, err := s.store.TagByName(r.Context(), name)
	if err != nil {
		s.log.Errorw("tag query failed", "tag", name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.Error(w, "tag not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.VerifyConnectivity(ctx); err != nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
