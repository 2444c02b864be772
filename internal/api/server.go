// Package api serves the HTTP query surface over the chat store: document
// lookups, deleted-message peeks, stats, backfill control and a live
// websocket feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/repository"
)

// Dependencies contains all service dependencies.
type Dependencies struct {
	Store     repository.Store
	Deletions DeletionQuerier
	Counters  CounterSnapshotter
	Backfill  BackfillManager

	// optional
	Live    ingest.LiveChecker
	Status  StatusFunc
	Hub     *Hub
	Metrics http.Handler
}

// Server is the HTTP server of the query surface.
type Server struct {
	http *http.Server
	log  *logger.Logger
}

// NewHandler creates the request handlers over deps.
func NewHandler(deps *Dependencies, log *logger.Logger) *Handler {
	return &Handler{
		store:     deps.Store,
		deletions: deps.Deletions,
		live:      deps.Live,
		counters:  deps.Counters,
		backfill:  deps.Backfill,
		status:    deps.Status,
		log:       log,
		started:   time.Now().UTC(),
	}
}

// NewServer creates a server listening on port.
func NewServer(port int, deps *Dependencies, log *logger.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           NewRouter(NewHandler(deps, log), deps.Hub, deps.Metrics),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
