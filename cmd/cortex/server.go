package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-cortex/internal/fixture"
	"github.com/23skdu/longbow-cortex/internal/report"
)

// Replayer runs a recorded case against a backend.
type Replayer interface {
	Replay(ctx context.Context, c *fixture.Case) (report.Result, error)
}

type Server struct {
	replayer Replayer
	sem      *semaphore.Weighted
}

func NewServer(replayer Replayer, maxConcurrent int) *Server {
	return &Server{
		replayer: replayer,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/replay", s.handleReplay)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, replayer Replayer, maxConcurrent int) {
	srv := NewServer(replayer, maxConcurrent)
	log.Info().Str("addr", addr).Int("max_concurrent", maxConcurrent).Msg("Starting Cortex Server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleReplay")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
		replayRequests.WithLabelValues(strconv.Itoa(code/100) + "xx").Inc()
	}()
	fail := func(status int, msg string) {
		code = status
		http.Error(w, msg, status)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var c fixture.Case
	if err := fixture.DecodeCase(r.Body, &c); err != nil {
		span.RecordError(err)
		fail(http.StatusBadRequest, fmt.Sprintf("Bad Request (CBOR decode): %v", err))
		return
	}
	span.SetAttributes(
		attribute.String("kernel", c.Kernel),
		attribute.Int("input_count", len(c.Inputs)),
	)

	// Admission Control
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		fail(http.StatusServiceUnavailable, "Server busy")
		return
	}
	defer s.sem.Release(1)

	res, err := s.replayer.Replay(ctx, &c)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("kernel", c.Kernel).Msg("Replay failed")
		fail(http.StatusUnprocessableEntity, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(res); err != nil {
		log.Error().Err(err).Msg("Failed to encode replay result")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
