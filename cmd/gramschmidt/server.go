package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-gramschmidt/internal/cache"
	"github.com/23skdu/longbow-gramschmidt/internal/client"
	"github.com/23skdu/longbow-gramschmidt/internal/gramschmidt"
)

var (
	vectorsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gramschmidt_server_vectors_processed_total",
		Help: "The total number of vectors orthonormalized by the server",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gramschmidt_request_duration_seconds",
		Help:    "Time spent processing orthonormalize requests",
		Buckets: prometheus.DefBuckets,
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gramschmidt_cache_lookups_total",
		Help: "Basis cache lookups by result",
	}, []string{"result"})
)

type OrthonormalizerInterface interface {
	Orthonormalize(dim, num int, vecs []float64) error
	Epsilon() float64
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// Request is the CBOR body of POST /orthonormalize.
type Request struct {
	Dim  int       `cbor:"dim"`
	Num  int       `cbor:"num"`
	Vecs []float64 `cbor:"vecs"`
}

// Response carries the binary status and the buffer as the kernel left it.
type Response struct {
	Status string    `cbor:"status"`
	Vecs   []float64 `cbor:"vecs,omitempty"`
	Error  string    `cbor:"error,omitempty"`
}

type Server struct {
	ortho        OrthonormalizerInterface
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	sem          *semaphore.Weighted
	maxWeight    int64
	cache        cache.BasisCache
}

// NewServer builds a Server. maxInflight bounds the number of float64 values
// being orthonormalized at once and must be positive. basisCache may be nil.
func NewServer(ortho OrthonormalizerInterface, fc FlightClientInterface, dataset string, maxInflight int, basisCache cache.BasisCache) (*Server, error) {
	if maxInflight <= 0 {
		return nil, fmt.Errorf("max inflight must be positive, got %d", maxInflight)
	}
	return &Server{
		ortho:        ortho,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(int64(maxInflight)),
		maxWeight:    int64(maxInflight),
		cache:        basisCache,
	}, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/orthonormalize", s.handleOrthonormalize)
	mux.HandleFunc("/orthonormalize/arrow", s.handleOrthonormalizeArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting Gram-Schmidt Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding bases to Longbow")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("gramschmidt-server")

// httpStatus maps kernel errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, gramschmidt.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, gramschmidt.ErrDegenerate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gramschmidt.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOrthonormalize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleOrthonormalize")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	span.SetAttributes(attribute.String("request_id", reqID))

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.Int("dim", req.Dim),
		attribute.Int("num", req.Num),
	)

	err := s.orthonormalize(ctx, req.Dim, req.Num, req.Vecs)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Str("request_id", reqID).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	resp := Response{
		Status: gramschmidt.StatusOf(err).String(),
		Vecs:   req.Vecs,
	}
	if err != nil {
		span.RecordError(err)
		resp.Error = err.Error()
		log.Warn().Err(err).Str("request_id", reqID).Int("dim", req.Dim).Int("num", req.Num).Msg("Orthonormalization failed")
	}

	body, merr := cbor.Marshal(resp)
	if merr != nil {
		http.Error(w, merr.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(httpStatus(err))
	_, _ = w.Write(body)
}

// orthonormalize runs the kernel under admission control, consulting the
// basis cache. Every successful basis is forwarded upstream, whether it came
// from the cache or from the kernel.
func (s *Server) orthonormalize(ctx context.Context, dim, num int, vecs []float64) error {
	fits := gramschmidt.ShapeFits(dim, num, len(vecs))

	// Malformed shapes still take a slot but are rejected by the kernel.
	weight := int64(1)
	if fits {
		weight = min(int64(dim)*int64(num), s.maxWeight)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return err
	}
	defer s.sem.Release(weight)

	var key uint64
	hit := false
	if s.cache != nil && fits {
		key = cache.Key(dim, num, s.ortho.Epsilon(), vecs[:dim*num])
		var basis []float64
		if basis, hit = s.cache.Get(key); hit {
			cacheLookups.WithLabelValues("hit").Inc()
			copy(vecs, basis)
		} else {
			cacheLookups.WithLabelValues("miss").Inc()
		}
	}

	if !hit {
		if err := s.ortho.Orthonormalize(dim, num, vecs); err != nil {
			return err
		}
		vectorsProcessed.Add(float64(num))

		if s.cache != nil {
			s.cache.Put(key, vecs[:dim*num])
		}
	}

	if s.flightClient != nil {
		if err := s.forwardToLongbow(ctx, dim, num, vecs); err != nil {
			log.Error().Err(err).Msg("Error forwarding basis to Longbow")
		}
	}
	return nil
}

func (s *Server) forwardToLongbow(ctx context.Context, dim, num int, vecs []float64) error {
	rb, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(dim, num, vecs)
	if err != nil || rb == nil {
		return err
	}
	defer rb.Release()

	return s.flightClient.DoPut(ctx, s.datasetName, rb)
}

// handleOrthonormalizeArrow treats every record batch of the request stream
// as one vector set and answers with a stream of their bases.
func (s *Server) handleOrthonormalizeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleOrthonormalizeArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var out []arrow.RecordBatch
	defer func() {
		for _, rb := range out {
			rb.Release()
		}
	}()

	batch := 0
	for reader.Next() {
		dim, num, vecs, err := client.VectorsFromRecord(reader.Record())
		if err != nil {
			http.Error(w, fmt.Sprintf("Batch %d: %v", batch, err), http.StatusBadRequest)
			return
		}
		if num == 0 {
			continue
		}

		if err := s.orthonormalize(ctx, dim, num, vecs); err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("request_id", reqID).Int("batch", batch).Msg("Orthonormalization failed")
			code := httpStatus(err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				code = http.StatusServiceUnavailable
			}
			http.Error(w, fmt.Sprintf("Batch %d: %v", batch, err), code)
			return
		}

		rb, err := builder.BuildRecordBatch(dim, num, vecs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(out) > 0 && !out[0].Schema().Equal(rb.Schema()) {
			rb.Release()
			http.Error(w, fmt.Sprintf("Batch %d: vector dimension changed mid-stream", batch), http.StatusBadRequest)
			return
		}
		out = append(out, rb)
		batch++
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.Int("batches", len(out)))
	if len(out) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	writer := ipc.NewWriter(w, ipc.WithSchema(out[0].Schema()), ipc.WithAllocator(s.alloc))
	for _, rb := range out {
		if err := writer.Write(rb); err != nil {
			log.Error().Err(err).Msg("Failed to write Arrow response")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Arrow response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
