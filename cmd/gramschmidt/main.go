package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-gramschmidt/internal/cache"
	"github.com/23skdu/longbow-gramschmidt/internal/client"
	"github.com/23skdu/longbow-gramschmidt/internal/dataset"
	"github.com/23skdu/longbow-gramschmidt/internal/gramschmidt"
)

var (
	epsilon     = flag.Float64("epsilon", gramschmidt.DefaultEpsilon, "Norm below which a vector is rejected as degenerate")
	atomic      = flag.Bool("atomic", false, "Leave the input unchanged when orthonormalization fails")
	verifyTol   = flag.Float64("verify", 0, "If >0, check results are orthonormal within this tolerance")
	inputPath   = flag.String("input", "", "CBOR file holding {dim, num, vecs} to orthonormalize")
	reference   = flag.String("reference", "", "Run only the named reference dataset (r3x3, r4x3, r5x4)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	serverAddr  = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName = flag.String("dataset", "gramschmidt_bases", "Target dataset name on server")
	listenAddr  = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr  = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxInflight = flag.Int("max-inflight", 1<<22, "Maximum number of float64 values being orthonormalized at once")
	cacheSize   = flag.Int("cache", 0, "Number of bases to cache by input (0 disables)")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *maxInflight <= 0 {
		log.Fatal().Int("max_inflight", *maxInflight).Msg("-max-inflight must be positive")
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	ortho := gramschmidt.New(
		gramschmidt.WithEpsilon(*epsilon),
		gramschmidt.WithAtomic(*atomic),
	)

	var fc *client.FlightClient
	if *serverAddr != "" {
		var err error
		fc, err = client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		var basisCache cache.BasisCache
		if *cacheSize > 0 {
			basisCache = cache.NewMapCache(*cacheSize)
		}
		var fcInterface FlightClientInterface
		if fc != nil {
			fcInterface = fc
		}
		srv, err := NewServer(ortho, fcInterface, *datasetName, *maxInflight, basisCache)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid server configuration")
		}

		if *flightAddr == "" {
			startServer(*listenAddr, srv)
			return
		}
		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		StartFlightServer(*flightAddr, srv)
		return
	}

	if *inputPath != "" {
		if err := runInput(ortho, fc, *inputPath, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("Orthonormalization failed")
		}
		return
	}

	if failed := runReference(ortho, *reference, os.Stdout); failed {
		os.Exit(1)
	}
}

// runReference orthonormalizes the built-in datasets and prints each vector
// with its absolute error against the analytic basis. It stops at the first
// failing dataset and reports whether one failed.
func runReference(ortho *gramschmidt.Orthonormalizer, only string, w io.Writer) bool {
	for _, d := range dataset.All() {
		if only != "" && d.Name != only {
			continue
		}
		buf := d.Clone().Vecs

		start := time.Now()
		err := ortho.Orthonormalize(d.Dim, d.Num, buf)
		elapsed := time.Since(start)

		fmt.Fprintf(w, "Dim: %d, Num: %d\n", d.Dim, d.Num)
		for k := 0; k < d.Num; k++ {
			fmt.Fprintf(w, "[%03d]\n", k)
			got, want := d.Row(buf, k), d.Row(d.Want, k)
			for j := range got {
				fmt.Fprintf(w, "    %+.5f (%.13e)\n", got[j], math.Abs(got[j]-want[j]))
			}
			fmt.Fprintln(w)
		}
		absErr := d.AbsError(buf)
		fmt.Fprintf(w, "error: %.13e\n\n", absErr)

		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Str("dataset", d.Name).
			Str("status", gramschmidt.StatusOf(err).String()).
			Float64("abs_error", absErr).
			Dur("elapsed", elapsed).
			Msg("Reference dataset")

		if err == nil && *verifyTol > 0 {
			if verr := gramschmidt.Verify(d.Dim, d.Num, buf, *verifyTol); verr != nil {
				log.Error().Err(verr).Str("dataset", d.Name).Msg("Verification failed")
				return true
			}
		}
		if err != nil {
			return true
		}
	}
	return false
}

// runInput orthonormalizes a CBOR request file and either forwards the basis
// to Longbow or writes it to w as an Arrow IPC stream.
func runInput(ortho *gramschmidt.Orthonormalizer, fc *client.FlightClient, path string, w io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var req Request
	if err := cbor.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	start := time.Now()
	if err := ortho.Orthonormalize(req.Dim, req.Num, req.Vecs); err != nil {
		return err
	}
	log.Info().
		Int("dim", req.Dim).
		Int("num", req.Num).
		Dur("elapsed", time.Since(start)).
		Msg("Orthonormalized input")

	if *verifyTol > 0 {
		if err := gramschmidt.Verify(req.Dim, req.Num, req.Vecs, *verifyTol); err != nil {
			return err
		}
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(req.Dim, req.Num, req.Vecs)
	if err != nil {
		return err
	}
	defer rec.Release()

	if fc != nil {
		log.Info().Int("count", req.Num).Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending basis to Longbow")
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := fc.DoPut(ctx, *datasetName, rec); err != nil {
			return fmt.Errorf("flight DoPut: %w", err)
		}
		log.Info().Msg("Successfully sent basis to Longbow")
		return nil
	}
	return writeArrowStream(w, rec)
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("gramschmidt"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
