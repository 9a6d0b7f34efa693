package main

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-gramschmidt/internal/client"
	"github.com/23skdu/longbow-gramschmidt/internal/gramschmidt"
)

type GramSchmidtFlightServer struct {
	flight.BaseFlightServer
	srv   *Server
	alloc memory.Allocator
}

func NewGramSchmidtFlightServer(srv *Server) *GramSchmidtFlightServer {
	return &GramSchmidtFlightServer{
		srv:   srv,
		alloc: memory.NewGoAllocator(),
	}
}

// grpcError maps kernel errors onto gRPC status codes.
func grpcError(err error) error {
	switch {
	case errors.Is(err, gramschmidt.ErrInvalidArgument), errors.Is(err, client.ErrBadRecord):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, gramschmidt.ErrDegenerate):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, gramschmidt.ErrResourceExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// DoExchange orthonormalizes each incoming record batch and streams the
// basis back in the same order.
func (s *GramSchmidtFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		dim, num, vecs, err := client.VectorsFromRecord(reader.Record())
		if err != nil {
			return grpcError(err)
		}
		if num == 0 {
			continue
		}
		if err := s.srv.orthonormalize(stream.Context(), dim, num, vecs); err != nil {
			log.Warn().Err(err).Int("dim", dim).Int("num", num).Msg("DoExchange orthonormalization failed")
			return grpcError(err)
		}

		rb, err := builder.BuildRecordBatch(dim, num, vecs)
		if err != nil {
			return grpcError(err)
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(rb.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rb)
		rb.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

// DoPut orthonormalizes incoming batches without returning them; with a
// forwarding client configured the bases go to Longbow.
func (s *GramSchmidtFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		dim, num, vecs, err := client.VectorsFromRecord(rec)
		if err != nil {
			return grpcError(err)
		}
		if num == 0 {
			continue
		}
		err = s.srv.orthonormalize(stream.Context(), dim, num, vecs)
		log.Info().
			Int64("rows", rec.NumRows()).
			Int("dim", dim).
			Str("status", gramschmidt.StatusOf(err).String()).
			Msg("DoPut received batch")
		if err != nil {
			return grpcError(err)
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewGramSchmidtFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Gram-Schmidt Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
