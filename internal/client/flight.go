package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient forwards orthonormal bases to a Longbow server via Apache
// Flight. Puts are guarded by a circuit breaker so a dead upstream does not
// stall request handling.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// DoPut sends a RecordBatch to the given dataset on the Longbow server.
// It returns ErrCircuitOpen without dialing while the breaker is open.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return c.breaker.Execute(func() error {
		return c.doPut(ctx, datasetName, record)
	})
}

func (c *FlightClient) doPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	// Drain put results so upstream errors surface here.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// BreakerState exposes the breaker for health reporting.
func (c *FlightClient) BreakerState() State {
	return c.breaker.State()
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
