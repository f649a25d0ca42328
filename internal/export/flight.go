package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-sgemm/internal/logger"
	"github.com/23skdu/longbow-sgemm/internal/matrix"
)

// FlightClient pushes matrices to an Arrow Flight endpoint with DoPut.
type FlightClient struct {
	addr      string
	chunkRows int
	client    flight.Client
}

func NewFlightClient(addr string) *FlightClient {
	return &FlightClient{addr: addr, chunkRows: DefaultChunkRows}
}

// Connect dials the endpoint without TLS.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// DoPut streams m under the descriptor path [name] and waits for the
// server to acknowledge.
func (fc *FlightClient) DoPut(ctx context.Context, name string, m *matrix.Matrix) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	mem := memory.NewGoAllocator()
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema(name, m.Rows, m.Cols)), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}})

	recs := Records(mem, name, m, fc.chunkRows)
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut ack: %w", err)
		}
	}

	logger.Log.Debug("matrix exported over flight", "name", name, "rows", m.Rows, "cols", m.Cols, "batches", len(recs))
	return nil
}

// Sink is a Flight service that keeps the last matrix put under each
// descriptor path.
type Sink struct {
	flight.BaseFlightServer

	mu       sync.RWMutex
	matrices map[string]*matrix.Matrix
	onPut    func(name string, m *matrix.Matrix)
}

// NewSink builds a sink. onPut, when non-nil, runs after each complete put.
func NewSink(onPut func(name string, m *matrix.Matrix)) *Sink {
	return &Sink{matrices: make(map[string]*matrix.Matrix), onPut: onPut}
}

func (s *Sink) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("sink: open reader: %w", err)
	}
	defer rdr.Release()

	var asm Assembler
	for rdr.Next() {
		if err := asm.Add(rdr.Record()); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("sink: read stream: %w", err)
	}
	m, name, err := asm.Matrix()
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if desc := rdr.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		name = desc.Path[0]
	}

	s.mu.Lock()
	s.matrices[name] = m
	s.mu.Unlock()
	if s.onPut != nil {
		s.onPut(name, m)
	}
	return stream.Send(&flight.PutResult{})
}

// Get returns the last matrix received under name.
func (s *Sink) Get(name string) (*matrix.Matrix, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matrices[name]
	return m, ok
}

// Serve starts a Flight server for the sink on addr. The returned server
// is already listening; stop it with Shutdown.
func (s *Sink) Serve(addr string) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("sink listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(s)
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("flight sink stopped", "err", err)
		}
	}()
	return srv, nil
}
