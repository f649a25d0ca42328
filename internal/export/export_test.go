package export

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-sgemm/internal/matrix"
)

func equal(t *testing.T, got, want *matrix.Matrix) {
	t.Helper()
	if got.Rows != want.Rows || got.Cols != want.Cols {
		t.Fatalf("shape %dx%d, want %dx%d", got.Rows, got.Cols, want.Rows, want.Cols)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("element %d: %v != %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestRecordsChunking(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	m := matrix.Random(matrix.NewRand(1), 10, 3)
	recs := Records(mem, "C", m, 4)
	if len(recs) != 3 {
		t.Fatalf("expected 3 batches for 10 rows by 4, got %d", len(recs))
	}
	if recs[2].NumRows() != 2 {
		t.Errorf("last batch should hold 2 rows, got %d", recs[2].NumRows())
	}

	// out of order arrival still assembles
	var asm Assembler
	for _, i := range []int{2, 0, 1} {
		if err := asm.Add(recs[i]); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range recs {
		r.Release()
	}
	got, name, err := asm.Matrix()
	if err != nil {
		t.Fatal(err)
	}
	if name != "C" {
		t.Errorf("expected name C, got %q", name)
	}
	equal(t, got, m)
}

func TestAssemblerIncomplete(t *testing.T) {
	mem := memory.NewGoAllocator()
	m := matrix.Random(matrix.NewRand(2), 6, 2)
	recs := Records(mem, "C", m, 3)
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	var asm Assembler
	if _, _, err := asm.Matrix(); !errors.Is(err, ErrSchema) {
		t.Errorf("empty assembler: expected ErrSchema, got %v", err)
	}
	if err := asm.Add(recs[0]); err != nil {
		t.Fatal(err)
	}
	if _, _, err := asm.Matrix(); !errors.Is(err, ErrSchema) {
		t.Errorf("partial matrix: expected ErrSchema, got %v", err)
	}
}

func TestAssemblerRejectsDuplicateRows(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	bldr := array.NewRecordBuilder(mem, Schema("C", 2, 3))
	defer bldr.Release()
	rowB := bldr.Field(0).(*array.Int32Builder)
	listB := bldr.Field(1).(*array.FixedSizeListBuilder)
	valB := listB.ValueBuilder().(*array.Float32Builder)
	for _, r := range []int32{0, 0} {
		rowB.Append(r)
		listB.Append(true)
		valB.AppendValues([]float32{1, 2, 3}, nil)
	}
	rec := bldr.NewRecord()
	defer rec.Release()

	var asm Assembler
	if err := asm.Add(rec); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema for repeated row, got %v", err)
	}
	if _, _, err := asm.Matrix(); !errors.Is(err, ErrSchema) {
		t.Errorf("matrix missing row 1: expected ErrSchema, got %v", err)
	}
}

func TestIPCFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.arrow")
	m := matrix.Random(matrix.NewRand(3), 2100, 5)
	if err := WriteIPCFile(path, "product", m); err != nil {
		t.Fatalf("WriteIPCFile: %v", err)
	}
	got, name, err := ReadIPCFile(path)
	if err != nil {
		t.Fatalf("ReadIPCFile: %v", err)
	}
	if name != "product" {
		t.Errorf("expected name product, got %q", name)
	}
	equal(t, got, m)
}

func TestReadIPCFileMissing(t *testing.T) {
	if _, _, err := ReadIPCFile(filepath.Join(t.TempDir(), "none.arrow")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDoPutRequiresConnect(t *testing.T) {
	fc := NewFlightClient("localhost:1")
	err := fc.DoPut(context.Background(), "C", matrix.New(1, 1))
	if err == nil {
		t.Fatal("expected error when client not connected")
	}
}

func TestFlightDoPut(t *testing.T) {
	received := make(chan string, 1)
	sink := NewSink(func(name string, _ *matrix.Matrix) { received <- name })
	srv, err := sink.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fc := NewFlightClient(srv.Addr().String())
	fc.chunkRows = 7
	if err := fc.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer fc.Close()

	m := matrix.Random(matrix.NewRand(4), 20, 9)
	if err := fc.DoPut(ctx, "sgemm-C", m); err != nil {
		t.Fatalf("DoPut: %v", err)
	}

	select {
	case name := <-received:
		if name != "sgemm-C" {
			t.Errorf("expected descriptor sgemm-C, got %q", name)
		}
	case <-ctx.Done():
		t.Fatal("sink never received the matrix")
	}
	got, ok := sink.Get("sgemm-C")
	if !ok {
		t.Fatal("sink has no matrix under sgemm-C")
	}
	equal(t, got, m)
}
