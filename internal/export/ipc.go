package export

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-sgemm/internal/matrix"
)

// WriteIPCFile stores m as an Arrow IPC file at path.
func WriteIPCFile(path, name string, m *matrix.Matrix) error {
	mem := memory.NewGoAllocator()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema(name, m.Rows, m.Cols)), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("ipc writer: %w", err)
	}
	recs := Records(mem, name, m, DefaultChunkRows)
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close ipc writer: %w", err)
	}
	return f.Sync()
}

// ReadIPCFile loads a matrix written by WriteIPCFile.
func ReadIPCFile(path string) (*matrix.Matrix, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, "", fmt.Errorf("ipc reader: %w", err)
	}
	defer r.Close()

	var asm Assembler
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, "", fmt.Errorf("read record %d: %w", i, err)
		}
		if err := asm.Add(rec); err != nil {
			return nil, "", err
		}
	}
	return asm.Matrix()
}
