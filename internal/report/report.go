// Package report streams parity results as Arrow IPC record batches, one row
// per compared kernel case, for analysis in any Arrow-capable tool.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Result is the outcome of comparing one kernel case across two backends.
type Result struct {
	Kernel     string
	Reference  string
	Candidate  string
	Shape      [4]int32
	MaxAbsDiff float32
	Tolerance  float32
	Passed     bool
	Duration   time.Duration
}

// Schema is the Arrow schema of a report stream.
var Schema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "kernel", Type: arrow.BinaryTypes.String},
		{Name: "reference", Type: arrow.BinaryTypes.String},
		{Name: "candidate", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.FixedSizeListOf(4, arrow.PrimitiveTypes.Int32)},
		{Name: "max_abs_diff", Type: arrow.PrimitiveTypes.Float32},
		{Name: "tolerance", Type: arrow.PrimitiveTypes.Float32},
		{Name: "passed", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "duration_ns", Type: arrow.PrimitiveTypes.Int64},
	},
	nil,
)

// Writer buffers results and writes them as record batches of up to
// batchSize rows. It is not safe for concurrent use.
type Writer struct {
	w         *ipc.Writer
	mem       memory.Allocator
	batchSize int
	pending   []Result
}

// NewWriter starts an IPC stream on w.
func NewWriter(w io.Writer, batchSize int) *Writer {
	if batchSize < 1 {
		batchSize = 1
	}
	mem := memory.NewGoAllocator()
	return &Writer{
		w:         ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem)),
		mem:       mem,
		batchSize: batchSize,
	}
}

// Append queues r, flushing a batch once enough results are pending.
func (w *Writer) Append(r Result) error {
	w.pending = append(w.pending, r)
	if len(w.pending) >= w.batchSize {
		return w.Flush()
	}
	return nil
}

// Flush writes the pending results as one record batch.
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	rec := build(w.mem, w.pending)
	defer rec.Release()
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("write report batch: %w", err)
	}
	w.pending = w.pending[:0]
	return nil
}

// Close flushes and terminates the stream.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		_ = w.w.Close()
		return err
	}
	return w.w.Close()
}

func build(mem memory.Allocator, results []Result) arrow.RecordBatch {
	kernel := array.NewStringBuilder(mem)
	defer kernel.Release()
	reference := array.NewStringBuilder(mem)
	defer reference.Release()
	candidate := array.NewStringBuilder(mem)
	defer candidate.Release()
	shape := array.NewFixedSizeListBuilder(mem, 4, arrow.PrimitiveTypes.Int32)
	defer shape.Release()
	dims := shape.ValueBuilder().(*array.Int32Builder)
	diff := array.NewFloat32Builder(mem)
	defer diff.Release()
	tol := array.NewFloat32Builder(mem)
	defer tol.Release()
	passed := array.NewBooleanBuilder(mem)
	defer passed.Release()
	duration := array.NewInt64Builder(mem)
	defer duration.Release()

	for _, r := range results {
		kernel.Append(r.Kernel)
		reference.Append(r.Reference)
		candidate.Append(r.Candidate)
		shape.Append(true)
		dims.AppendValues(r.Shape[:], nil)
		diff.Append(r.MaxAbsDiff)
		tol.Append(r.Tolerance)
		passed.Append(r.Passed)
		duration.Append(r.Duration.Nanoseconds())
	}

	cols := []arrow.Array{
		kernel.NewArray(), reference.NewArray(), candidate.NewArray(), shape.NewArray(),
		diff.NewArray(), tol.NewArray(), passed.NewArray(), duration.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(Schema, cols, int64(len(results)))
}

// Read decodes every result in an IPC stream written by Writer.
func Read(r io.Reader) ([]Result, error) {
	reader, err := ipc.NewReader(r, ipc.WithSchema(Schema), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open report stream: %w", err)
	}
	defer reader.Release()

	var out []Result
	for reader.Next() {
		rec := reader.Record()
		kernel := rec.Column(0).(*array.String)
		reference := rec.Column(1).(*array.String)
		candidate := rec.Column(2).(*array.String)
		shape := rec.Column(3).(*array.FixedSizeList)
		dims := shape.ListValues().(*array.Int32)
		diff := rec.Column(4).(*array.Float32)
		tol := rec.Column(5).(*array.Float32)
		passed := rec.Column(6).(*array.Boolean)
		duration := rec.Column(7).(*array.Int64)

		for i := 0; i < int(rec.NumRows()); i++ {
			res := Result{
				Kernel:     kernel.Value(i),
				Reference:  reference.Value(i),
				Candidate:  candidate.Value(i),
				MaxAbsDiff: diff.Value(i),
				Tolerance:  tol.Value(i),
				Passed:     passed.Value(i),
				Duration:   time.Duration(duration.Value(i)),
			}
			start, _ := shape.ValueOffsets(i)
			for d := range res.Shape {
				res.Shape[d] = dims.Value(int(start) + d)
			}
			out = append(out, res)
		}
	}
	if err := reader.Err(); err != nil {
		return out, fmt.Errorf("read report stream: %w", err)
	}
	return out, nil
}
