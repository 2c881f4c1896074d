package tensor

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// buffer is the pooled storage shared by an owning Tensor and its views.
type buffer struct {
	data     []float32
	pool     *Pool
	disposed atomic.Bool
}

// Tensor is a shape-tagged dense float32 buffer in NCHW order.
//
// A Tensor returned by New, Like, From or Clone owns its buffer and must be
// released with Dispose. Reshape returns a view: it aliases the owner's storage,
// cannot be disposed itself and becomes unusable once the owner is disposed.
type Tensor struct {
	shape Shape
	buf   *buffer
	view  bool
}

// New rents a tensor of the given shape from the default pool.
func New(shape Shape, zero bool) (*Tensor, error) {
	return defaultPool.New(shape, zero)
}

// New rents a tensor of the given shape from p.
func (p *Pool) New(shape Shape, zero bool) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return &Tensor{
		shape: shape,
		buf:   &buffer{data: p.Get(shape.NCHW(), zero), pool: p},
	}, nil
}

// Like rents a zeroed tensor with the same shape as other.
func Like(other *Tensor) *Tensor {
	p := other.live().pool
	return &Tensor{
		shape: other.shape,
		buf:   &buffer{data: p.Get(other.shape.NCHW(), true), pool: p},
	}
}

// From rents a tensor and copies data into it. len(data) must equal shape.NCHW().
func From(shape Shape, data []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(data) != shape.NCHW() {
		return nil, fmt.Errorf("%w: shape %v requires %d elements, got %d", ErrShapeMismatch, shape, shape.NCHW(), len(data))
	}
	t, err := New(shape, false)
	if err != nil {
		return nil, err
	}
	copy(t.buf.data, data)
	return t, nil
}

// FromRows copies a rectangular matrix into a (rows, 1, 1, cols) tensor.
func FromRows(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: empty matrix", ErrInvalidShape)
	}
	cols := len(rows[0])
	t, err := New(Matrix(len(rows), cols), false)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if len(row) != cols {
			t.Dispose()
			return nil, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrShapeMismatch, i, len(row), cols)
		}
		copy(t.buf.data[i*cols:], row)
	}
	return t, nil
}

func (t *Tensor) live() *buffer {
	if t.buf.disposed.Load() {
		panic(fmt.Sprintf("tensor %v used after dispose", t.shape))
	}
	return t.buf
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// IsView reports whether t aliases storage owned by another tensor.
func (t *Tensor) IsView() bool {
	return t.view
}

// Disposed reports whether the underlying storage has been returned to the pool.
func (t *Tensor) Disposed() bool {
	return t.buf.disposed.Load()
}

// SharesStorage reports whether t and other are headers over the same buffer.
func (t *Tensor) SharesStorage(other *Tensor) bool {
	return t.buf == other.buf
}

// Span returns the whole buffer, NCHW elements long.
func (t *Tensor) Span() []float32 {
	return t.live().data[:t.shape.NCHW()]
}

// Sample returns the CHW elements of sample n.
func (t *Tensor) Sample(n int) []float32 {
	t.checkIndex(n, 0, 0, 0)
	chw := t.shape.CHW()
	return t.live().data[n*chw : (n+1)*chw]
}

// Channel returns the HW elements of channel c in sample n.
func (t *Tensor) Channel(n, c int) []float32 {
	t.checkIndex(n, c, 0, 0)
	hw := t.shape.HW()
	start := (n*t.shape.C + c) * hw
	return t.live().data[start : start+hw]
}

// Row returns the W elements of row h in channel c of sample n.
func (t *Tensor) Row(n, c, h int) []float32 {
	t.checkIndex(n, c, h, 0)
	start := t.shape.Offset(n, c, h, 0)
	return t.live().data[start : start+t.shape.W]
}

// Ref returns a pointer to element (n, c, h, w).
func (t *Tensor) Ref(n, c, h, w int) *float32 {
	t.checkIndex(n, c, h, w)
	return &t.live().data[t.shape.Offset(n, c, h, w)]
}

// At returns element (n, c, h, w).
func (t *Tensor) At(n, c, h, w int) float32 {
	return *t.Ref(n, c, h, w)
}

// Set stores v at (n, c, h, w).
func (t *Tensor) Set(n, c, h, w int, v float32) {
	*t.Ref(n, c, h, w) = v
}

func (t *Tensor) checkIndex(n, c, h, w int) {
	s := t.shape
	if n < 0 || n >= s.N || c < 0 || c >= s.C || h < 0 || h >= s.H || w < 0 || w >= s.W {
		panic(fmt.Sprintf("index (%d, %d, %d, %d) out of bounds for shape %v", n, c, h, w, s))
	}
}

// Reshape returns a view of t with a new shape covering the same elements.
// Writes through either header are visible through the other.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	t.live()
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NCHW() != t.shape.NCHW() {
		return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShapeMismatch, t.shape, shape)
	}
	return &Tensor{shape: shape, buf: t.buf, view: true}, nil
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	data := t.Span()
	for i := range data {
		data[i] = v
	}
}

// Zero clears every element.
func (t *Tensor) Zero() {
	clear(t.Span())
}

// CopyFrom overwrites t with the contents of src, which must have the same shape.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t.shape != src.shape {
		return fmt.Errorf("%w: copy %v into %v", ErrShapeMismatch, src.shape, t.shape)
	}
	copy(t.Span(), src.Span())
	return nil
}

// Clone returns a new owning tensor with the same shape and contents.
func (t *Tensor) Clone() *Tensor {
	b := t.live()
	out := &Tensor{
		shape: t.shape,
		buf:   &buffer{data: b.pool.Get(t.shape.NCHW(), false), pool: b.pool},
	}
	copy(out.buf.data, t.Span())
	return out
}

// ToHost copies the contents to a new slice.
func (t *Tensor) ToHost() []float32 {
	out := make([]float32, t.shape.NCHW())
	copy(out, t.Span())
	return out
}

// Dispose returns the buffer to the pool. Disposing a view, or disposing twice, panics.
func (t *Tensor) Dispose() {
	if t.view {
		log.Error().Stringer("shape", t.shape).Msg("Dispose called on a tensor view")
		panic("tensor: cannot dispose a view, dispose its owner instead")
	}
	if !t.buf.disposed.CompareAndSwap(false, true) {
		log.Error().Stringer("shape", t.shape).Msg("Tensor disposed twice")
		panic("tensor: double dispose")
	}
	t.buf.pool.Put(t.buf.data)
	t.buf.data = nil
}

func (t *Tensor) String() string {
	kind := "Tensor"
	if t.view {
		kind = "TensorView"
	}
	return fmt.Sprintf("%s%v", kind, t.shape)
}
