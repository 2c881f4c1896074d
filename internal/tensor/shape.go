package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidShape is returned when a shape violates the dimension invariants.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrShapeMismatch is returned when operand shapes are incompatible.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Unbound is the sample count of a template shape whose batch size is not known yet.
// Such shapes are never passed to a kernel.
const Unbound = -1

// Shape describes a 4D tensor laid out in NCHW order.
type Shape struct {
	N, C, H, W int
}

// NewShape returns a validated shape.
func NewShape(n, c, h, w int) (Shape, error) {
	s := Shape{N: n, C: c, H: h, W: w}
	if err := s.Validate(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// Matrix returns the shape of a rows x cols matrix, stored as (rows, 1, 1, cols).
func Matrix(rows, cols int) Shape {
	return Shape{N: rows, C: 1, H: 1, W: cols}
}

// HW returns the size of a single 2D plane.
func (s Shape) HW() int { return s.H * s.W }

// CHW returns the size of a single sample.
func (s Shape) CHW() int { return s.C * s.H * s.W }

// NCHW returns the total number of elements.
func (s Shape) NCHW() int { return s.N * s.C * s.H * s.W }

// IsBound reports whether the sample count is concrete.
func (s Shape) IsBound() bool { return s.N != Unbound }

// WithN returns a copy of the shape with the given sample count.
func (s Shape) WithN(n int) Shape {
	s.N = n
	return s
}

// MaxElements bounds the element count of any shape, keeping NCHW products
// well inside int and every buffer inside a pool bucket.
const MaxElements = 1 << 40

// Validate checks C, H, W > 0, N > 0 and that the element count does not
// exceed MaxElements.
func (s Shape) Validate() error {
	if s.C <= 0 || s.H <= 0 || s.W <= 0 {
		return fmt.Errorf("%w: %v (C, H and W must be > 0)", ErrInvalidShape, s)
	}
	if s.N <= 0 {
		return fmt.Errorf("%w: %v (N must be > 0)", ErrInvalidShape, s)
	}
	total := 1
	for _, d := range [...]int{s.N, s.C, s.H, s.W} {
		if d > MaxElements/total {
			return fmt.Errorf("%w: %v (more than %d elements)", ErrInvalidShape, s, MaxElements)
		}
		total *= d
	}
	return nil
}

// ValidateTemplate is like Validate but accepts an Unbound sample count.
func (s Shape) ValidateTemplate() error {
	if s.N == Unbound {
		return s.WithN(1).Validate()
	}
	return s.Validate()
}

// Offset returns the linear offset of element (n, c, h, w).
func (s Shape) Offset(n, c, h, w int) int {
	return ((n*s.C+c)*s.H+h)*s.W + w
}

func (s Shape) String() string {
	if s.N == Unbound {
		return fmt.Sprintf("(?, %d, %d, %d)", s.C, s.H, s.W)
	}
	return fmt.Sprintf("(%d, %d, %d, %d)", s.N, s.C, s.H, s.W)
}
