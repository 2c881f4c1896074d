// Package fixture records kernel invocations as CBOR so that a parity run on
// one machine can be replayed, bit for bit, against a backend on another.
//
// A fixture file is a CBOR sequence of Case values. Tensors are stored as a
// Snapshot: the four NCHW dimensions and the flat element buffer.
package fixture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// ErrCorrupt is returned when a snapshot's data does not match its shape.
var ErrCorrupt = errors.New("corrupt snapshot")

// maxElements bounds the length of a decoded array.
const maxElements = 1 << 28

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding keeps fixture files byte-stable across runs.
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: maxElements, MaxMapPairs: maxElements}).DecMode(); err != nil {
		panic(err)
	}
}

// Snapshot is a serialized tensor.
type Snapshot struct {
	Shape [4]int    `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// Capture copies t into a snapshot.
func Capture(t *tensor.Tensor) Snapshot {
	s := t.Shape()
	return Snapshot{Shape: [4]int{s.N, s.C, s.H, s.W}, Data: t.ToHost()}
}

// TensorShape returns the snapshot's shape.
func (s Snapshot) TensorShape() tensor.Shape {
	return tensor.Shape{N: s.Shape[0], C: s.Shape[1], H: s.Shape[2], W: s.Shape[3]}
}

// Tensor allocates a new tensor holding the snapshot's contents.
func (s Snapshot) Tensor() (*tensor.Tensor, error) {
	shape := s.TensorShape()
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(s.Data) != shape.NCHW() {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrCorrupt, len(s.Data), shape)
	}
	return tensor.From(shape, s.Data)
}

// Case is one recorded kernel call: its parameters, its inputs and the
// outputs the recording backend produced.
type Case struct {
	Kernel  string              `cbor:"kernel"`
	Backend string              `cbor:"backend"`
	Params  map[string]int      `cbor:"params,omitempty"`
	Scalars map[string]float32  `cbor:"scalars,omitempty"`
	Inputs  map[string]Snapshot `cbor:"inputs"`
	Outputs map[string]Snapshot `cbor:"outputs"`
}

// Input materializes the named input.
func (c *Case) Input(name string) (*tensor.Tensor, error) {
	s, ok := c.Inputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: case %s has no input %q", ErrCorrupt, c.Kernel, name)
	}
	return s.Tensor()
}

// Output materializes the named expected output.
func (c *Case) Output(name string) (*tensor.Tensor, error) {
	s, ok := c.Outputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: case %s has no output %q", ErrCorrupt, c.Kernel, name)
	}
	return s.Tensor()
}

// Encode writes cases to w as a CBOR sequence.
func Encode(w io.Writer, cases ...Case) error {
	enc := encMode.NewEncoder(w)
	for i := range cases {
		if err := enc.Encode(&cases[i]); err != nil {
			return fmt.Errorf("encode case %d (%s): %w", i, cases[i].Kernel, err)
		}
	}
	return nil
}

// Decode reads a CBOR sequence of cases until EOF.
func Decode(r io.Reader) ([]Case, error) {
	dec := decMode.NewDecoder(r)
	var cases []Case
	for {
		var c Case
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			return cases, nil
		}
		if err != nil {
			return cases, fmt.Errorf("decode case %d: %w", len(cases), err)
		}
		cases = append(cases, c)
	}
}

// DecodeCase reads exactly one case from r.
func DecodeCase(r io.Reader, c *Case) error {
	if err := decMode.NewDecoder(r).Decode(c); err != nil {
		return fmt.Errorf("decode case: %w", err)
	}
	return nil
}

// Save writes cases to a file, replacing it.
func Save(path string, cases []Case) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, cases...); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Load reads every case from a file.
func Load(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
