package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_Derived(t *testing.T) {
	s, err := NewShape(2, 3, 4, 5)
	require.NoError(t, err)

	assert.Equal(t, 20, s.HW())
	assert.Equal(t, 60, s.CHW())
	assert.Equal(t, 120, s.NCHW())
	assert.Equal(t, s.Offset(1, 2, 3, 4), s.NCHW()-1)
	assert.Equal(t, "(2, 3, 4, 5)", s.String())
}

func TestShape_Validate(t *testing.T) {
	tests := []struct {
		name  string
		shape Shape
		ok    bool
	}{
		{"valid", Shape{1, 1, 1, 1}, true},
		{"zero channels", Shape{1, 0, 2, 2}, false},
		{"negative height", Shape{1, 1, -2, 2}, false},
		{"zero samples", Shape{0, 1, 2, 2}, false},
		{"unbound", Shape{Unbound, 3, 2, 2}, false},
		{"at element limit", Shape{1 << 20, 1, 1 << 10, 1 << 10}, true},
		{"over element limit", Shape{1 << 20, 2, 1 << 10, 1 << 10}, false},
		{"product wraps", Shape{1<<62 + 1, 4, 1, 1}, false},
		{"every axis huge", Shape{1 << 31, 1 << 31, 1 << 31, 1 << 31}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.shape.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidShape))
			}
		})
	}
}

func TestShape_Template(t *testing.T) {
	s := Shape{Unbound, 3, 28, 28}
	assert.False(t, s.IsBound())
	assert.NoError(t, s.ValidateTemplate())
	assert.Equal(t, "(?, 3, 28, 28)", s.String())

	bound := s.WithN(16)
	assert.True(t, bound.IsBound())
	assert.Equal(t, 16*3*28*28, bound.NCHW())
}

func TestShape_Equality(t *testing.T) {
	assert.Equal(t, Shape{1, 2, 3, 4}, Shape{1, 2, 3, 4})
	assert.NotEqual(t, Shape{1, 2, 3, 4}, Shape{1, 2, 4, 3})
	assert.Equal(t, Shape{3, 1, 1, 7}, Matrix(3, 7))
}
