package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRead(t *testing.T) {
	results := []Result{
		{Kernel: "conv_forward", Reference: "cpu", Candidate: "blas", Shape: [4]int32{2, 3, 8, 8}, MaxAbsDiff: 3e-6, Tolerance: 1e-4, Passed: true, Duration: 1500 * time.Microsecond},
		{Kernel: "fc_backward_bias", Reference: "cpu", Candidate: "blas", Shape: [4]int32{16, 1, 1, 10}, MaxAbsDiff: 0.2, Tolerance: 1e-4, Passed: false, Duration: time.Millisecond},
		{Kernel: "multiply", Reference: "cpu", Candidate: "blas", Shape: [4]int32{4, 1, 1, 4}, Passed: true},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf, 2)
	for _, r := range results {
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Close())

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, results, got)
}

func TestWriter_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf, 0).Close())
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRead_Garbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not an arrow stream")))
	assert.Error(t, err)
}
