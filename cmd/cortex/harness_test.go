package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cortex/internal/device"
	"github.com/23skdu/longbow-cortex/internal/fixture"
	"github.com/23skdu/longbow-cortex/internal/report"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func newTestHarness(t *testing.T, seed uint64) *Harness {
	t.Helper()
	cpu, err := device.New("cpu")
	require.NoError(t, err)
	blas, err := device.New("blas")
	require.NoError(t, err)
	return NewHarness(cpu, blas, 3, seed)
}

func TestSuite_BackendsAgree(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		h := newTestHarness(t, seed)
		results, err := h.Suite(context.Background())
		require.NoError(t, err, "seed %d", seed)
		require.Len(t, results, len(kernelDefs))
		for _, r := range results {
			assert.True(t, r.Passed, "seed %d kernel %s diff %g", seed, r.Kernel, r.MaxAbsDiff)
			assert.Equal(t, "cpu", r.Reference)
			assert.Equal(t, "blas", r.Candidate)
			assert.Positive(t, r.Shape[0])
		}
	}
}

func TestSuite_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestHarness(t, 1).Suite(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSoak_InterruptIsCleanStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, newTestHarness(t, 1).Soak(ctx, time.Minute))
}

func TestRecordReplay(t *testing.T) {
	h := newTestHarness(t, 7)
	h.Record()
	_, err := h.Suite(context.Background())
	require.NoError(t, err)

	recorded := h.Recorded()
	require.Len(t, recorded, len(kernelDefs))

	var buf bytes.Buffer
	require.NoError(t, fixture.Encode(&buf, recorded...))
	cases, err := fixture.Decode(&buf)
	require.NoError(t, err)

	var out bytes.Buffer
	w := report.NewWriter(&out, 4)
	replayer := newTestHarness(t, 99)
	replayer.ReportTo(w)
	for i := range cases {
		assert.Equal(t, "cpu", cases[i].Backend)
		r, err := replayer.Replay(context.Background(), &cases[i])
		require.NoError(t, err, cases[i].Kernel)
		assert.True(t, r.Passed, "%s diff %g", r.Kernel, r.MaxAbsDiff)
		assert.Equal(t, "cpu", r.Reference)
	}
	require.NoError(t, w.Close())

	results, err := report.Read(&out)
	require.NoError(t, err)
	assert.Len(t, results, len(cases))
}

func TestReplay_DetectsMismatch(t *testing.T) {
	h := newTestHarness(t, 3)
	h.Record()
	_, err := h.Suite(context.Background())
	require.NoError(t, err)

	c := h.Recorded()[0]
	for _, s := range c.Outputs {
		s.Data[0] += 1
	}
	r, err := h.Replay(context.Background(), &c)
	require.NoError(t, err)
	assert.False(t, r.Passed)
	assert.InDelta(t, 1, r.MaxAbsDiff, 1e-3)
}

func TestReplay_Errors(t *testing.T) {
	h := newTestHarness(t, 1)

	_, err := h.Replay(context.Background(), &fixture.Case{Kernel: "fft"})
	assert.Error(t, err)

	_, err = h.Replay(context.Background(), &fixture.Case{Kernel: "softmax"})
	assert.Error(t, err, "no recorded outputs")

	c := fixture.Case{
		Kernel:  "softmax",
		Inputs:  map[string]fixture.Snapshot{"x": {Shape: [4]int{1, 1, 1, 2}, Data: []float32{1}}},
		Outputs: map[string]fixture.Snapshot{"y": {Shape: [4]int{1, 1, 1, 2}, Data: []float32{0.5, 0.5}}},
	}
	_, err = h.Replay(context.Background(), &c)
	assert.ErrorIs(t, err, fixture.ErrCorrupt)
}

func TestCompare(t *testing.T) {
	a, err := tensor.From(tensor.Matrix(1, 3), []float32{1, 2, 3})
	require.NoError(t, err)
	defer a.Dispose()
	b, err := tensor.From(tensor.Matrix(1, 3), []float32{1, 2.5, 3})
	require.NoError(t, err)
	defer b.Dispose()

	r, err := compare("k", 1e-4, map[string]*tensor.Tensor{"y": a}, map[string]*tensor.Tensor{"y": a})
	require.NoError(t, err)
	assert.True(t, r.Passed)
	assert.Equal(t, [4]int32{1, 1, 1, 3}, r.Shape)

	r, err = compare("k", 1e-4, map[string]*tensor.Tensor{"y": a}, map[string]*tensor.Tensor{"y": b})
	require.NoError(t, err)
	assert.False(t, r.Passed)
	assert.InDelta(t, 0.5, r.MaxAbsDiff, 1e-6)

	_, err = compare("k", 1e-4, map[string]*tensor.Tensor{"y": a}, map[string]*tensor.Tensor{"dx": a})
	assert.Error(t, err)
}
