package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cortex/internal/fixture"
	"github.com/23skdu/longbow-cortex/internal/report"
)

type mockReplayer struct {
	mock.Mock
}

func (m *mockReplayer) Replay(ctx context.Context, c *fixture.Case) (report.Result, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(report.Result), args.Error(1)
}

func TestServer_Replay(t *testing.T) {
	mr := &mockReplayer{}
	srv := NewServer(mr, 2)
	h := srv.Handler()

	c := fixture.Case{
		Kernel:  "softmax",
		Backend: "cpu",
		Inputs:  map[string]fixture.Snapshot{"x": {Shape: [4]int{1, 1, 1, 2}, Data: []float32{0, 0}}},
		Outputs: map[string]fixture.Snapshot{"y": {Shape: [4]int{1, 1, 1, 2}, Data: []float32{0.5, 0.5}}},
	}
	body, err := cbor.Marshal(c)
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		want := report.Result{Kernel: "softmax", Reference: "cpu", Candidate: "blas", Shape: [4]int32{1, 1, 1, 2}, Tolerance: 1e-5, Passed: true}
		mr.On("Replay", mock.Anything, mock.MatchedBy(func(got *fixture.Case) bool {
			return got.Kernel == "softmax" && len(got.Inputs["x"].Data) == 2
		})).Return(want, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/replay", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))
		var got report.Result
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, want, got)
	})

	t.Run("Replay error", func(t *testing.T) {
		mr.On("Replay", mock.Anything, mock.Anything).Return(report.Result{}, errors.New("shape mismatch")).Once()

		req := httptest.NewRequest(http.MethodPost, "/replay", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Contains(t, rr.Body.String(), "shape mismatch")
	})

	t.Run("Bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/replay", bytes.NewReader([]byte{0xff, 0x00}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/replay", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "cortex_replay_requests_total")
	})

	mr.AssertExpectations(t)
}

func TestServer_ReplayOverflowingShape(t *testing.T) {
	h := NewServer(newTestHarness(t, 1), 1).Handler()

	wraps := fixture.Snapshot{Shape: [4]int{1<<62 + 1, 4, 1, 1}, Data: []float32{0, 0, 0, 0}}
	for _, c := range []fixture.Case{
		{
			Kernel:  "softmax",
			Backend: "cpu",
			Inputs:  map[string]fixture.Snapshot{"x": wraps},
			Outputs: map[string]fixture.Snapshot{"y": {Shape: [4]int{1, 1, 1, 4}, Data: []float32{0.25, 0.25, 0.25, 0.25}}},
		},
		{
			Kernel:  "softmax",
			Backend: "cpu",
			Inputs:  map[string]fixture.Snapshot{"x": {Shape: [4]int{1, 1, 1, 4}, Data: []float32{0, 0, 0, 0}}},
			Outputs: map[string]fixture.Snapshot{"y": wraps},
		},
	} {
		body, err := cbor.Marshal(c)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/replay", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		require.NotPanics(t, func() { h.ServeHTTP(rr, req) })
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Contains(t, rr.Body.String(), "corrupt snapshot")
	}
}
