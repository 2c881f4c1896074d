package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-cortex/internal/device"
	"github.com/23skdu/longbow-cortex/internal/fixture"
	"github.com/23skdu/longbow-cortex/internal/report"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

var tracer = otel.Tracer("cortex")

// ErrParity is returned by Suite when at least one case exceeded its tolerance.
var ErrParity = errors.New("parity check failed")

// Harness runs kernel cases on a reference and a candidate backend and
// compares their outputs.
type Harness struct {
	reference device.Backend
	candidate device.Backend
	batch     int

	mu       sync.Mutex
	rng      *rand.Rand
	record   bool
	recorded []fixture.Case
	results  *report.Writer
}

// NewHarness returns a harness generating batches of n samples from seed.
func NewHarness(reference, candidate device.Backend, n int, seed uint64) *Harness {
	return &Harness{
		reference: reference,
		candidate: candidate,
		batch:     n,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Record keeps every generated case, with the reference outputs, for Recorded.
func (h *Harness) Record() { h.record = true }

// Recorded returns the cases captured so far.
func (h *Harness) Recorded() []fixture.Case {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.recorded)
}

// ReportTo appends every result to w.
func (h *Harness) ReportTo(w *report.Writer) { h.results = w }

func (h *Harness) generate(def *kernelDef) fixture.Case {
	h.mu.Lock()
	defer h.mu.Unlock()
	return def.generate(h.rng, h.batch)
}

func (h *Harness) emit(r report.Result) error {
	if h.results == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results.Append(r)
}

// Suite runs one freshly generated case of every kernel. It returns ErrParity
// if any case ran but disagreed, and the first execution error otherwise.
func (h *Harness) Suite(ctx context.Context) ([]report.Result, error) {
	results := make([]report.Result, 0, len(kernelDefs))
	failed := 0
	for i := range kernelDefs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		def := &kernelDefs[i]
		c := h.generate(def)
		res, err := h.RunCase(ctx, def, &c)
		if err != nil {
			return results, err
		}
		if !res.Passed {
			failed++
			log.Warn().Str("kernel", res.Kernel).Float32("max_abs_diff", res.MaxAbsDiff).
				Float32("tolerance", res.Tolerance).Msg("Parity mismatch")
		}
		results = append(results, res)
	}
	if failed > 0 {
		return results, fmt.Errorf("%w: %d of %d kernels", ErrParity, failed, len(kernelDefs))
	}
	return results, nil
}

// RunCase executes c on both backends and compares every output.
func (h *Harness) RunCase(ctx context.Context, def *kernelDef, c *fixture.Case) (res report.Result, err error) {
	_, span := tracer.Start(ctx, "parity."+def.name, trace.WithAttributes(
		attribute.String("kernel", def.name),
		attribute.String("reference", h.reference.Name()),
		attribute.String("candidate", h.candidate.Name()),
	))
	defer span.End()
	defer func() {
		observeResult(def.name, res.MaxAbsDiff, res.Passed, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	start := time.Now()
	var ra, ca arena
	defer ra.release()
	defer ca.release()

	want, err := def.run(h.reference, c, &ra)
	if err != nil {
		return res, fmt.Errorf("%s on %s: %w", def.name, h.reference.Name(), err)
	}
	got, err := def.run(h.candidate, c, &ca)
	if err != nil {
		return res, fmt.Errorf("%s on %s: %w", def.name, h.candidate.Name(), err)
	}
	if res, err = compare(def.name, def.tolerance, want, got); err != nil {
		return res, err
	}
	res.Reference, res.Candidate = h.reference.Name(), h.candidate.Name()
	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.IntSlice("shape", []int{int(res.Shape[0]), int(res.Shape[1]), int(res.Shape[2]), int(res.Shape[3])}),
		attribute.Float64("max_abs_diff", float64(res.MaxAbsDiff)),
		attribute.Bool("passed", res.Passed),
	)

	if h.record {
		c.Backend = h.reference.Name()
		c.Outputs = make(map[string]fixture.Snapshot, len(want))
		for name, t := range want {
			c.Outputs[name] = fixture.Capture(t)
		}
		h.mu.Lock()
		h.recorded = append(h.recorded, *c)
		h.mu.Unlock()
	}
	return res, h.emit(res)
}

// Replay runs a recorded case on the candidate backend and compares against
// the outputs stored in the case.
func (h *Harness) Replay(ctx context.Context, c *fixture.Case) (res report.Result, err error) {
	def, err := lookupKernel(c.Kernel)
	if err != nil {
		return res, err
	}
	_, span := tracer.Start(ctx, "replay."+def.name, trace.WithAttributes(
		attribute.String("kernel", def.name),
		attribute.String("reference", c.Backend),
		attribute.String("candidate", h.candidate.Name()),
	))
	defer span.End()
	defer func() {
		observeResult(def.name, res.MaxAbsDiff, res.Passed, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if len(c.Outputs) == 0 {
		return res, fmt.Errorf("%s: case has no recorded outputs", def.name)
	}
	start := time.Now()
	var ra, ca arena
	defer ra.release()
	defer ca.release()

	want := make(map[string]*tensor.Tensor, len(c.Outputs))
	for name := range c.Outputs {
		if want[name] = ra.keep(c.Output(name)); ra.err != nil {
			return res, ra.err
		}
	}
	got, err := def.run(h.candidate, c, &ca)
	if err != nil {
		return res, fmt.Errorf("%s on %s: %w", def.name, h.candidate.Name(), err)
	}
	if res, err = compare(def.name, def.tolerance, want, got); err != nil {
		return res, err
	}
	res.Reference, res.Candidate = c.Backend, h.candidate.Name()
	res.Duration = time.Since(start)
	return res, h.emit(res)
}

// compare checks every output in want against got. The reported shape is that
// of the first output by name.
func compare(kernel string, tolerance float32, want, got map[string]*tensor.Tensor) (report.Result, error) {
	res := report.Result{Kernel: kernel, Tolerance: tolerance, Passed: true}
	for i, name := range slices.Sorted(maps.Keys(want)) {
		w := want[name]
		g, ok := got[name]
		if !ok {
			return res, fmt.Errorf("%s: no %q output to compare", kernel, name)
		}
		if i == 0 {
			s := w.Shape()
			res.Shape = [4]int32{int32(s.N), int32(s.C), int32(s.H), int32(s.W)}
		}
		d, err := tensor.MaxAbsDiff(w, g)
		if err != nil {
			return res, fmt.Errorf("%s output %q: %w", kernel, name, err)
		}
		res.MaxAbsDiff = max(res.MaxAbsDiff, d)
		if !w.ContentEquals(g, tolerance, tolerance) {
			res.Passed = false
		}
	}
	return res, nil
}

// Soak runs the suite repeatedly until d has elapsed or ctx is done.
func (h *Harness) Soak(ctx context.Context, d time.Duration) error {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")
	startTime := time.Now()
	endTime := startTime.Add(d)
	var cases, failures int
	var iter int

soak:
	for time.Now().Before(endTime) {
		results, err := h.Suite(ctx)
		cases += len(results)
		switch {
		case errors.Is(err, ErrParity):
			failures++
		case errors.Is(err, context.Canceled):
			log.Info().Int("iter", iter).Msg("Soak test interrupted")
			break soak
		case err != nil:
			return err
		}
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int("cases", cases).
				Int("failed_suites", failures).
				Float64("cases_per_sec", float64(cases)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("cases", cases).
		Int("failed_suites", failures).
		Dur("total_time", totalElapsed).
		Msg("Soak test complete")
	if failures > 0 {
		return fmt.Errorf("%w: %d of %d suites", ErrParity, failures, iter)
	}
	return nil
}
