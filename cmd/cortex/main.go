package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-cortex/internal/device"
	"github.com/23skdu/longbow-cortex/internal/fixture"
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/report"
	"github.com/23skdu/longbow-cortex/internal/simd"
)

var (
	backendName   = flag.String("backend", "blas", "Candidate backend compared against the cpu reference (cpu, blas)")
	workers       = flag.Int("workers", 0, "Kernel worker goroutines (0 = one per CPU, 1 = sequential)")
	seed          = flag.Uint64("seed", 1, "Seed for generated kernel inputs")
	batchSize     = flag.Int("batch", 8, "Samples per generated case")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	recordPath    = flag.String("record", "", "Write generated cases and reference outputs to this fixture file")
	replayPath    = flag.String("replay", "", "Replay a fixture file against the candidate backend")
	reportPath    = flag.String("report", "", "Write parity results as an Arrow IPC stream to this file")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	maxConcurrent = flag.Int("max-concurrent", 4, "Maximum number of concurrent replay requests")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if err := run(); err != nil {
		if errors.Is(err, ErrParity) {
			log.Error().Err(err).Msg("Backends disagree")
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("Cortex failed")
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *workers > 0 {
		cfg := parallel.Default()
		cfg.NumWorkers = *workers
		cfg.Enabled = *workers > 1
		parallel.SetDefault(cfg)
	}
	log.Info().
		Int("workers", parallel.Default().NumWorkers).
		Bool("parallel", parallel.Default().Enabled).
		Strs("cpu_features", simd.Features()).
		Msg("Kernel parallelism")

	reference, err := device.New("cpu")
	if err != nil {
		return err
	}
	candidate, err := device.New(*backendName)
	if err != nil {
		return err
	}
	if b, ok := candidate.(*device.BLASBackend); ok {
		log.Info().Str("implementation", b.Implementation()).Msg("BLAS backend")
	}

	h := NewHarness(reference, candidate, *batchSize, *seed)
	if *recordPath != "" {
		h.Record()
	}
	if *reportPath != "" {
		f, err := os.Create(*reportPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w := report.NewWriter(f, len(kernelDefs))
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close report")
			}
		}()
		h.ReportTo(w)
	}

	// Server Mode
	if *listenAddr != "" {
		go startServer(*listenAddr, h, *maxConcurrent)
		<-ctx.Done()
		return nil
	}

	if *replayPath != "" {
		return replay(ctx, h, *replayPath)
	}

	if *duration > 0 {
		err = h.Soak(ctx, *duration)
	} else {
		err = suite(ctx, h)
	}
	if *recordPath != "" {
		cases := h.Recorded()
		if serr := fixture.Save(*recordPath, cases); serr != nil {
			return serr
		}
		log.Info().Int("cases", len(cases)).Str("path", *recordPath).Msg("Recorded fixtures")
	}
	return err
}

func suite(ctx context.Context, h *Harness) error {
	start := time.Now()
	results, err := h.Suite(ctx)
	for _, r := range results {
		log.Info().
			Str("kernel", r.Kernel).
			Ints32("shape", r.Shape[:]).
			Float32("max_abs_diff", r.MaxAbsDiff).
			Bool("passed", r.Passed).
			Dur("elapsed", r.Duration).
			Msg("Parity case")
	}
	log.Info().Int("kernels", len(results)).Dur("elapsed", time.Since(start)).Msg("Parity suite complete")
	return err
}

func replay(ctx context.Context, h *Harness, path string) error {
	cases, err := fixture.Load(path)
	if err != nil {
		return err
	}
	log.Info().Int("cases", len(cases)).Str("path", path).Msg("Replaying fixtures")

	failed := 0
	for i := range cases {
		r, err := h.Replay(ctx, &cases[i])
		if err != nil {
			return err
		}
		if !r.Passed {
			failed++
			log.Warn().Str("kernel", r.Kernel).Str("recorded_on", r.Reference).
				Float32("max_abs_diff", r.MaxAbsDiff).Msg("Replay mismatch")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d cases", ErrParity, failed, len(cases))
	}
	log.Info().Int("cases", len(cases)).Msg("Replay complete")
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("cortex"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
