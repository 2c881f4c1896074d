// Package parallel provides the data-parallel fan-out used by every kernel.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrTaskFailed is returned when a worker panics. The output of the call is undefined.
var ErrTaskFailed = errors.New("parallel task failed")

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Maximum number of concurrent worker goroutines.
	MinChunkSize int  // Minimum items per goroutine; smaller loops run sequentially.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 2,
	}
}

var current atomic.Pointer[Config]

func init() {
	cfg := DefaultConfig()
	current.Store(&cfg)
}

// Default returns the process-wide configuration used by For and ForBatch.
func Default() Config {
	return *current.Load()
}

// SetDefault replaces the process-wide configuration.
func SetDefault(cfg Config) {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.MinChunkSize < 1 {
		cfg.MinChunkSize = 1
	}
	current.Store(&cfg)
}

// For executes f(i) for i in [0, n) using the default configuration.
func For(n int, f func(i int)) error {
	return ForConfig(n, f, Default())
}

// ForConfig executes f(i) for i in [0, n), splitting the range into contiguous chunks.
// It returns once every chunk has finished. If any call to f panics the remaining
// chunks stop early and ErrTaskFailed is returned.
func ForConfig(n int, f func(i int), cfg Config) error {
	if n <= 0 {
		return nil
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < cfg.MinChunkSize {
		return run(context.Background(), 0, n, f)
	}

	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(cfg.NumWorkers)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		g.Go(func() error {
			return run(ctx, start, end, f)
		})
	}
	return g.Wait()
}

// ForBatch iterates over every (b, c) pair of a batch x channels grid.
func ForBatch(batch, channels int, f func(b, c int)) error {
	return For(batch*channels, func(k int) {
		f(k/channels, k%channels)
	})
}

func run(ctx context.Context, start, end int, f func(i int)) (err error) {
	i := start
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("task", i).Interface("panic", r).Msg("Parallel task panicked")
			err = fmt.Errorf("%w: task %d: %v", ErrTaskFailed, i, r)
		}
	}()
	for ; i < end; i++ {
		if ctx.Err() != nil {
			return nil
		}
		f(i)
	}
	return nil
}
