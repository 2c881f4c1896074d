//go:build cgo && netlib

package device

// Registers the netlib BLAS implementation, which calls into the system BLAS
// (Accelerate on macOS, OpenBLAS on Linux). Build with -tags netlib.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blasImplementation = "netlib"
	log.Debug().Str("blas", blasImplementation).Msg("System BLAS registered for float32 kernels")
}
