//go:build cgo

package main

// Only built with cgo: routes gonum's blas64 (used by the basis verifier)
// through system BLAS (Accelerate on macOS, OpenBLAS on Linux).

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
