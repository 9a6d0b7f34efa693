package gramschmidt

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when the vector buffer is missing or
	// does not describe num vectors of dimension dim.
	ErrInvalidArgument = errors.New("gramschmidt: invalid argument")

	// ErrResourceExhausted is returned when scratch space cannot be acquired.
	ErrResourceExhausted = errors.New("gramschmidt: scratch allocation failed")

	// ErrDegenerate is returned when a vector has near-zero norm after
	// projection, i.e. it is linearly dependent on the vectors before it.
	ErrDegenerate = errors.New("gramschmidt: degenerate vector")
)

// DegenerateError reports which vector collapsed and how small it got.
type DegenerateError struct {
	Index   int
	Norm    float64
	Epsilon float64
}

func (e *DegenerateError) Error() string {
	return fmt.Sprintf("gramschmidt: vector %d has norm %g below epsilon %g", e.Index, e.Norm, e.Epsilon)
}

func (e *DegenerateError) Unwrap() error {
	return ErrDegenerate
}

// Status is the binary outcome of an orthonormalization call.
type Status int32

const (
	StatusOK   Status = 0
	StatusFail Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// StatusOf collapses err into a Status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	return StatusFail
}

// reason names the failure class for metrics and logs.
func reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrDegenerate):
		return "degenerate"
	default:
		return "unknown"
	}
}
