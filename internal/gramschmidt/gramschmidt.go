// Package gramschmidt turns a set of linearly independent vectors into an
// orthonormal basis of the same subspace using classical Gram-Schmidt.
//
// Vectors are packed row-major in a flat []float64: vector k occupies
// vecs[k*dim : (k+1)*dim]. The buffer is rewritten in place.
package gramschmidt

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-gramschmidt/internal/simd"
)

// DefaultEpsilon is the norm below which a vector is treated as zero.
const DefaultEpsilon = 1e-10

// Orthonormalizer runs the classical Gram-Schmidt recurrence.
// The zero value is not usable; construct with New.
type Orthonormalizer struct {
	epsilon float64
	atomic  bool
	scratch ScratchAllocator
}

// Option configures an Orthonormalizer.
type Option func(*Orthonormalizer)

// WithEpsilon overrides the degeneracy threshold.
func WithEpsilon(eps float64) Option {
	return func(o *Orthonormalizer) {
		o.epsilon = eps
	}
}

// WithAtomic makes failed calls leave the caller's buffer untouched.
// The work happens on a copy that is committed only on success.
func WithAtomic(atomic bool) Option {
	return func(o *Orthonormalizer) {
		o.atomic = atomic
	}
}

// WithScratch replaces the scratch allocator.
func WithScratch(s ScratchAllocator) Option {
	return func(o *Orthonormalizer) {
		o.scratch = s
	}
}

// New creates an Orthonormalizer with DefaultEpsilon and the shared Pool.
func New(opts ...Option) *Orthonormalizer {
	o := &Orthonormalizer{
		epsilon: DefaultEpsilon,
		scratch: Pool,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Epsilon returns the configured degeneracy threshold.
func (o *Orthonormalizer) Epsilon() float64 {
	return o.epsilon
}

// Atomic reports whether failed calls roll back.
func (o *Orthonormalizer) Atomic() bool {
	return o.atomic
}

var defaultOrthonormalizer = New()

// Orthonormalize runs the default Orthonormalizer over vecs.
func Orthonormalize(dim, num int, vecs []float64) error {
	return defaultOrthonormalizer.Orthonormalize(dim, num, vecs)
}

// Orthonormalize replaces the num vectors of length dim in vecs with an
// orthonormal basis of their span, preserving order.
//
// On a degenerate vector the call stops: vectors before it are normalized,
// the failing vector is projected but not scaled, later vectors are
// untouched. With WithAtomic the buffer is left unchanged instead.
func (o *Orthonormalizer) Orthonormalize(dim, num int, vecs []float64) (err error) {
	start := time.Now()
	defer func() {
		callDuration.Observe(time.Since(start).Seconds())
		callsTotal.WithLabelValues(reason(err)).Inc()
	}()

	if vecs == nil {
		return fmt.Errorf("%w: nil vector buffer", ErrInvalidArgument)
	}
	if dim <= 0 || num <= 0 {
		return fmt.Errorf("%w: dim=%d num=%d", ErrInvalidArgument, dim, num)
	}
	if !ShapeFits(dim, num, len(vecs)) {
		return fmt.Errorf("%w: buffer holds %d values, too few for dim=%d num=%d", ErrInvalidArgument, len(vecs), dim, num)
	}

	coefs, err := o.scratch.Get(num - 1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	defer o.scratch.Put(coefs)

	if !o.atomic {
		return o.run(dim, num, vecs, coefs)
	}

	work, err := o.scratch.Get(dim * num)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	defer o.scratch.Put(work)

	copy(work, vecs[:dim*num])
	if err := o.run(dim, num, work, coefs); err != nil {
		return err
	}
	copy(vecs, work)
	return nil
}

func (o *Orthonormalizer) run(dim, num int, vecs, coefs []float64) error {
	if err := o.normalize(0, vecs[:dim]); err != nil {
		return err
	}
	for k := 1; k < num; k++ {
		target := vecs[k*dim : (k+1)*dim]
		orthogonalize(dim, k, coefs, vecs)
		if err := o.normalize(k, target); err != nil {
			return err
		}
	}
	return nil
}

// orthogonalize removes from vector k its components along vectors 0..k-1,
// which must already be orthonormal. All coefficients are taken against the
// unmodified vector k before any subtraction.
func orthogonalize(dim, k int, coefs, vecs []float64) {
	target := vecs[k*dim : (k+1)*dim]
	basis := vecs[:k*dim]
	simd.MatVecMul(coefs[:k], basis, target, k, dim)
	for i := 0; i < k; i++ {
		simd.VecSubScaled(target, basis[i*dim:(i+1)*dim], coefs[i])
	}
}

func (o *Orthonormalizer) normalize(idx int, v []float64) error {
	norm := simd.Norm(v)
	if math.Abs(norm) < o.epsilon {
		log.Debug().
			Int("idx", idx).
			Float64("norm", norm).
			Float64("epsilon", o.epsilon).
			Msg("Degenerate vector")
		return &DegenerateError{Index: idx, Norm: norm, Epsilon: o.epsilon}
	}
	simd.VecScale(v, 1.0/norm)
	vectorsNormalized.Inc()
	return nil
}

// ShapeFits reports whether a buffer of length values holds num vectors of
// dim components. It divides instead of multiplying so that dim*num cannot
// overflow.
func ShapeFits(dim, num, length int) bool {
	return dim > 0 && num > 0 && dim <= length && num <= length/dim
}
