package gramschmidt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNotOrthonormal is wrapped by every VerifyError.
var ErrNotOrthonormal = errors.New("gramschmidt: verification failed")

// VerifyError identifies the entry that broke a verification check.
// For Gram matrix checks I and J index the offending pair; for span checks
// I is the output vector and J is -1.
type VerifyError struct {
	Check string
	I, J  int
	Got   float64
	Want  float64
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("gramschmidt: %s check failed at (%d,%d): got %g want %g", e.Check, e.I, e.J, e.Got, e.Want)
}

func (e *VerifyError) Unwrap() error {
	return ErrNotOrthonormal
}

// Verify checks that the num rows of vecs are pairwise orthogonal and of
// unit norm: every entry of Q·Qᵀ is within tol of the identity.
func Verify(dim, num int, vecs []float64, tol float64) error {
	if vecs == nil || !ShapeFits(dim, num, len(vecs)) {
		return ErrInvalidArgument
	}
	q := mat.NewDense(num, dim, vecs[:dim*num])

	var gram mat.Dense
	gram.Mul(q, q.T())

	for i := 0; i < num; i++ {
		for j := 0; j < num; j++ {
			want := 0.0
			check := "orthogonality"
			if i == j {
				want = 1.0
				check = "unit-norm"
			}
			if got := gram.At(i, j); math.Abs(got-want) >= tol {
				return &VerifyError{Check: check, I: i, J: j, Got: got, Want: want}
			}
		}
	}
	return nil
}

// InSpan checks that every basis vector k is a linear combination of the
// original vectors 0..k, using the least-squares residual.
func InSpan(dim, num int, orig, basis []float64, tol float64) error {
	if orig == nil || basis == nil ||
		!ShapeFits(dim, num, len(orig)) || !ShapeFits(dim, num, len(basis)) {
		return ErrInvalidArgument
	}

	for k := 0; k < num; k++ {
		if k+1 > dim {
			return &VerifyError{Check: "span", I: k, J: -1, Got: float64(k + 1), Want: float64(dim)}
		}
		a := mat.NewDense(k+1, dim, orig[:(k+1)*dim])
		b := mat.NewVecDense(dim, basis[k*dim:(k+1)*dim])

		var x mat.VecDense
		if err := x.SolveVec(a.T(), b); err != nil {
			return fmt.Errorf("gramschmidt: span solve for vector %d: %w", k, err)
		}

		var r mat.VecDense
		r.MulVec(a.T(), &x)
		r.SubVec(&r, b)
		if res := mat.Norm(&r, 2); res >= tol {
			return &VerifyError{Check: "span", I: k, J: -1, Got: res, Want: 0}
		}
	}
	return nil
}
