// Package dataset holds fixed input sets with analytically known
// orthonormal bases, used by the demo mode and tests.
package dataset

import (
	"math"
)

// Dataset is num row vectors of length dim together with the orthonormal
// basis classical Gram-Schmidt must produce from them.
type Dataset struct {
	Name string
	Dim  int
	Num  int
	Vecs []float64
	Want []float64
}

// Clone returns a copy whose Vecs can be mutated freely.
func (d Dataset) Clone() Dataset {
	c := d
	c.Vecs = append([]float64(nil), d.Vecs...)
	c.Want = append([]float64(nil), d.Want...)
	return c
}

// AbsError sums the elementwise absolute difference between got and Want.
func (d Dataset) AbsError(got []float64) float64 {
	var sum float64
	for i, w := range d.Want {
		sum += math.Abs(got[i] - w)
	}
	return sum
}

// Row returns vector k of buf.
func (d Dataset) Row(buf []float64, k int) []float64 {
	return buf[k*d.Dim : (k+1)*d.Dim]
}

var (
	sqrt2    = math.Sqrt(2)
	sqrt10   = math.Sqrt(10)
	sqrt110  = math.Sqrt(110)
	sqrt165  = math.Sqrt(165)
	sqrt5334 = math.Sqrt(5334)
	sqrtBig  = math.Sqrt(347494098)
)

// All returns fresh copies of every reference dataset.
func All() []Dataset {
	return []Dataset{
		{
			Name: "r3x3",
			Dim:  3,
			Num:  3,
			Vecs: []float64{
				1, 1, 0,
				1, 0, 2,
				2, 1, 3,
			},
			Want: []float64{
				sqrt2 / 2, sqrt2 / 2, 0,
				sqrt2 / 6, -sqrt2 / 6, 2 * sqrt2 / 3,
				-2.0 / 3.0, 2.0 / 3.0, 1.0 / 3.0,
			},
		},
		{
			Name: "r4x3",
			Dim:  4,
			Num:  3,
			Vecs: []float64{
				1, 1, -2, 2,
				0, 1, -1, 0,
				3, 5, -2, 1,
			},
			Want: []float64{
				sqrt10 / 10, sqrt10 / 10, -sqrt10 / 5, sqrt10 / 5,
				-3 * sqrt110 / 110, 7 * sqrt110 / 110, -2 * sqrt110 / 55, -3 * sqrt110 / 55,
				26 * sqrt165 / 495, 4 * sqrt165 / 99, 4 * sqrt165 / 99, -sqrt165 / 165,
			},
		},
		{
			Name: "r5x4",
			Dim:  5,
			Num:  4,
			Vecs: []float64{
				1, 2, 1, 3, -1,
				0, -2, -3, 3, -2,
				2, -3, 0, -4, 3,
				3, 1, 2, 3, -4,
			},
			Want: []float64{
				0.25, 0.5, 0.25, 0.75, -0.25,
				-0.05, -0.5, -0.65, 0.45, -0.35,
				89 * sqrt5334 / 7620, -9 * sqrt5334 / 1778, 7 * sqrt5334 / 7620, 43 * sqrt5334 / 53340, 87 * sqrt5334 / 17780,
				334 * sqrtBig / 24821007, -626 * sqrtBig / 57915683, 913 * sqrtBig / 49642014, -6257 * sqrtBig / 347494098, -2536 * sqrtBig / 57915683,
			},
		},
	}
}

// ByName returns the dataset called name.
func ByName(name string) (Dataset, bool) {
	for _, d := range All() {
		if d.Name == name {
			return d, true
		}
	}
	return Dataset{}, false
}
