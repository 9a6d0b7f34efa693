package dataset

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAll_Shapes(t *testing.T) {
	for _, d := range All() {
		t.Run(d.Name, func(t *testing.T) {
			assert.Len(t, d.Vecs, d.Dim*d.Num)
			assert.Len(t, d.Want, d.Dim*d.Num)
			assert.LessOrEqual(t, d.Num, d.Dim)
		})
	}
}

func TestAll_ReferenceIsOrthonormal(t *testing.T) {
	for _, d := range All() {
		t.Run(d.Name, func(t *testing.T) {
			for i := 0; i < d.Num; i++ {
				for j := 0; j < d.Num; j++ {
					var dot float64
					a, b := d.Row(d.Want, i), d.Row(d.Want, j)
					for k := range a {
						dot += a[k] * b[k]
					}
					want := 0.0
					if i == j {
						want = 1.0
					}
					assert.InDelta(t, want, dot, 1e-9, "pair (%d,%d)", i, j)
				}
			}
		})
	}
}

func TestClone_IsIndependent(t *testing.T) {
	d, ok := ByName("r3x3")
	require.True(t, ok)

	c := d.Clone()
	c.Vecs[0] = 42

	assert.Equal(t, 1.0, d.Vecs[0])
}

func TestAbsError(t *testing.T) {
	d, ok := ByName("r3x3")
	require.True(t, ok)

	assert.InDelta(t, 0.0, d.AbsError(d.Want), 1e-15)

	got := append([]float64(nil), d.Want...)
	got[0] += 0.5
	got[8] -= 0.25
	assert.InDelta(t, 0.75, d.AbsError(got), 1e-12)
	assert.False(t, math.IsNaN(d.AbsError(got)))
}

func TestByName_Unknown(t *testing.T) {
	_, ok := ByName("missing")
	assert.False(t, ok)
}
