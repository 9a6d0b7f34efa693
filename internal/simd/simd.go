package simd

import "math"

// VecSubScaled performs dst -= src * coef in place.
func VecSubScaled(dst, src []float64, coef float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] -= coef * src[i]
		dst[i+1] -= coef * src[i+1]
		dst[i+2] -= coef * src[i+2]
		dst[i+3] -= coef * src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] -= coef * src[i]
	}
}

// VecScale performs v *= coef in place.
func VecScale(v []float64, coef float64) {
	i := 0
	for ; i <= len(v)-4; i += 4 {
		v[i] *= coef
		v[i+1] *= coef
		v[i+2] *= coef
		v[i+3] *= coef
	}
	for ; i < len(v); i++ {
		v[i] *= coef
	}
}

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the Euclidean length of v. The zero vector has norm 0.
func Norm(v []float64) float64 {
	return math.Sqrt(DotProduct(v, v))
}

// MatVecMul performs dst = mat * vec where mat is rows x cols row-major
func MatVecMul(dst []float64, mat []float64, vec []float64, rows, cols int) {
	for i := 0; i < rows; i++ {
		rowStart := i * cols
		row := mat[rowStart : rowStart+cols]
		dst[i] = DotProduct(row, vec)
	}
}
