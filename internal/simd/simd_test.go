package simd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}

	VecAdd(dst, src)

	assert.Equal(t, []float32{11, 22, 33, 44, 55}, dst)
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}

	VecAddScaled(dst, src, 0.5)

	assert.Equal(t, []float32{6, 12, 18, 24, 30}, dst)
}

func TestVecMulSub(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{2, 2, 2, -1, -1, -1}
	dst := make([]float32, 6)

	VecMul(dst, a, b)
	assert.Equal(t, []float32{2, 4, 6, -4, -5, -6}, dst)

	VecSub(dst, a, b)
	assert.Equal(t, []float32{-1, 0, 1, 5, 6, 7}, dst)
}

func TestVecScaleSum(t *testing.T) {
	a := []float32{1, 2, 3}
	VecScale(a, -2)
	assert.Equal(t, []float32{-2, -4, -6}, a)
	assert.Equal(t, float32(-12), Sum(a))
	assert.Equal(t, float32(0), Sum(nil))
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	assert.Equal(t, float32(70), DotProduct(a, b))
}

func TestMatVecMul(t *testing.T) {
	// 2x3 matrix
	mat := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	vec := []float32{1, 2, 3}
	dst := make([]float32, 2)

	// Row 0: 1*1 + 2*2 + 3*3 = 14
	// Row 1: 4*1 + 5*2 + 6*3 = 32
	MatVecMul(dst, mat, vec, 2, 3)

	assert.Equal(t, []float32{14, 32}, dst)
}

func BenchmarkDotProduct(b *testing.B) {
	x := make([]float32, 1024)
	y := make([]float32, 1024)
	for i := range x {
		x[i] = float32(i)
		y[i] = float32(1024 - i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = DotProduct(x, y)
	}
}

func TestFeatures(t *testing.T) {
	known := map[string]bool{
		"sse4.1": true, "avx": true, "avx2": true, "fma": true, "avx512f": true,
		"asimd": true, "fphp": true, "sve": true,
	}
	seen := map[string]bool{}
	for _, f := range Features() {
		assert.True(t, known[f], f)
		assert.False(t, seen[f], "duplicate %s", f)
		seen[f] = true
	}
}
